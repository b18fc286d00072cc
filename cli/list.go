package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/tinker495/autosave/control"
)

var listJSON bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Show watched repositories and sandbox sessions",
	RunE:  runList,
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(listCmd)
}

var (
	listPathStyle    = lipgloss.NewStyle().Bold(true)
	listBranchStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	listSessionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
	listDimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	listActiveStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	listErrorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

func runList(cmd *cobra.Command, args []string) error {
	client, err := daemonClient()
	if err != nil {
		return err
	}

	entries, err := client.List()
	if err != nil {
		// A stopped daemon simply has nothing watched.
		if errors.Is(err, control.ErrDaemonNotRunning) {
			if listJSON {
				fmt.Println("[]")
			} else {
				fmt.Println("No repositories are being watched (daemon not running)")
			}
			return nil
		}
		return err
	}

	if listJSON {
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal entries: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	if len(entries) == 0 {
		fmt.Println("No repositories are being watched")
		return nil
	}

	for _, e := range entries {
		marker := listActiveStyle.Render("●")
		if !e.Active {
			marker = listErrorStyle.Render("○")
		}

		line := fmt.Sprintf("%s %s %s %s",
			marker,
			listPathStyle.Render(e.Path),
			listDimStyle.Render("->"),
			listBranchStyle.Render(e.Branch),
		)
		if e.Session != "" {
			line += " " + listSessionStyle.Render("[session "+e.Session+"]")
		}
		fmt.Fprintln(os.Stdout, line)

		if !e.LastCommit.IsZero() {
			fmt.Println("  " + listDimStyle.Render("last commit "+e.LastCommit.Local().Format(time.RFC1123)))
		}
		if e.LastError != "" {
			fmt.Println("  " + listErrorStyle.Render("error: "+e.LastError))
		}
	}
	return nil
}

package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinker495/autosave/control"
)

var (
	removePath string
	removeAll  bool
)

var removeCmd = &cobra.Command{
	Use:   "remove",
	Short: "Stop watching a repository",
	Long: `Stop watching a repository and drop it from the persisted watch
list. Without -p the current directory is removed. Commits already made
on the autosave branch are kept.`,
	RunE: runRemove,
}

func init() {
	removeCmd.Flags().StringVarP(&removePath, "path", "p", "", "Repository path (default: current directory)")
	removeCmd.Flags().BoolVar(&removeAll, "all", false, "Remove every watched repository")
	rootCmd.AddCommand(removeCmd)
}

func runRemove(cmd *cobra.Command, args []string) error {
	client, err := daemonClient()
	if err != nil {
		return err
	}

	if removeAll {
		entries, err := client.List()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Nothing to remove")
			return nil
		}
		for _, e := range entries {
			if e.Session != "" {
				continue // sessions end with their owning process
			}
			resp, err := client.Remove(e.Path)
			if err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("%s", resp.Error)
			}
			fmt.Printf("Removed %s\n", e.Path)
		}
		return nil
	}

	path := removePath
	if path == "" {
		path, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get current directory: %w", err)
		}
	}

	resp, err := client.Remove(path)
	if err != nil {
		if errors.Is(err, control.ErrDaemonNotRunning) {
			return fmt.Errorf("autosave daemon is not running; nothing to remove")
		}
		return err
	}
	if !resp.OK {
		if resp.Code == control.CodeNotFound {
			return fmt.Errorf("%s is not being watched", path)
		}
		return fmt.Errorf("%s", resp.Error)
	}

	fmt.Printf("Removed %s\n", path)
	return nil
}

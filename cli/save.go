package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinker495/autosave/config"
	"github.com/tinker495/autosave/git"
)

var (
	saveBranch  string
	saveMessage string
)

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Commit the current working tree once, without the daemon",
	Long: `Commit the working tree of the current repository to the autosave
branch immediately. The daemon is not involved; this is a one-shot
commit using the same engine the watchers use, so the checked-out
branch and index stay untouched.`,
	RunE: runSave,
}

func init() {
	saveCmd.Flags().StringVar(&saveBranch, "branch", "", "Branch for the commit (default from config)")
	saveCmd.Flags().StringVar(&saveMessage, "message", "", "Commit message (default from config)")
	rootCmd.AddCommand(saveCmd)
}

func runSave(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	cfg, err := config.Load(cwd)
	if err != nil {
		return err
	}

	branch := saveBranch
	if branch == "" {
		branch = cfg.Branch
	}
	message := saveMessage
	if message == "" {
		message = cfg.CommitMessage
	}

	hash, err := git.Save(cwd, branch, message, cfg.Ignore)
	if err != nil {
		if errors.Is(err, git.ErrNoChanges) {
			fmt.Printf("No changes to save on %s\n", branch)
			return nil
		}
		if errors.Is(err, git.ErrNotARepository) {
			return fmt.Errorf("%s is not a git repository", cwd)
		}
		return err
	}

	fmt.Printf("Saved %s (%s)\n", branch, hash.String()[:8])
	return nil
}

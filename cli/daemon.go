package cli

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/tinker495/autosave/daemon"
)

var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Short:  "Run the autosave daemon in the foreground",
	Hidden: true,
	RunE:   runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log.SetPrefix("autosave: ")

	err := daemon.Run(context.Background())
	if errors.Is(err, daemon.ErrAlreadyRunning) {
		stateDir, derr := daemon.StateDir()
		if derr == nil {
			if pid, perr := daemon.RunningPID(stateDir); perr == nil && pid > 0 {
				return fmt.Errorf("%w (PID %d)", err, pid)
			}
		}
	}
	return err
}

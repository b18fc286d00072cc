package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinker495/autosave/control"
	"github.com/tinker495/autosave/daemon"
)

var killCmd = &cobra.Command{
	Use:   "kill",
	Short: "Stop the autosave daemon",
	Long: `Ask the daemon to shut down. Pending changes in every watched
repository are flushed to their autosave branches before the daemon
exits.`,
	RunE: runKill,
}

func init() {
	rootCmd.AddCommand(killCmd)
}

const (
	killTimeout      = 30 * time.Second
	killPollInterval = 250 * time.Millisecond
)

func runKill(cmd *cobra.Command, args []string) error {
	stateDir, err := daemon.StateDir()
	if err != nil {
		return fmt.Errorf("failed to resolve state directory: %w", err)
	}

	client := control.NewClient(daemon.SocketPath(stateDir))
	resp, err := client.Kill()
	if err != nil {
		if errors.Is(err, control.ErrDaemonNotRunning) {
			// The socket may be gone while the process lingers; fall back
			// to a signal so kill always works.
			pid, perr := daemon.RunningPID(stateDir)
			if perr != nil || pid == 0 {
				fmt.Println("autosave daemon is not running")
				return nil
			}
			if serr := daemon.StopProcess(pid); serr != nil {
				return serr
			}
			return waitForDaemonExit(stateDir, pid)
		}
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%s", resp.Error)
	}

	pid, _ := daemon.ReadPIDFile(stateDir)
	return waitForDaemonExit(stateDir, pid)
}

func waitForDaemonExit(stateDir string, pid int) error {
	deadline := time.Now().Add(killTimeout)
	for time.Now().Before(deadline) {
		if pid > 0 && !daemon.IsProcessRunning(pid) {
			fmt.Println("autosave daemon stopped")
			return nil
		}
		if pid == 0 && !daemon.IsReady(stateDir) {
			fmt.Println("autosave daemon stopped")
			return nil
		}
		time.Sleep(killPollInterval)
	}
	return fmt.Errorf("daemon did not stop within %v (PID %d)", killTimeout, pid)
}

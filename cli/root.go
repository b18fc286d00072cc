// Package cli wires the autosave commands. Every command is a short-lived
// client process; the long-lived work happens in the background daemon,
// reached over the control socket.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinker495/autosave/control"
	"github.com/tinker495/autosave/daemon"
)

var rootCmd = &cobra.Command{
	Use:   "autosave",
	Short: "Automatic background commits for git repositories",
	Long: `autosave watches git repositories and commits every change to a
dedicated branch (default "tmp/autosave") in the background. Your
checked-out branch, index and working tree are never touched; the
automatic commits are written directly to the git object store.

Running autosave inside a repository starts the daemon if needed and
registers the repository for watching:

  autosave                       Watch the current repository
  autosave list                  Show watched repositories
  autosave remove -p <path>      Stop watching a repository
  autosave kill                  Stop the daemon
  autosave run <name> [cmd...]   Run a command in a sandbox session
  autosave save                  Commit once, without the daemon

Per-repository settings (branch, commit message, debounce, ignore
patterns) live in a .autosave.yaml file in the repository or any parent
directory.`,
	RunE: runRoot,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var (
	rootBranch  string
	rootMessage string
)

func init() {
	rootCmd.Flags().StringVar(&rootBranch, "branch", "", "Branch for automatic commits (default from config)")
	rootCmd.Flags().StringVar(&rootMessage, "message", "", "Commit message (default from config)")
}

// runRoot is the default invocation: make sure the daemon is up, then
// register the current directory for watching.
func runRoot(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	client, err := ensureDaemon()
	if err != nil {
		return err
	}

	resp, err := client.Watch(cwd, rootBranch, rootMessage)
	if err != nil {
		return err
	}
	if !resp.OK {
		if resp.Code == control.CodeAlreadyWatched {
			fmt.Printf("Already watching %s\n", cwd)
			return nil
		}
		return fmt.Errorf("%s", resp.Error)
	}

	fmt.Printf("Watching %s\n", cwd)
	return nil
}

const (
	daemonStartTimeout = 30 * time.Second
	daemonPollInterval = 250 * time.Millisecond
)

// ensureDaemon returns a client to a running daemon, starting one in the
// background when none is up.
func ensureDaemon() (*control.Client, error) {
	stateDir, err := daemon.StateDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve state directory: %w", err)
	}

	client := control.NewClient(daemon.SocketPath(stateDir))
	if client.Ping() {
		return client, nil
	}

	childPID, exitCh, err := daemon.SpawnBackground(stateDir, []string{"daemon"})
	if err != nil {
		return nil, err
	}

	// Poll for the ready file with a timeout, also checking for early
	// child exit so startup failures surface immediately.
	deadline := time.Now().Add(daemonStartTimeout)
	for time.Now().Before(deadline) {
		if daemon.IsReady(stateDir) && client.Ping() {
			fmt.Printf("Started autosave daemon (PID %d)\n", childPID)
			return client, nil
		}

		select {
		case <-exitCh:
			return nil, fmt.Errorf("daemon failed to start (check logs at %s)", daemon.LogPath(stateDir))
		default:
		}

		time.Sleep(daemonPollInterval)
	}

	return nil, fmt.Errorf("timeout waiting for daemon to become ready (check logs at %s)", daemon.LogPath(stateDir))
}

// daemonClient returns a client without starting a daemon. Used by the
// commands that should fail (or no-op) when nothing is running.
func daemonClient() (*control.Client, error) {
	stateDir, err := daemon.StateDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve state directory: %w", err)
	}
	return control.NewClient(daemon.SocketPath(stateDir)), nil
}

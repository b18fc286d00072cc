package cli

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tinker495/autosave/daemon"
	"github.com/tinker495/autosave/sandbox"
)

var runCmd = &cobra.Command{
	Use:   "run <session-name> [command...]",
	Short: "Run a command inside an isolated sandbox session",
	Long: `Create a sandbox branch named after the session, check it out into
a separate worktree, and run the given command (or an interactive shell)
inside it. Every change made in the sandbox is committed to the sandbox
branch automatically.

When the command exits the worktree is removed; the branch and its
commits remain, so the work can be reviewed or merged later:

  autosave run alpha                 Open a shell in sandbox "alpha"
  autosave run alpha make test       Run a command in sandbox "alpha"
  git merge alpha                    Merge the sandbox afterwards`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	name := args[0]
	command := args[1:]

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	stateDir, err := daemon.StateDir()
	if err != nil {
		return fmt.Errorf("failed to resolve state directory: %w", err)
	}

	client, err := ensureDaemon()
	if err != nil {
		return err
	}

	mgr := sandbox.NewManager(daemon.WorktreesDir(stateDir), client)
	sess, err := mgr.Start(cwd, name)
	if err != nil {
		return err
	}

	fmt.Printf("Sandbox %q started on branch %s (%s)\n", sess.Name, sess.Branch, sess.WorktreePath)

	exitCode, runErr := runInSandbox(sess, command)

	if err := mgr.End(sess); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to clean up sandbox: %v\n", err)
	}
	fmt.Printf("Sandbox %q ended; branch %s kept\n", sess.Name, sess.Branch)

	if runErr != nil {
		return runErr
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

// runInSandbox executes the command (or the user's shell when none is
// given) with the sandbox worktree as working directory, and returns the
// child's exit code. Signal deaths map to 128+signal per shell convention.
func runInSandbox(sess *sandbox.Session, command []string) (int, error) {
	if len(command) == 0 {
		command = []string{defaultShell()}
	}

	child := exec.Command(command[0], command[1:]...)
	child.Dir = sess.WorktreePath
	child.Stdin = os.Stdin
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.Env = append(os.Environ(),
		"AUTOSAVE_SESSION="+sess.Name,
		"AUTOSAVE_BRANCH="+sess.Branch,
	)

	err := child.Run()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("failed to run %s: %w", command[0], err)
}

func defaultShell() string {
	if runtime.GOOS == "windows" {
		if comspec := os.Getenv("COMSPEC"); comspec != "" {
			return comspec
		}
		return "cmd.exe"
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}

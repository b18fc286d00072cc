// Package daemon provides lifecycle management for the autosave daemon.
//
// This package handles the per-user state directory, the single-instance
// lock, PID file management, and spawning the daemon as a detached
// background process. The daemon core itself lives in core.go.
//
// # State directory layout
//
//	daemon.lock    flock'd single-instance lock, held for the daemon's life
//	daemon.pid     PID of the running daemon (single decimal line)
//	daemon.ready   marker written once initialization completed
//	daemon.log     stdout/stderr of the background daemon
//	daemon.sock    control socket
//	watchlist.json persisted watch registry
//	worktrees/     sandbox session worktrees
//
// # Single instance
//
// Exactly one daemon may run per state directory. The lock file is
// flock'd non-blocking at startup; losing the race yields
// ErrAlreadyRunning. The PID file is advisory output for humans and
// status display, the flock is the actual mutual exclusion.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/tinker495/autosave/internal/fileutil"
)

const (
	lockFileName     = "daemon.lock"
	pidFileName      = "daemon.pid"
	readyFileName    = "daemon.ready"
	logFileName      = "daemon.log"
	sockFileName     = "daemon.sock"
	registryFileName = "watchlist.json"
	worktreesDirName = "worktrees"
)

// ErrAlreadyRunning is returned when another daemon holds the instance
// lock for the same state directory.
var ErrAlreadyRunning = errors.New("autosave daemon is already running")

// StateDir returns the per-user state directory.
//
// Resolution order:
//   - $AUTOSAVE_STATE_DIR
//   - Linux: $XDG_STATE_HOME/autosave or ~/.local/state/autosave
//   - macOS: ~/Library/Application Support/autosave
//   - Windows: %LOCALAPPDATA%\autosave
func StateDir() (string, error) {
	if dir := os.Getenv("AUTOSAVE_STATE_DIR"); dir != "" {
		return dir, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", "autosave"), nil
	case "windows":
		if base := os.Getenv("LOCALAPPDATA"); base != "" {
			return filepath.Join(base, "autosave"), nil
		}
		return filepath.Join(homeDir, "AppData", "Local", "autosave"), nil
	default: // Linux and other Unix-like systems
		if base := os.Getenv("XDG_STATE_HOME"); base != "" {
			return filepath.Join(base, "autosave"), nil
		}
		return filepath.Join(homeDir, ".local", "state", "autosave"), nil
	}
}

// SocketPath returns the control socket path inside stateDir.
func SocketPath(stateDir string) string {
	return filepath.Join(stateDir, sockFileName)
}

// RegistryPath returns the watch list file path inside stateDir.
func RegistryPath(stateDir string) string {
	return filepath.Join(stateDir, registryFileName)
}

// WorktreesDir returns the sandbox worktree root inside stateDir.
func WorktreesDir(stateDir string) string {
	return filepath.Join(stateDir, worktreesDirName)
}

// LogPath returns the daemon log file path inside stateDir.
func LogPath(stateDir string) string {
	return filepath.Join(stateDir, logFileName)
}

// acquireLock takes the single-instance flock for stateDir. The returned
// file must stay open for the daemon's lifetime; the OS releases the lock
// when the process exits.
func acquireLock(stateDir string) (*os.File, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	lockPath := filepath.Join(stateDir, lockFileName)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := fileutil.FlockExclusive(f); err != nil {
		f.Close()
		return nil, ErrAlreadyRunning
	}
	return f, nil
}

// writePIDFile records the current process ID atomically.
func writePIDFile(stateDir string) error {
	content := fmt.Sprintf("%d\n", os.Getpid())
	return fileutil.WriteFileAtomic(filepath.Join(stateDir, pidFileName), []byte(content), 0600)
}

// ReadPIDFile reads the daemon PID, returning 0 when no PID file exists.
func ReadPIDFile(stateDir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, pidFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}
	return pid, nil
}

// RunningPID returns the PID of the live daemon, or 0. Stale PID files
// (process gone) are cleaned up.
func RunningPID(stateDir string) (int, error) {
	pid, err := ReadPIDFile(stateDir)
	if err != nil {
		return 0, err
	}
	if pid == 0 {
		return 0, nil
	}
	if !IsProcessRunning(pid) {
		_ = os.Remove(filepath.Join(stateDir, pidFileName))
		return 0, nil
	}
	return pid, nil
}

// WriteReadyFile marks the daemon as fully initialized. Written after the
// registry is loaded, watchers are spawned, and the control socket is
// listening.
func WriteReadyFile(stateDir string) error {
	content := fmt.Sprintf("ready\n%d\n", os.Getpid())
	if err := os.WriteFile(filepath.Join(stateDir, readyFileName), []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write ready file: %w", err)
	}
	return nil
}

// RemoveReadyFile removes the ready marker.
func RemoveReadyFile(stateDir string) error {
	if err := os.Remove(filepath.Join(stateDir, readyFileName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove ready file: %w", err)
	}
	return nil
}

// IsReady checks whether the ready marker exists.
func IsReady(stateDir string) bool {
	_, err := os.Stat(filepath.Join(stateDir, readyFileName))
	return err == nil
}

// SpawnBackground re-executes the current binary as a detached daemon
// process running the given args (normally []string{"daemon"}), with
// stdout/stderr appended to the daemon log.
//
// Returns the child PID and an exit channel that closes when the child
// terminates, letting callers detect early startup failures without
// relying on kill(0), which cannot distinguish zombie processes.
func SpawnBackground(stateDir string, args []string) (int, <-chan struct{}, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return 0, nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	executable, err := os.Executable()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to get executable path: %w", err)
	}

	logFile, err := os.OpenFile(LogPath(stateDir), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	liveness, err := newLivenessCheck()
	if err != nil {
		logFile.Close()
		return 0, nil, err
	}

	cmd := exec.Command(executable, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.Env = append(os.Environ(), "AUTOSAVE_BACKGROUND=1")
	cmd.SysProcAttr = sysProcAttr()
	liveness.configureCmd(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		liveness.cleanup()
		return 0, nil, fmt.Errorf("failed to start background process: %w", err)
	}

	logFile.Close()
	exitCh := liveness.start(cmd.Process.Pid)

	return cmd.Process.Pid, exitCh, nil
}

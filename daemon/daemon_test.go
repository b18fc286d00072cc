package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tinker495/autosave/internal/fileutil"
)

func TestStateDir_EnvOverride(t *testing.T) {
	custom := t.TempDir()
	t.Setenv("AUTOSAVE_STATE_DIR", custom)

	dir, err := StateDir()
	if err != nil {
		t.Fatalf("StateDir failed: %v", err)
	}
	if dir != custom {
		t.Errorf("StateDir = %q, expected %q", dir, custom)
	}
}

func TestStatePaths(t *testing.T) {
	stateDir := "/tmp/autosave-test"
	if got := SocketPath(stateDir); got != filepath.Join(stateDir, "daemon.sock") {
		t.Errorf("SocketPath = %q", got)
	}
	if got := RegistryPath(stateDir); got != filepath.Join(stateDir, "watchlist.json") {
		t.Errorf("RegistryPath = %q", got)
	}
	if got := WorktreesDir(stateDir); got != filepath.Join(stateDir, "worktrees") {
		t.Errorf("WorktreesDir = %q", got)
	}
	if got := LogPath(stateDir); got != filepath.Join(stateDir, "daemon.log") {
		t.Errorf("LogPath = %q", got)
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	stateDir := t.TempDir()

	if err := writePIDFile(stateDir); err != nil {
		t.Fatalf("writePIDFile failed: %v", err)
	}

	pid, err := ReadPIDFile(stateDir)
	if err != nil {
		t.Fatalf("ReadPIDFile failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, expected %d", pid, os.Getpid())
	}
}

func TestReadPIDFile_MissingIsZero(t *testing.T) {
	pid, err := ReadPIDFile(t.TempDir())
	if err != nil {
		t.Fatalf("ReadPIDFile failed: %v", err)
	}
	if pid != 0 {
		t.Errorf("pid = %d, expected 0 for missing file", pid)
	}
}

func TestReadPIDFile_Garbage(t *testing.T) {
	stateDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(stateDir, pidFileName), []byte("not-a-pid\n"), 0600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	if _, err := ReadPIDFile(stateDir); err == nil {
		t.Error("expected error for garbage PID file, got nil")
	}
}

func TestRunningPID_CleansUpStaleFile(t *testing.T) {
	stateDir := t.TempDir()
	// PID 1 is running everywhere but not killable; use an absurd PID
	// that cannot exist to force the stale path.
	if err := os.WriteFile(filepath.Join(stateDir, pidFileName), []byte("999999999\n"), 0600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	pid, err := RunningPID(stateDir)
	if err != nil {
		t.Fatalf("RunningPID failed: %v", err)
	}
	if pid != 0 {
		t.Errorf("pid = %d, expected 0 for dead process", pid)
	}
	if _, err := os.Stat(filepath.Join(stateDir, pidFileName)); !os.IsNotExist(err) {
		t.Error("stale PID file was not removed")
	}
}

func TestRunningPID_LiveProcess(t *testing.T) {
	stateDir := t.TempDir()
	if err := writePIDFile(stateDir); err != nil {
		t.Fatalf("writePIDFile failed: %v", err)
	}

	pid, err := RunningPID(stateDir)
	if err != nil {
		t.Fatalf("RunningPID failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, expected %d", pid, os.Getpid())
	}
}

func TestReadyFileLifecycle(t *testing.T) {
	stateDir := t.TempDir()

	if IsReady(stateDir) {
		t.Error("IsReady = true before WriteReadyFile")
	}
	if err := WriteReadyFile(stateDir); err != nil {
		t.Fatalf("WriteReadyFile failed: %v", err)
	}
	if !IsReady(stateDir) {
		t.Error("IsReady = false after WriteReadyFile")
	}
	if err := RemoveReadyFile(stateDir); err != nil {
		t.Fatalf("RemoveReadyFile failed: %v", err)
	}
	if IsReady(stateDir) {
		t.Error("IsReady = true after RemoveReadyFile")
	}
	// Removing again is not an error.
	if err := RemoveReadyFile(stateDir); err != nil {
		t.Fatalf("second RemoveReadyFile failed: %v", err)
	}
}

func TestAcquireLock_Exclusive(t *testing.T) {
	stateDir := t.TempDir()

	first, err := acquireLock(stateDir)
	if err != nil {
		t.Fatalf("first acquireLock failed: %v", err)
	}
	defer first.Close()

	// A second flock attempt from the same process still fails because
	// it uses a separate descriptor.
	second, err := os.OpenFile(filepath.Join(stateDir, lockFileName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("failed to open lock file: %v", err)
	}
	defer second.Close()
	if err := fileutil.FlockExclusive(second); err == nil {
		t.Error("expected second lock attempt to fail while first is held")
	}
}

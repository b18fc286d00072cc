package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/tinker495/autosave/control"
	"github.com/tinker495/autosave/registry"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()
	stateDir := t.TempDir()
	reg, err := registry.Load(RegistryPath(stateDir))
	if err != nil {
		t.Fatalf("failed to load registry: %v", err)
	}
	core := NewCore(stateDir, reg)
	t.Cleanup(core.stopAll)
	return core
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("failed to init repository: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello\n"), 0644); err != nil {
		t.Fatalf("failed to write a.txt: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("failed to get worktree: %v", err)
	}
	if _, err := wt.Add("a.txt"); err != nil {
		t.Fatalf("failed to stage a.txt: %v", err)
	}
	if _, err := wt.Commit("initial", &gogit.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Now()},
	}); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
	return dir
}

func TestHandleWatch_NotARepository(t *testing.T) {
	core := newTestCore(t)

	resp := core.Handle(control.Request{Op: control.OpWatch, Path: t.TempDir()})
	if resp.OK {
		t.Fatal("expected failure for non-repository path")
	}
	if resp.Code != control.CodeNotARepo {
		t.Errorf("Code = %q, expected %q", resp.Code, control.CodeNotARepo)
	}
}

func TestHandleWatch_RegistersAndLists(t *testing.T) {
	core := newTestCore(t)
	repo := initRepo(t)

	resp := core.Handle(control.Request{Op: control.OpWatch, Path: repo})
	if !resp.OK {
		t.Fatalf("watch failed: %s", resp.Error)
	}

	list := core.Handle(control.Request{Op: control.OpList})
	if !list.OK {
		t.Fatalf("list failed: %s", list.Error)
	}
	if len(list.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(list.Entries))
	}
	e := list.Entries[0]
	if !e.Active {
		t.Error("expected entry to be active")
	}
	if e.Branch == "" {
		t.Error("entry has no branch; config defaults not applied")
	}
}

func TestHandleWatch_Duplicate(t *testing.T) {
	core := newTestCore(t)
	repo := initRepo(t)

	if resp := core.Handle(control.Request{Op: control.OpWatch, Path: repo}); !resp.OK {
		t.Fatalf("first watch failed: %s", resp.Error)
	}
	resp := core.Handle(control.Request{Op: control.OpWatch, Path: repo})
	if resp.OK {
		t.Fatal("expected duplicate watch to fail")
	}
	if resp.Code != control.CodeAlreadyWatched {
		t.Errorf("Code = %q, expected %q", resp.Code, control.CodeAlreadyWatched)
	}
}

func TestHandleWatch_SubdirectoryResolvesToRoot(t *testing.T) {
	core := newTestCore(t)
	repo := initRepo(t)
	sub := filepath.Join(repo, "pkg", "api")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatalf("failed to create subdirectory: %v", err)
	}

	if resp := core.Handle(control.Request{Op: control.OpWatch, Path: sub}); !resp.OK {
		t.Fatalf("watch from subdirectory failed: %s", resp.Error)
	}

	list := core.Handle(control.Request{Op: control.OpList})
	if len(list.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(list.Entries))
	}
	if got, want := list.Entries[0].Path, mustCanonical(t, repo); got != want {
		t.Errorf("entry path = %q, expected repository root %q", got, want)
	}

	// The same repository watched from a different subdirectory must be
	// a duplicate, not a second watcher on the same branch.
	resp := core.Handle(control.Request{Op: control.OpWatch, Path: filepath.Join(repo, "pkg")})
	if resp.OK {
		t.Fatal("expected watch from a second subdirectory to fail")
	}
	if resp.Code != control.CodeAlreadyWatched {
		t.Errorf("Code = %q, expected %q", resp.Code, control.CodeAlreadyWatched)
	}
	list = core.Handle(control.Request{Op: control.OpList})
	if len(list.Entries) != 1 {
		t.Errorf("expected 1 entry after duplicate watch, got %d", len(list.Entries))
	}
}

func TestHandleRemove_ByRootAfterSubdirectoryWatch(t *testing.T) {
	core := newTestCore(t)
	repo := initRepo(t)
	sub := filepath.Join(repo, "docs")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatalf("failed to create subdirectory: %v", err)
	}

	if resp := core.Handle(control.Request{Op: control.OpWatch, Path: sub}); !resp.OK {
		t.Fatalf("watch from subdirectory failed: %s", resp.Error)
	}
	if resp := core.Handle(control.Request{Op: control.OpRemove, Path: repo}); !resp.OK {
		t.Fatalf("remove by repository root failed: %s", resp.Error)
	}

	list := core.Handle(control.Request{Op: control.OpList})
	if len(list.Entries) != 0 {
		t.Errorf("expected empty list after remove, got %d entries", len(list.Entries))
	}
}

func TestHandleWatch_BranchOverride(t *testing.T) {
	core := newTestCore(t)
	repo := initRepo(t)

	resp := core.Handle(control.Request{Op: control.OpWatch, Path: repo, Branch: "wip/mine"})
	if !resp.OK {
		t.Fatalf("watch failed: %s", resp.Error)
	}

	list := core.Handle(control.Request{Op: control.OpList})
	if list.Entries[0].Branch != "wip/mine" {
		t.Errorf("Branch = %q, expected wip/mine", list.Entries[0].Branch)
	}
}

func TestHandleRemove(t *testing.T) {
	core := newTestCore(t)
	repo := initRepo(t)

	if resp := core.Handle(control.Request{Op: control.OpWatch, Path: repo}); !resp.OK {
		t.Fatalf("watch failed: %s", resp.Error)
	}
	if resp := core.Handle(control.Request{Op: control.OpRemove, Path: repo}); !resp.OK {
		t.Fatalf("remove failed: %s", resp.Error)
	}

	list := core.Handle(control.Request{Op: control.OpList})
	if len(list.Entries) != 0 {
		t.Errorf("expected empty list after remove, got %d entries", len(list.Entries))
	}

	resp := core.Handle(control.Request{Op: control.OpRemove, Path: repo})
	if resp.OK {
		t.Fatal("expected removing a missing path to fail")
	}
	if resp.Code != control.CodeNotFound {
		t.Errorf("Code = %q, expected %q", resp.Code, control.CodeNotFound)
	}
}

func TestHandleKill_TriggersShutdown(t *testing.T) {
	core := newTestCore(t)

	resp := core.Handle(control.Request{Op: control.OpKill})
	if !resp.OK {
		t.Fatalf("kill failed: %s", resp.Error)
	}

	select {
	case <-core.shutdownCh:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown channel never closed after kill")
	}

	// A second kill is harmless.
	if resp := core.Handle(control.Request{Op: control.OpKill}); !resp.OK {
		t.Errorf("second kill failed: %s", resp.Error)
	}
}

func TestHandleSessionStart_RejectsCheckedOutBranch(t *testing.T) {
	core := newTestCore(t)
	repo := initRepo(t)

	resp := core.Handle(control.Request{
		Op:           control.OpSessionStart,
		Path:         repo,
		WorktreePath: repo,
		Branch:       "master",
		Session:      "master",
	})
	if resp.OK {
		t.Fatal("expected session-start on the checked-out branch to fail")
	}
}

func TestHandleSessionStart_RejectsAutosaveBranchCollision(t *testing.T) {
	core := newTestCore(t)
	repo := initRepo(t)

	if resp := core.Handle(control.Request{Op: control.OpWatch, Path: repo, Branch: "tmp/autosave"}); !resp.OK {
		t.Fatalf("watch failed: %s", resp.Error)
	}

	resp := core.Handle(control.Request{
		Op:           control.OpSessionStart,
		Path:         repo,
		WorktreePath: initRepo(t),
		Branch:       "tmp/autosave",
		Session:      "clash",
	})
	if resp.OK {
		t.Fatal("expected session-start on the repository's autosave branch to fail")
	}
}

func TestHandleSessionStart_BranchCollisionFromSubdirectory(t *testing.T) {
	core := newTestCore(t)
	repo := initRepo(t)
	sub := filepath.Join(repo, "cmd")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatalf("failed to create subdirectory: %v", err)
	}

	if resp := core.Handle(control.Request{Op: control.OpWatch, Path: repo, Branch: "tmp/autosave"}); !resp.OK {
		t.Fatalf("watch failed: %s", resp.Error)
	}

	// The collision with the repository's autosave branch must be seen
	// even when the session is started from a subdirectory.
	resp := core.Handle(control.Request{
		Op:           control.OpSessionStart,
		Path:         sub,
		WorktreePath: initRepo(t),
		Branch:       "tmp/autosave",
		Session:      "clash",
	})
	if resp.OK {
		t.Fatal("expected session-start on the repository's autosave branch to fail")
	}
}

func TestSessionLifecycle(t *testing.T) {
	core := newTestCore(t)
	repo := initRepo(t)
	// Stands in for a linked worktree; any working tree the watcher can
	// open works here.
	worktree := initRepo(t)

	resp := core.Handle(control.Request{
		Op:           control.OpSessionStart,
		Path:         repo,
		WorktreePath: worktree,
		Branch:       "alpha",
		Session:      "alpha",
		OwnerPID:     os.Getpid(),
	})
	if !resp.OK {
		t.Fatalf("session-start failed: %s", resp.Error)
	}
	if resp.SessionID == "" {
		t.Fatal("session-start returned no session ID")
	}

	list := core.Handle(control.Request{Op: control.OpList})
	foundSession := false
	for _, e := range list.Entries {
		if e.Session == "alpha" {
			foundSession = true
			if e.Branch != "alpha" {
				t.Errorf("session branch = %q, expected alpha", e.Branch)
			}
		}
	}
	if !foundSession {
		t.Error("session entry missing from list")
	}

	end := core.Handle(control.Request{Op: control.OpSessionEnd, Session: resp.SessionID})
	if !end.OK {
		t.Fatalf("session-end failed: %s", end.Error)
	}

	list = core.Handle(control.Request{Op: control.OpList})
	for _, e := range list.Entries {
		if e.Session == "alpha" {
			t.Error("session entry still listed after session-end")
		}
	}

	again := core.Handle(control.Request{Op: control.OpSessionEnd, Session: resp.SessionID})
	if again.OK {
		t.Error("expected ending an unknown session to fail")
	}
}

func TestStartPersisted_ResumesEnabledEntries(t *testing.T) {
	stateDir := t.TempDir()
	repo := initRepo(t)

	reg, err := registry.Load(RegistryPath(stateDir))
	if err != nil {
		t.Fatalf("failed to load registry: %v", err)
	}
	if _, err := reg.Add(registry.Entry{
		Path: repo, Branch: "tmp/autosave", Message: "autosave commit", DebounceMs: 100, Enabled: true,
	}); err != nil {
		t.Fatalf("failed to seed registry: %v", err)
	}
	missing := filepath.Join(t.TempDir(), "gone")
	if err := os.MkdirAll(missing, 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if _, err := reg.Add(registry.Entry{
		Path: missing, Branch: "tmp/autosave", Message: "autosave commit", DebounceMs: 100, Enabled: true,
	}); err != nil {
		t.Fatalf("failed to seed registry: %v", err)
	}

	// Reload as the daemon would on startup.
	reg, err = registry.Load(RegistryPath(stateDir))
	if err != nil {
		t.Fatalf("failed to reload registry: %v", err)
	}
	core := NewCore(stateDir, reg)
	defer core.stopAll()
	core.startPersisted()

	list := core.Handle(control.Request{Op: control.OpList})
	if len(list.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(list.Entries))
	}
	for _, e := range list.Entries {
		switch e.Path {
		case mustCanonical(t, repo):
			if !e.Active {
				t.Error("valid repository did not resume watching")
			}
		case mustCanonical(t, missing):
			if e.Active {
				t.Error("non-repository entry reported active")
			}
			if e.LastError == "" {
				t.Error("failed entry carries no error for list output")
			}
		}
	}
}

func mustCanonical(t *testing.T, path string) string {
	t.Helper()
	canonical, err := registry.CanonicalPath(path)
	if err != nil {
		t.Fatalf("CanonicalPath failed: %v", err)
	}
	return canonical
}

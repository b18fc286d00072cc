package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "watchlist.json")
	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return r, path
}

func TestAddAndGet(t *testing.T) {
	r, _ := newTestRegistry(t)
	repo := t.TempDir()

	added, err := r.Add(Entry{Path: repo, Branch: "tmp/autosave", Message: "autosave commit", Enabled: true})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	got, err := r.Get(repo)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Path != added.Path {
		t.Errorf("Path = %q, expected %q", got.Path, added.Path)
	}
	if got.Branch != "tmp/autosave" {
		t.Errorf("Branch = %q, expected tmp/autosave", got.Branch)
	}
}

func TestAdd_DuplicateFails(t *testing.T) {
	r, _ := newTestRegistry(t)
	repo := t.TempDir()

	if _, err := r.Add(Entry{Path: repo, Branch: "a", Enabled: true}); err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	_, err := r.Add(Entry{Path: repo, Branch: "b", Enabled: true})
	if !errors.Is(err, ErrAlreadyWatched) {
		t.Errorf("expected ErrAlreadyWatched, got %v", err)
	}
}

func TestAdd_DuplicateViaSymlink(t *testing.T) {
	r, _ := newTestRegistry(t)
	repo := t.TempDir()
	link := filepath.Join(t.TempDir(), "link")
	if err := os.Symlink(repo, link); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	if _, err := r.Add(Entry{Path: repo, Branch: "a", Enabled: true}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	_, err := r.Add(Entry{Path: link, Branch: "a", Enabled: true})
	if !errors.Is(err, ErrAlreadyWatched) {
		t.Errorf("expected ErrAlreadyWatched for symlinked duplicate, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	r, _ := newTestRegistry(t)
	repo := t.TempDir()

	if _, err := r.Add(Entry{Path: repo, Branch: "a", Enabled: true}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := r.Remove(repo); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := r.Get(repo); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after Remove, got %v", err)
	}
}

func TestRemove_MissingFails(t *testing.T) {
	r, _ := newTestRegistry(t)

	err := r.Remove(t.TempDir())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPersistenceAcrossLoads(t *testing.T) {
	r, path := newTestRegistry(t)
	repoA := t.TempDir()
	repoB := t.TempDir()

	if _, err := r.Add(Entry{Path: repoA, Branch: "a", Message: "m", Enabled: true}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := r.Add(Entry{Path: repoB, Branch: "b", Message: "m", Enabled: true}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	entries := reloaded.List()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after reload, got %d", len(entries))
	}
	if entries[0].Branch != "a" || entries[1].Branch != "b" {
		t.Errorf("entries out of order after reload: %+v", entries)
	}
}

func TestSessionEntriesAreNotPersisted(t *testing.T) {
	r, path := newTestRegistry(t)
	repo := t.TempDir()
	worktree := t.TempDir()

	if _, err := r.Add(Entry{Path: repo, Branch: "tmp/autosave", Enabled: true}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := r.Add(Entry{Path: worktree, Branch: "alpha", Enabled: true, Session: "alpha"}); err != nil {
		t.Fatalf("Add of session entry failed: %v", err)
	}

	if len(r.List()) != 2 {
		t.Fatalf("expected 2 live entries, got %d", len(r.List()))
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	entries := reloaded.List()
	if len(entries) != 1 {
		t.Fatalf("expected 1 persisted entry, got %d", len(entries))
	}
	if entries[0].Path != mustCanonical(t, repo) {
		t.Errorf("persisted entry = %q, expected the non-session repo", entries[0].Path)
	}
}

func TestSetStatus(t *testing.T) {
	r, _ := newTestRegistry(t)
	repo := t.TempDir()

	if _, err := r.Add(Entry{Path: repo, Branch: "a", Enabled: true}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	at := time.Now()
	canonical := mustCanonical(t, repo)
	r.SetStatus(canonical, at, "")

	got, err := r.Get(repo)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.LastCommit.Equal(at) {
		t.Errorf("LastCommit = %v, expected %v", got.LastCommit, at)
	}

	r.SetStatus(canonical, time.Time{}, "watcher died")
	got, _ = r.Get(repo)
	if got.LastError != "watcher died" {
		t.Errorf("LastError = %q, expected %q", got.LastError, "watcher died")
	}
	if !got.LastCommit.Equal(at) {
		t.Errorf("LastCommit was clobbered by zero time: %v", got.LastCommit)
	}
}

func TestCorruptFileFailsLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchlist.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("failed to write corrupt file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for corrupt watch list, got nil")
	}
}

func mustCanonical(t *testing.T, path string) string {
	t.Helper()
	canonical, err := CanonicalPath(path)
	if err != nil {
		t.Fatalf("CanonicalPath failed: %v", err)
	}
	return canonical
}

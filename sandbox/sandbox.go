// Package sandbox manages isolated editing sessions: a named branch, a
// linked worktree checked out from it under the daemon state directory,
// and a daemon-side watcher committing the worktree to that branch.
//
// The sandbox branch survives the session. Ending a session removes the
// worktree but leaves the branch and its commits for later review or
// merge by the user.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tinker495/autosave/control"
	"github.com/tinker495/autosave/git"
	"github.com/tinker495/autosave/registry"
)

// Session is one live sandbox.
type Session struct {
	// ID is the daemon-assigned session identifier.
	ID string
	// Name is the user-supplied session name, also the sandbox branch.
	Name string
	// Branch is the branch receiving the sandbox commits.
	Branch string
	// RepoPath is the canonical main repository path.
	RepoPath string
	// WorktreePath is the isolated working directory.
	WorktreePath string
}

// Manager creates and tears down sandbox sessions against a running
// daemon.
type Manager struct {
	worktreesDir string
	client       *control.Client
}

// NewManager returns a Manager placing worktrees under worktreesDir and
// talking to the daemon through client.
func NewManager(worktreesDir string, client *control.Client) *Manager {
	return &Manager{worktreesDir: worktreesDir, client: client}
}

// Start creates (or reuses) the sandbox branch named name, checks it out
// into a fresh linked worktree, and attaches a daemon watcher committing
// the worktree to that branch. The main repository's checked-out branch
// and working tree are untouched.
func (m *Manager) Start(repoPath, name string) (*Session, error) {
	if name == "" {
		return nil, errors.New("session name must not be empty")
	}

	// Resolve to the repository root so a session started from a
	// subdirectory keys its worktree by the repo, not the subdirectory.
	engine, err := git.Open(repoPath)
	if err != nil {
		return nil, fmt.Errorf("%s is not a git repository", repoPath)
	}
	canonical, err := registry.CanonicalPath(engine.Root())
	if err != nil {
		return nil, err
	}

	worktreePath := m.worktreePath(canonical, name)
	if _, err := os.Stat(worktreePath); err == nil {
		return nil, fmt.Errorf("session %q already has a worktree at %s", name, worktreePath)
	}
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree directory: %w", err)
	}

	if err := git.AddWorktree(canonical, name, worktreePath); err != nil {
		return nil, err
	}

	resp, err := m.client.SessionStart(canonical, worktreePath, name, name)
	if err != nil {
		m.cleanupWorktree(canonical, worktreePath)
		return nil, err
	}
	if !resp.OK {
		m.cleanupWorktree(canonical, worktreePath)
		return nil, errors.New(resp.Error)
	}

	return &Session{
		ID:           resp.SessionID,
		Name:         name,
		Branch:       name,
		RepoPath:     canonical,
		WorktreePath: worktreePath,
	}, nil
}

// End flushes and detaches the session's watcher, then removes the
// worktree. The sandbox branch is kept.
func (m *Manager) End(sess *Session) error {
	var errs []error

	// Detach first so the final flush commit lands before the worktree
	// goes away.
	if resp, err := m.client.SessionEnd(sess.ID); err != nil {
		errs = append(errs, err)
	} else if !resp.OK {
		errs = append(errs, errors.New(resp.Error))
	}

	if err := git.RemoveWorktree(sess.RepoPath, sess.WorktreePath); err != nil {
		errs = append(errs, err)
	}
	m.removeEmptyParent(sess.WorktreePath)

	return errors.Join(errs...)
}

// worktreePath derives a stable per-repo, per-session location under the
// worktrees directory. Path separators in the inputs are flattened so
// the layout stays two levels deep.
func (m *Manager) worktreePath(repoPath, name string) string {
	return filepath.Join(m.worktreesDir, pathKey(repoPath), pathKey(name))
}

func (m *Manager) cleanupWorktree(repoPath, worktreePath string) {
	if err := git.RemoveWorktree(repoPath, worktreePath); err != nil {
		// The add may have failed before registration; fall back to a
		// plain removal so no half-created directory lingers.
		_ = os.RemoveAll(worktreePath)
	}
	m.removeEmptyParent(worktreePath)
}

func (m *Manager) removeEmptyParent(worktreePath string) {
	parent := filepath.Dir(worktreePath)
	if parent != m.worktreesDir {
		_ = os.Remove(parent) // fails when non-empty, which is fine
	}
}

func pathKey(s string) string {
	s = strings.Trim(filepath.ToSlash(s), "/")
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, ":", "-")
	if s == "" {
		return "root"
	}
	return s
}

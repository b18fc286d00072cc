// Package registry persists the set of repositories under automatic
// commit supervision.
//
// The registry is a single JSON file in the daemon state directory. Every
// mutating call rewrites the whole file atomically (temp file + rename)
// before returning, so a crash immediately after a successful call never
// loses the update and never leaves a half-written file on disk.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tinker495/autosave/internal/fileutil"
)

var (
	// ErrAlreadyWatched is returned by Add when the canonical path is
	// already registered.
	ErrAlreadyWatched = errors.New("path is already in the watch list")
	// ErrNotFound is returned when the canonical path is not registered.
	ErrNotFound = errors.New("path is not in the watch list")
)

// Entry describes one watched repository.
type Entry struct {
	// Path is the canonicalized repository path (symlinks resolved).
	Path string `json:"path"`
	// Branch receives the automatic commits.
	Branch string `json:"branch"`
	// Message is the commit message template.
	Message string `json:"message"`
	// DebounceMs is the quiet interval before a commit fires.
	DebounceMs int `json:"debounce_ms"`
	// Enabled is false when the user paused the entry; the watcher is not
	// spawned for disabled entries but the registration is kept.
	Enabled bool `json:"enabled"`
	// Session names the sandbox session owning this entry. Session entries
	// live only as long as the session and are never persisted.
	Session string `json:"-"`
	// LastCommit is the time of the most recent successful commit.
	LastCommit time.Time `json:"last_commit,omitempty"`
	// LastError records why the entry's watcher stopped, for `list` output.
	LastError string `json:"-"`
}

// Registry is the persisted, ordered set of watch entries. All methods are
// safe for concurrent use; mutations are serialized through one mutex so
// interleaved saves cannot corrupt the file.
type Registry struct {
	mu      sync.Mutex
	path    string
	entries []*Entry
}

type registryFile struct {
	Entries []*Entry `json:"entries"`
}

// CanonicalPath resolves a repository path to its stable registry key:
// absolute, symlinks resolved, cleaned.
func CanonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// The path may have been deleted; fall back to the cleaned
		// absolute form so Remove still finds the entry.
		if os.IsNotExist(err) {
			return filepath.Clean(abs), nil
		}
		return "", fmt.Errorf("failed to resolve symlinks: %w", err)
	}
	return resolved, nil
}

// Load reads the registry file at path, creating an empty registry when
// the file does not exist yet.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("failed to read watch list: %w", err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("watch list file is corrupt: %w", err)
	}
	r.entries = file.Entries
	return r, nil
}

// Add registers a repository. Returns ErrAlreadyWatched when the canonical
// path is already present. The entry is persisted before Add returns.
func (r *Registry) Add(entry Entry) (*Entry, error) {
	canonical, err := CanonicalPath(entry.Path)
	if err != nil {
		return nil, err
	}
	entry.Path = canonical

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.find(canonical) != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyWatched, canonical)
	}

	e := entry
	r.entries = append(r.entries, &e)
	if err := r.saveLocked(); err != nil {
		r.entries = r.entries[:len(r.entries)-1]
		return nil, err
	}
	copied := e
	return &copied, nil
}

// Remove deletes the entry for path. Returns ErrNotFound when absent. The
// removal is persisted before Remove returns.
func (r *Registry) Remove(path string) error {
	canonical, err := CanonicalPath(path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.Path == canonical {
			removed := r.entries[i]
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			if err := r.saveLocked(); err != nil {
				// Restore in place so memory and disk stay consistent.
				r.entries = append(r.entries[:i], append([]*Entry{removed}, r.entries[i:]...)...)
				return err
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, canonical)
}

// Get returns a copy of the entry for path, or ErrNotFound.
func (r *Registry) Get(path string) (*Entry, error) {
	canonical, err := CanonicalPath(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e := r.find(canonical); e != nil {
		copied := *e
		return &copied, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, canonical)
}

// List returns copies of all entries in insertion order.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// SetStatus records watcher health on an entry. Commit times are persisted;
// a missing entry is ignored because the watcher may race a Remove.
func (r *Registry) SetStatus(path string, lastCommit time.Time, lastError string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.find(path)
	if e == nil {
		return
	}
	if !lastCommit.IsZero() {
		e.LastCommit = lastCommit
	}
	e.LastError = lastError
	if err := r.saveLocked(); err != nil {
		// Status is advisory; losing it must not fail the watcher.
		_ = err
	}
}

// Save forces the registry to disk. Used on daemon shutdown.
func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked()
}

func (r *Registry) find(canonical string) *Entry {
	for _, e := range r.entries {
		if e.Path == canonical {
			return e
		}
	}
	return nil
}

func (r *Registry) saveLocked() error {
	// Sandbox session entries are transient and must not survive a daemon
	// restart: the worktree they point at is removed when the session ends.
	persisted := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Session == "" {
			persisted = append(persisted, e)
		}
	}

	data, err := json.MarshalIndent(registryFile{Entries: persisted}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal watch list: %w", err)
	}
	if err := fileutil.WriteFileAtomic(r.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write watch list: %w", err)
	}
	return nil
}

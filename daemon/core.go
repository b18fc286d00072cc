package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tinker495/autosave/config"
	"github.com/tinker495/autosave/control"
	"github.com/tinker495/autosave/git"
	"github.com/tinker495/autosave/registry"
	"github.com/tinker495/autosave/watcher"
)

// shutdownGrace bounds how long shutdown waits for watcher flushes.
const shutdownGrace = 10 * time.Second

// sandboxSession tracks one live sandbox watcher.
type sandboxSession struct {
	id       string
	name     string
	repoPath string
	worktree string
	branch   string
	ownerPID int
}

// Core owns the daemon's runtime state: the persisted registry, one
// RepoWatcher per active entry, and the live sandbox sessions. It
// implements control.Handler; all request handling serializes through
// one mutex, which keeps the registry, the watcher map, and the session
// map consistent with each other.
type Core struct {
	stateDir string
	reg      *registry.Registry

	mu       sync.Mutex
	watchers map[string]*watcher.RepoWatcher
	sessions map[string]*sandboxSession

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewCore builds a Core around a loaded registry.
func NewCore(stateDir string, reg *registry.Registry) *Core {
	return &Core{
		stateDir:   stateDir,
		reg:        reg,
		watchers:   make(map[string]*watcher.RepoWatcher),
		sessions:   make(map[string]*sandboxSession),
		shutdownCh: make(chan struct{}),
	}
}

// Run is the daemon main loop: acquire the instance lock, load the
// registry, spawn watchers for persisted entries, serve the control
// socket, and block until a shutdown signal or a kill request.
func Run(ctx context.Context) error {
	stateDir, err := StateDir()
	if err != nil {
		return fmt.Errorf("failed to resolve state directory: %w", err)
	}

	lock, err := acquireLock(stateDir)
	if err != nil {
		return err
	}
	defer lock.Close()

	if err := writePIDFile(stateDir); err != nil {
		return err
	}
	defer os.Remove(filepath.Join(stateDir, pidFileName))

	reg, err := registry.Load(RegistryPath(stateDir))
	if err != nil {
		return err
	}

	core := NewCore(stateDir, reg)
	core.startPersisted()

	server, err := control.NewServer(SocketPath(stateDir), core)
	if err != nil {
		core.stopAll()
		return err
	}

	if err := WriteReadyFile(stateDir); err != nil {
		log.Printf("warning: %v", err)
	}
	defer func() {
		if err := RemoveReadyFile(stateDir); err != nil {
			log.Printf("warning: %v", err)
		}
	}()

	log.Printf("daemon started pid=%d state_dir=%s", os.Getpid(), stateDir)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return server.Serve(gctx)
	})
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			log.Printf("received %v, shutting down", sig)
		case <-StopChannel():
			log.Printf("stop requested, shutting down")
		case <-core.shutdownCh:
			log.Printf("kill requested, shutting down")
		case <-gctx.Done():
		}
		cancel()
		return nil
	})

	err = g.Wait()
	server.Close()
	core.stopAll()
	if serr := reg.Save(); serr != nil {
		log.Printf("failed to persist watch list on shutdown: %v", serr)
	}
	log.Printf("daemon stopped")
	return err
}

// startPersisted spawns a watcher for every enabled registry entry.
// Entries whose repository disappeared since the last run stay in the
// registry with an error status so `list` can show why they are dark.
func (c *Core) startPersisted() {
	for _, e := range c.reg.List() {
		if !e.Enabled {
			continue
		}
		entry := e
		if err := c.startWatcher(&entry); err != nil {
			log.Printf("failed to resume watching %s: %v", entry.Path, err)
			c.reg.SetStatus(entry.Path, time.Time{}, err.Error())
		}
	}
}

// startWatcher builds and starts the RepoWatcher for an entry. Caller
// holds no lock; the watchers map is guarded inside.
func (c *Core) startWatcher(entry *registry.Entry) error {
	cfg, err := config.Load(entry.Path)
	if err != nil {
		return err
	}

	debounce := time.Duration(entry.DebounceMs) * time.Millisecond
	if entry.DebounceMs <= 0 {
		debounce = time.Duration(cfg.DebounceMs) * time.Millisecond
	}

	path := entry.Path
	w, err := watcher.New(watcher.Options{
		Path:     path,
		Branch:   entry.Branch,
		Message:  entry.Message,
		Debounce: debounce,
		Ignore:   cfg.Ignore,
		OnCommit: func(hash string, at time.Time) {
			c.reg.SetStatus(path, at, "")
		},
		OnFail: func(err error) {
			c.mu.Lock()
			delete(c.watchers, path)
			c.mu.Unlock()
			c.reg.SetStatus(path, time.Time{}, err.Error())
		},
	})
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}

	c.mu.Lock()
	c.watchers[path] = w
	c.mu.Unlock()
	return nil
}

// stopWatcher flushes and closes the watcher for path, if any.
func (c *Core) stopWatcher(path string) {
	c.mu.Lock()
	w := c.watchers[path]
	delete(c.watchers, path)
	c.mu.Unlock()

	if w != nil {
		w.Flush()
		w.Close()
	}
}

// stopAll flushes and closes every watcher, bounded by shutdownGrace.
func (c *Core) stopAll() {
	c.mu.Lock()
	watchers := make([]*watcher.RepoWatcher, 0, len(c.watchers))
	for path, w := range c.watchers {
		watchers = append(watchers, w)
		delete(c.watchers, path)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, w := range watchers {
			wg.Add(1)
			go func(w *watcher.RepoWatcher) {
				defer wg.Done()
				w.Flush()
				w.Close()
			}(w)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Printf("shutdown grace period expired with watchers still flushing")
	}
}

// Handle implements control.Handler.
func (c *Core) Handle(req control.Request) control.Response {
	switch req.Op {
	case control.OpWatch:
		return c.handleWatch(req)
	case control.OpList:
		return c.handleList()
	case control.OpRemove:
		return c.handleRemove(req)
	case control.OpKill:
		return c.handleKill()
	case control.OpSessionStart:
		return c.handleSessionStart(req)
	case control.OpSessionEnd:
		return c.handleSessionEnd(req)
	default:
		return errorResponse(fmt.Errorf("unknown operation %q", req.Op), control.CodeInternal)
	}
}

func (c *Core) handleWatch(req control.Request) control.Response {
	if req.Path == "" {
		return errorResponse(errors.New("watch requires a path"), control.CodeInternal)
	}
	engine, err := git.Open(req.Path)
	if err != nil {
		return errorResponse(fmt.Errorf("%s is not a git repository", req.Path), control.CodeNotARepo)
	}

	// Entries are keyed by the repository root, not the invocation
	// directory. Watching from two subdirectories of one repo must
	// resolve to the same entry, or two watchers end up racing on the
	// same branch.
	repoRoot := engine.Root()

	cfg, err := config.Load(repoRoot)
	if err != nil {
		return errorResponse(err, control.CodeInternal)
	}

	branch := req.Branch
	if branch == "" {
		branch = cfg.Branch
	}
	message := req.Message
	if message == "" {
		message = cfg.CommitMessage
	}

	entry, err := c.reg.Add(registry.Entry{
		Path:       repoRoot,
		Branch:     branch,
		Message:    message,
		DebounceMs: cfg.DebounceMs,
		Enabled:    true,
	})
	if err != nil {
		if errors.Is(err, registry.ErrAlreadyWatched) {
			return errorResponse(err, control.CodeAlreadyWatched)
		}
		return errorResponse(err, control.CodeInternal)
	}

	if err := c.startWatcher(entry); err != nil {
		// Keep registry and runtime consistent: a watch that never
		// started must not survive in the persisted list.
		_ = c.reg.Remove(entry.Path)
		return errorResponse(err, control.CodeInternal)
	}

	return control.Response{OK: true}
}

func (c *Core) handleList() control.Response {
	c.mu.Lock()
	active := make(map[string]bool, len(c.watchers))
	for path := range c.watchers {
		active[path] = true
	}
	c.mu.Unlock()

	entries := c.reg.List()
	infos := make([]control.EntryInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, control.EntryInfo{
			Path:       e.Path,
			Branch:     e.Branch,
			Session:    e.Session,
			LastCommit: e.LastCommit,
			LastError:  e.LastError,
			Active:     active[e.Path],
		})
	}
	return control.Response{OK: true, Entries: infos}
}

func (c *Core) handleRemove(req control.Request) control.Response {
	if req.Path == "" {
		return errorResponse(errors.New("remove requires a path"), control.CodeInternal)
	}

	canonical, err := registry.CanonicalPath(req.Path)
	if err != nil {
		return errorResponse(err, control.CodeInternal)
	}

	c.stopWatcher(canonical)
	if err := c.reg.Remove(canonical); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return errorResponse(err, control.CodeNotFound)
		}
		return errorResponse(err, control.CodeInternal)
	}
	return control.Response{OK: true}
}

func (c *Core) handleKill() control.Response {
	// Respond first; shutdown proceeds once the response is on the wire.
	c.shutdownOnce.Do(func() {
		go func() {
			time.Sleep(100 * time.Millisecond)
			close(c.shutdownCh)
		}()
	})
	return control.Response{OK: true}
}

func (c *Core) handleSessionStart(req control.Request) control.Response {
	if req.Path == "" || req.WorktreePath == "" || req.Branch == "" {
		return errorResponse(errors.New("session-start requires path, worktree_path and branch"), control.CodeInternal)
	}

	engine, err := git.Open(req.Path)
	if err != nil {
		return errorResponse(fmt.Errorf("%s is not a git repository", req.Path), control.CodeNotARepo)
	}
	repoRoot := engine.Root()
	if head, err := engine.HeadName(); err == nil && head == req.Branch {
		return errorResponse(fmt.Errorf("sandbox branch %q is checked out in the main repository", req.Branch), control.CodeInternal)
	}
	// Two watchers must never commit to the same branch of one repository.
	// The primary entry is keyed by the repository root, so look it up by
	// root regardless of where the request was issued from.
	if entry, err := c.reg.Get(repoRoot); err == nil && entry.Branch == req.Branch {
		return errorResponse(fmt.Errorf("branch %q already receives this repository's automatic commits", req.Branch), control.CodeInternal)
	}

	cfg, err := config.Load(repoRoot)
	if err != nil {
		return errorResponse(err, control.CodeInternal)
	}
	message := req.Message
	if message == "" {
		message = cfg.CommitMessage
	}

	entry, err := c.reg.Add(registry.Entry{
		Path:       req.WorktreePath,
		Branch:     req.Branch,
		Message:    message,
		DebounceMs: cfg.DebounceMs,
		Enabled:    true,
		Session:    req.Session,
	})
	if err != nil {
		if errors.Is(err, registry.ErrAlreadyWatched) {
			return errorResponse(err, control.CodeAlreadyWatched)
		}
		return errorResponse(err, control.CodeInternal)
	}

	if err := c.startWatcher(entry); err != nil {
		_ = c.reg.Remove(entry.Path)
		return errorResponse(err, control.CodeInternal)
	}

	id := uuid.NewString()
	c.mu.Lock()
	c.sessions[id] = &sandboxSession{
		id:       id,
		name:     req.Session,
		repoPath: repoRoot,
		worktree: entry.Path,
		branch:   req.Branch,
		ownerPID: req.OwnerPID,
	}
	c.mu.Unlock()

	log.Printf("sandbox session %s started repo=%s worktree=%s branch=%s", id, repoRoot, entry.Path, req.Branch)
	return control.Response{OK: true, SessionID: id}
}

func (c *Core) handleSessionEnd(req control.Request) control.Response {
	c.mu.Lock()
	sess := c.sessions[req.Session]
	delete(c.sessions, req.Session)
	c.mu.Unlock()

	if sess == nil {
		return errorResponse(fmt.Errorf("unknown session %q", req.Session), control.CodeNotFound)
	}

	// Flush before detaching so the last burst of edits is committed.
	c.stopWatcher(sess.worktree)
	if err := c.reg.Remove(sess.worktree); err != nil && !errors.Is(err, registry.ErrNotFound) {
		return errorResponse(err, control.CodeInternal)
	}

	log.Printf("sandbox session %s ended", sess.id)
	return control.Response{OK: true}
}

func errorResponse(err error, code string) control.Response {
	return control.Response{OK: false, Error: err.Error(), Code: code}
}

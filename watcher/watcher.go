// Package watcher runs one filesystem watcher per repository, batching
// bursts of file events into a single automatic commit.
//
// State machine: Idle -> Pending (first event arms the debounce timer,
// later events re-arm it) -> Committing (timer fired) -> Idle. Events
// arriving while a commit is in flight queue in the notification channel
// and start exactly one follow-up cycle; commits for the same repository
// never run concurrently.
package watcher

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tinker495/autosave/git"
	"github.com/tinker495/autosave/ignore"
)

// Options configures a RepoWatcher.
type Options struct {
	// Path is the working-tree directory to watch (repository root or a
	// linked worktree).
	Path string
	// Branch receives the automatic commits.
	Branch string
	// Message is the commit message.
	Message string
	// Debounce is the quiet interval after the last event before a
	// commit fires.
	Debounce time.Duration
	// Ignore lists extra gitignore-syntax patterns that neither trigger
	// nor enter commits.
	Ignore []string
	// OnCommit is called after every successful commit. Optional.
	OnCommit func(hash string, at time.Time)
	// OnFail is called once when the watcher dies (repository deleted,
	// event stream lost). The watcher has already stopped. Optional.
	OnFail func(err error)
}

// maxCommitFailures is how many consecutive commit errors the watcher
// tolerates before giving up. A failure streak this long means the
// problem is not transient, and an endlessly retrying watcher would hide
// it; stopping surfaces the error through OnFail.
const maxCommitFailures = 5

// RepoWatcher watches a single working tree and commits batched changes.
type RepoWatcher struct {
	opts    Options
	engine  *git.Engine
	fsw     *fsnotify.Watcher
	matcher *ignore.Matcher

	flushCh  chan chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	failures int
}

// New opens the repository at opts.Path and prepares a watcher for it.
// Call Start to begin watching.
func New(opts Options) (*RepoWatcher, error) {
	if opts.Debounce <= 0 {
		return nil, fmt.Errorf("debounce must be positive, got %v", opts.Debounce)
	}

	engine, err := git.Open(opts.Path)
	if err != nil {
		return nil, err
	}

	matcher, err := ignore.NewMatcher(engine.Root(), opts.Ignore)
	if err != nil {
		return nil, fmt.Errorf("failed to compile ignore rules: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}

	return &RepoWatcher{
		opts:    opts,
		engine:  engine,
		fsw:     fsw,
		matcher: matcher,
		flushCh: make(chan chan struct{}),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

// Start registers the directory tree and launches the event loop.
func (w *RepoWatcher) Start() error {
	if err := w.addRecursive(w.engine.Root()); err != nil {
		w.fsw.Close()
		return err
	}
	go w.loop()
	log.Printf("watching %s -> branch %s (debounce %v)", w.opts.Path, w.opts.Branch, w.opts.Debounce)
	return nil
}

// Flush commits pending changes synchronously. Used on sandbox exit and
// daemon shutdown so no edits are lost. No-op when nothing is pending.
func (w *RepoWatcher) Flush() {
	ack := make(chan struct{})
	select {
	case w.flushCh <- ack:
		<-ack
	case <-w.stopped:
	}
}

// Close stops the watcher. Any in-flight commit finishes first.
func (w *RepoWatcher) Close() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	<-w.stopped
	return nil
}

func (w *RepoWatcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths
		}
		if !info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(w.engine.Root(), path)
		if err != nil {
			return nil
		}
		if rel != "." && (info.Name() == ".git" || w.matcher.SkipDir(filepath.ToSlash(rel))) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			log.Printf("failed to watch %s: %v", path, err)
		}
		return nil
	})
}

func (w *RepoWatcher) loop() {
	defer close(w.stopped)
	defer w.fsw.Close()

	var timer *time.Timer
	var timerC <-chan time.Time
	pending := false

	arm := func() {
		pending = true
		if timer == nil {
			timer = time.NewTimer(w.opts.Debounce)
			timerC = timer.C
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.opts.Debounce)
	}
	disarm := func() {
		pending = false
		if timer != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				w.fail(errors.New("filesystem event stream closed"))
				return
			}
			if w.relevant(event) {
				arm()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				w.fail(errors.New("filesystem error stream closed"))
				return
			}
			log.Printf("watcher error on %s: %v", w.opts.Path, err)

		case <-timerC:
			pending = false
			retry, fatal := w.commit()
			if fatal != nil {
				w.fail(fatal)
				return
			}
			if retry {
				arm()
			}

		case ack := <-w.flushCh:
			if pending {
				disarm()
				if _, fatal := w.commit(); fatal != nil {
					close(ack)
					w.fail(fatal)
					return
				}
			}
			close(ack)
		}
	}
}

// relevant filters raw fsnotify events down to ones that should arm the
// debounce timer, and keeps the recursive registration current as new
// directories appear.
func (w *RepoWatcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}

	rel, err := filepath.Rel(w.engine.Root(), event.Name)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".git" || filepath.Base(rel) == ".git" {
		return false
	}
	if w.matcher.Match(rel) {
		return false
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				log.Printf("failed to watch new directory %s: %v", event.Name, err)
			}
		}
	}

	// An edited .gitignore changes what the next commit may contain.
	if filepath.Base(rel) == ".gitignore" {
		w.recompileMatcher()
	}

	return true
}

func (w *RepoWatcher) recompileMatcher() {
	matcher, err := ignore.NewMatcher(w.engine.Root(), w.opts.Ignore)
	if err != nil {
		log.Printf("failed to recompile ignore rules for %s: %v", w.opts.Path, err)
		return
	}
	w.matcher = matcher
}

// commit runs the commit engine once. Returns retry=true for transient
// failures that should re-arm the debounce timer, or a non-nil fatal
// error when the watcher cannot continue.
func (w *RepoWatcher) commit() (retry bool, fatal error) {
	if _, err := os.Stat(w.engine.Root()); err != nil {
		return false, fmt.Errorf("watched path is gone: %w", err)
	}

	hash, err := w.engine.Commit(w.opts.Branch, w.opts.Message, w.opts.Ignore)
	switch {
	case err == nil:
		w.failures = 0
		log.Printf("committed %s on %s (%s)", w.opts.Path, w.opts.Branch, hash.String()[:8])
		if w.opts.OnCommit != nil {
			w.opts.OnCommit(hash.String(), time.Now())
		}
		return false, nil
	case errors.Is(err, git.ErrNoChanges):
		w.failures = 0
		return false, nil
	case errors.Is(err, git.ErrRefConflict):
		log.Printf("branch %s moved concurrently in %s; retrying after debounce", w.opts.Branch, w.opts.Path)
		return true, nil
	case errors.Is(err, git.ErrNotARepository):
		return false, err
	default:
		// Transient write failures (disk pressure, permission races)
		// retry on the next cycle; a persistent streak stops the watcher
		// so the error shows up in `list` instead of looping forever.
		w.failures++
		if w.failures >= maxCommitFailures {
			return false, fmt.Errorf("giving up after %d consecutive commit failures: %w", w.failures, err)
		}
		log.Printf("commit failed for %s (attempt %d/%d): %v", w.opts.Path, w.failures, maxCommitFailures, err)
		return true, nil
	}
}

func (w *RepoWatcher) fail(err error) {
	log.Printf("watcher for %s stopped: %v", w.opts.Path, err)
	if w.opts.OnFail != nil {
		w.opts.OnFail(err)
	}
}

// Package git implements the commit engine: it materializes the current
// working-tree contents as a commit on a target branch using object and
// ref level operations only, so the user's checked-out branch, index, and
// working tree are never touched.
package git

import (
	"errors"
	"fmt"
	"time"

	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"

	"github.com/tinker495/autosave/ignore"
)

var (
	// ErrNoChanges signals that the working tree is identical to the
	// branch tip; no commit was created. Not a failure.
	ErrNoChanges = errors.New("no changes since last commit")
	// ErrRefConflict signals that the target branch moved while the
	// commit was being built. The caller retries on the next cycle.
	ErrRefConflict = errors.New("branch was modified concurrently")
	// ErrNotARepository signals that the path is not inside a git
	// repository.
	ErrNotARepository = errors.New("not a git repository")
)

const (
	fallbackName  = "autosave"
	fallbackEmail = "autosave@localhost"
)

// Engine commits working-tree snapshots of one repository. It holds the
// repository open; an Engine is owned by a single watcher and is not safe
// for concurrent use.
type Engine struct {
	repo *gogit.Repository
	root string
}

// Open opens the repository containing dir. Works for both primary
// working trees and linked worktrees.
func Open(dir string) (*Engine, error) {
	repo, err := gogit.PlainOpenWithOptions(dir, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotARepository, dir)
		}
		return nil, fmt.Errorf("failed to open repository at %s: %w", dir, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve working tree: %w", err)
	}

	return &Engine{repo: repo, root: wt.Filesystem.Root()}, nil
}

// Root returns the working-tree root directory.
func (e *Engine) Root() string {
	return e.root
}

// Commit snapshots the working tree onto branch with the given message.
// Returns the new commit hash, ErrNoChanges when the tree matches the
// branch tip, or ErrRefConflict when the branch moved concurrently.
//
// The branch is created at the current HEAD tip if it does not exist, so
// autosave history stays connected to the user's history and the branch
// can be merged back later. HEAD itself is never moved.
func (e *Engine) Commit(branch, message string, extraIgnore []string) (plumbing.Hash, error) {
	refName := plumbing.NewBranchReferenceName(branch)

	oldRef, tipCommit, err := e.resolveBranch(refName)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return e.commitOnto(refName, oldRef, tipCommit, message, extraIgnore)
}

// commitOnto writes the working-tree snapshot as a commit on top of
// tipCommit and advances refName from oldRef with a compare-and-set.
// oldRef is the ref observed when the cycle started; if the branch has
// moved since, the update fails with ErrRefConflict and the written
// objects are left unreachable for git to garbage-collect.
func (e *Engine) commitOnto(refName plumbing.ReferenceName, oldRef *plumbing.Reference, tipCommit *object.Commit, message string, extraIgnore []string) (plumbing.Hash, error) {
	matcher, err := ignore.NewMatcher(e.root, extraIgnore)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to load ignore rules: %w", err)
	}

	treeHash, err := writeWorkTree(e.repo.Storer, e.root, matcher)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	var parents []plumbing.Hash
	if tipCommit != nil {
		if tipCommit.TreeHash == treeHash {
			return plumbing.ZeroHash, ErrNoChanges
		}
		parents = append(parents, tipCommit.Hash)
	} else if treeHash == emptyTreeHash {
		// Unborn repository with nothing to commit.
		return plumbing.ZeroHash, ErrNoChanges
	}

	sig := e.signature()
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     treeHash,
		ParentHashes: parents,
	}
	obj := e.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to encode commit: %w", err)
	}
	commitHash, err := e.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to write commit object: %w", err)
	}

	newRef := plumbing.NewHashReference(refName, commitHash)
	if err := e.repo.Storer.CheckAndSetReference(newRef, oldRef); err != nil {
		if errors.Is(err, storage.ErrReferenceHasChanged) {
			return plumbing.ZeroHash, ErrRefConflict
		}
		return plumbing.ZeroHash, fmt.Errorf("failed to update %s: %w", refName, err)
	}

	return commitHash, nil
}

// resolveBranch returns the branch ref and its tip commit. A missing
// branch is seeded from HEAD; an unborn HEAD yields (nil, nil).
func (e *Engine) resolveBranch(refName plumbing.ReferenceName) (*plumbing.Reference, *object.Commit, error) {
	ref, err := e.repo.Reference(refName, false)
	if err == nil {
		commit, cerr := object.GetCommit(e.repo.Storer, ref.Hash())
		if cerr != nil {
			return nil, nil, fmt.Errorf("failed to read tip of %s: %w", refName, cerr)
		}
		return ref, commit, nil
	}
	if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil, fmt.Errorf("failed to resolve %s: %w", refName, err)
	}

	head, err := e.repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil, nil // unborn repository
		}
		return nil, nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	commit, err := object.GetCommit(e.repo.Storer, head.Hash())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read HEAD commit: %w", err)
	}
	return nil, commit, nil
}

// BranchTip returns the commit hash a local branch points at, or
// plumbing.ErrReferenceNotFound.
func (e *Engine) BranchTip(branch string) (plumbing.Hash, error) {
	ref, err := e.repo.Reference(plumbing.NewBranchReferenceName(branch), false)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return ref.Hash(), nil
}

// HeadName returns the short name of the checked-out branch, or the commit
// hash string when HEAD is detached.
func (e *Engine) HeadName() (string, error) {
	ref, err := e.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	if ref.Name() == plumbing.HEAD {
		return ref.Hash().String(), nil
	}
	return ref.Name().Short(), nil
}

// signature builds the commit signature from the repository's merged git
// config, falling back to a fixed identity when none is configured.
func (e *Engine) signature() object.Signature {
	name, email := fallbackName, fallbackEmail
	if cfg, err := e.repo.ConfigScoped(gitconfig.SystemScope); err == nil {
		if cfg.User.Name != "" {
			name = cfg.User.Name
		}
		if cfg.User.Email != "" {
			email = cfg.User.Email
		}
	}
	return object.Signature{Name: name, Email: email, When: time.Now()}
}

// Save is the one-shot entry point: open the repository containing dir
// and commit its working tree.
func Save(dir, branch, message string, extraIgnore []string) (plumbing.Hash, error) {
	engine, err := Open(dir)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return engine.Commit(branch, message, extraIgnore)
}

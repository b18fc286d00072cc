package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const gitCommandTimeout = 30 * time.Second

// AddWorktree checks out branch into a new linked worktree at path,
// creating the branch from the current HEAD when it does not exist.
// Linked-worktree creation is delegated to the git binary; go-git can
// open and commit inside linked worktrees but cannot create them.
func AddWorktree(repoPath, branch, path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), gitCommandTimeout)
	defer cancel()

	args := []string{"-C", repoPath, "worktree", "add"}
	if branchExists(ctx, repoPath, branch) {
		args = append(args, path, branch)
	} else {
		args = append(args, "-b", branch, path)
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree add failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// RemoveWorktree detaches the linked worktree at path. The branch and its
// commits are left intact for later inspection or merge.
func RemoveWorktree(repoPath, path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), gitCommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "worktree", "remove", "--force", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree remove failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func branchExists(ctx context.Context, repoPath, branch string) bool {
	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return cmd.Run() == nil
}

// IsRepository reports whether path is inside a git repository.
func IsRepository(path string) bool {
	_, err := Open(path)
	return err == nil
}

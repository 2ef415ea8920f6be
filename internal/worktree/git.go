// Package worktree gives every running task an isolated git checkout:
// a branch climpire/<shortId> and a directory under .climpire-worktrees,
// merged back no-fast-forward when the task is approved.
package worktree

import (
	"fmt"
	"os/exec"
	"strings"
)

func git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, fmt.Errorf("git %s: %w: %s", args[0], err, text)
	}
	return text, nil
}

func isGitRepo(dir string) bool {
	out, err := git(dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

func currentBranch(dir string) (string, error) {
	return git(dir, "rev-parse", "--abbrev-ref", "HEAD")
}

func branchExists(dir, branch string) bool {
	_, err := git(dir, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

func branchDelete(dir, branch string) error {
	_, err := git(dir, "branch", "-D", branch)
	return err
}

func worktreeAdd(dir, path, branch string) error {
	_, err := git(dir, "worktree", "add", "-b", branch, path, "HEAD")
	return err
}

func worktreeRemove(dir, path string) error {
	_, err := git(dir, "worktree", "remove", "--force", path)
	return err
}

func worktreePrune(dir string) error {
	_, err := git(dir, "worktree", "prune")
	return err
}

// unmergedPaths lists conflicting files after a failed merge.
func unmergedPaths(dir string) []string {
	out, err := git(dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil || out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

func mergeAbort(dir string) {
	_, _ = git(dir, "merge", "--abort")
}

package worktree

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	branchPrefix = "climpire/"
	worktreeDir  = ".climpire-worktrees"

	// Markers returned by DiffSummary instead of errors.
	NoChanges       = "(no changes)"
	DiffUnavailable = "(diff unavailable)"
)

// Info describes one task's checkout. The orchestrator keeps these in a
// map keyed by task id.
type Info struct {
	TaskID     string    `json:"task_id"`
	AgentName  string    `json:"agent_name"`
	RepoPath   string    `json:"repo_path"`
	Path       string    `json:"path"`
	Branch     string    `json:"branch"`
	BaseBranch string    `json:"base_branch"`
	CreatedAt  time.Time `json:"created_at"`
}

// MergeResult reports a merge attempt. Conflicts holds unmerged paths
// when the merge was aborted.
type MergeResult struct {
	Success   bool     `json:"success"`
	Message   string   `json:"message"`
	Conflicts []string `json:"conflicts,omitempty"`
}

type Manager struct {
	logger *slog.Logger
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger.With("component", "worktree")}
}

// Create materializes a worktree for the task. A project that is not a
// git repository returns (nil, nil) and the task runs in place.
func (m *Manager) Create(projectPath, taskID, agentName string) (*Info, error) {
	if !isGitRepo(projectPath) {
		return nil, nil
	}

	short := shortID(taskID)
	branch := branchPrefix + short
	path := filepath.Join(projectPath, worktreeDir, short)

	base, err := currentBranch(projectPath)
	if err != nil {
		return nil, fmt.Errorf("worktree: detect base branch: %w", err)
	}

	// A stale branch from a crashed run blocks worktree add; clear it.
	if branchExists(projectPath, branch) {
		_ = worktreePrune(projectPath)
		if err := branchDelete(projectPath, branch); err != nil {
			m.logger.Warn("stale branch not deleted", "branch", branch, "error", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("worktree: create parent dir: %w", err)
	}
	if err := worktreeAdd(projectPath, path, branch); err != nil {
		return nil, fmt.Errorf("worktree: add: %w", err)
	}

	info := &Info{
		TaskID:     taskID,
		AgentName:  agentName,
		RepoPath:   projectPath,
		Path:       path,
		Branch:     branch,
		BaseBranch: base,
		CreatedAt:  time.Now(),
	}
	m.logger.Info("worktree created", "task", taskID, "branch", branch, "path", path)
	return info, nil
}

// Merge brings the task branch back into the repo's current branch with
// --no-ff. Conflict detection reads the unmerged path list rather than
// parsing git's error output, then aborts the merge.
func (m *Manager) Merge(info *Info) MergeResult {
	diff, err := git(info.RepoPath, "diff", "--stat", m.base(info)+"..."+info.Branch)
	if err != nil {
		return MergeResult{Success: false, Message: fmt.Sprintf("diff failed: %v", err)}
	}
	if strings.TrimSpace(diff) == "" {
		return MergeResult{Success: true, Message: "nothing to merge"}
	}

	msg := fmt.Sprintf("Merge %s (%s)", info.Branch, info.AgentName)
	if _, err := git(info.RepoPath, "merge", "--no-ff", info.Branch, "-m", msg); err != nil {
		conflicts := unmergedPaths(info.RepoPath)
		mergeAbort(info.RepoPath)
		m.logger.Warn("merge conflict", "task", info.TaskID, "files", len(conflicts))
		return MergeResult{Success: false, Message: "merge conflict", Conflicts: conflicts}
	}

	m.logger.Info("worktree merged", "task", info.TaskID, "branch", info.Branch)
	return MergeResult{Success: true, Message: "merged"}
}

// Cleanup removes the worktree directory and its branch. A failed
// `git worktree remove` falls back to a manual delete plus prune.
func (m *Manager) Cleanup(info *Info) error {
	if err := worktreeRemove(info.RepoPath, info.Path); err != nil {
		m.logger.Warn("git worktree remove failed, removing manually", "task", info.TaskID, "error", err)
		if err2 := os.RemoveAll(info.Path); err2 != nil {
			return fmt.Errorf("worktree: remove dir: %w", err2)
		}
		_ = worktreePrune(info.RepoPath)
	}
	if branchExists(info.RepoPath, info.Branch) {
		if err := branchDelete(info.RepoPath, info.Branch); err != nil {
			m.logger.Warn("branch not deleted", "branch", info.Branch, "error", err)
		}
	}
	m.logger.Info("worktree removed", "task", info.TaskID, "branch", info.Branch)
	return nil
}

// Rollback records what would have been merged, then discards the
// checkout. Invoked on stop, on failure and on shutdown; the returned
// summary goes to the task log with the caller's reason.
func (m *Manager) Rollback(info *Info, reason string) string {
	summary := m.DiffSummary(info)
	m.logger.Info("worktree rollback", "task", info.TaskID, "reason", reason)
	if err := m.Cleanup(info); err != nil {
		m.logger.Warn("rollback cleanup failed", "task", info.TaskID, "error", err)
	}
	return summary
}

// DiffSummary returns `git diff --stat current...branch`, NoChanges, or
// DiffUnavailable. It never fails.
func (m *Manager) DiffSummary(info *Info) string {
	out, err := git(info.RepoPath, "diff", "--stat", m.base(info)+"..."+info.Branch)
	if err != nil {
		return DiffUnavailable
	}
	if strings.TrimSpace(out) == "" {
		return NoChanges
	}
	return out
}

// DiffPatch returns the full patch between the current branch and the
// task branch for the diff viewer.
func (m *Manager) DiffPatch(info *Info) (string, error) {
	out, err := git(info.RepoPath, "diff", m.base(info)+"..."+info.Branch)
	if err != nil {
		return "", fmt.Errorf("worktree: diff: %w", err)
	}
	return out, nil
}

// base resolves the branch to diff and merge against. The repo may have
// switched branches since the worktree was created.
func (m *Manager) base(info *Info) string {
	if b, err := currentBranch(info.RepoPath); err == nil && b != "HEAD" {
		return b
	}
	return info.BaseBranch
}

// shortID keeps the first 8 hex characters of the task id.
func shortID(taskID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(taskID) {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			b.WriteRune(r)
			if b.Len() == 8 {
				break
			}
		}
	}
	if b.Len() == 0 {
		return "task0000"
	}
	return b.String()
}

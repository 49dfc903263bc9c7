// Package gitworkspace is the Git Workspace Manager (§2.2, §4.2, §6.5):
// per-task branch/worktree lifecycle, merge-to-main, and push-with-rebase,
// all driven through a standard command-line git. Grounded on the
// teacher's internal/git/client.go (command invocation, credential
// masking, lock-file recovery) generalized from a single shared-checkout
// client into a worktree-aware manager, since the teacher never needed
// concurrent per-task working trees.
package gitworkspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	opserrors "opensprint/internal/errors"
)

// Mode selects whether tasks get private worktrees or share the main
// working tree (§4.2).
type Mode string

const (
	ModeWorktree Mode = "worktree"
	ModeBranches Mode = "branches"
)

// Manager drives git for one repository.
type Manager struct {
	RepoPath string
	Mode     Mode
	Logger   *slog.Logger
}

func New(repoPath string, mode Mode, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{RepoPath: repoPath, Mode: mode, Logger: logger}
}

func (m *Manager) worktreeRoot() string {
	return filepath.Join(m.RepoPath, ".opensprint", "worktrees")
}

func (m *Manager) pendingCommitsPath() string {
	return filepath.Join(m.RepoPath, ".opensprint", "pending-commits.json")
}

// run executes git in dir (defaulting to the repo root), masking
// credentials out of the captured output before it is logged or returned.
func (m *Manager) run(ctx context.Context, dir string, args ...string) (string, error) {
	if dir == "" {
		dir = m.RepoPath
	}
	mb := newMaskedBuffer()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=/bin/true")
	cmd.Stdout = mb.Writer()
	cmd.Stderr = mb.Writer()

	err := cmd.Run()
	out := mb.String()
	m.Logger.Debug("git", "args", args, "dir", dir, "output", out)
	if err != nil {
		return out, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, out)
	}
	return out, nil
}

// recoverLocks clears stale lock files left behind by a killed git
// process, matching the teacher's Client.Recover.
func (m *Manager) recoverLocks(dir string) {
	locks := []string{"index.lock", "HEAD.lock", "config.lock"}
	for _, l := range locks {
		path := filepath.Join(dir, ".git", l)
		if _, err := os.Stat(path); err == nil {
			m.Logger.Warn("removing stale git lock file", "path", path)
			_ = os.Remove(path)
		}
	}
}

func (m *Manager) localBranchExists(ctx context.Context, dir, branch string) bool {
	cmd := exec.CommandContext(ctx, "git", "show-ref", "--verify", "refs/heads/"+branch)
	cmd.Dir = dir
	return cmd.Run() == nil
}

func (m *Manager) isDirty(ctx context.Context, dir string) (bool, error) {
	out, err := m.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, opserrors.NewGitError("status", opserrors.GitToolAbsent, err)
	}
	return strings.TrimSpace(out) != "", nil
}

// CreateOrCheckoutBranch checks out branch if it already exists locally,
// otherwise branches it from the current HEAD of main. Idempotent:
// calling it twice with the same args leaves the repo in the same state.
func (m *Manager) CreateOrCheckoutBranch(ctx context.Context, dir, branch string) error {
	m.recoverLocks(dir)
	if m.localBranchExists(ctx, dir, branch) {
		_, err := m.run(ctx, dir, "checkout", branch)
		if err != nil {
			return opserrors.NewGitError("checkout", opserrors.GitMissingBranch, err)
		}
		return nil
	}
	if _, err := m.run(ctx, dir, "checkout", "-b", branch, "main"); err != nil {
		return opserrors.NewGitError("checkout -b", opserrors.GitMissingBranch, err)
	}
	return nil
}

// CreateTaskWorktree allocates a worktree under the worktree root for
// taskID. When the repo working tree is dirty, outstanding changes are
// committed to a salvage branch first (SUPPLEMENTED: salvage branch on
// dirty tree), mirroring the teacher's Stash/StashPop plus a
// pending-commits.json WIP ledger.
func (m *Manager) CreateTaskWorktree(ctx context.Context, taskID, branch string) (string, error) {
	m.recoverLocks(m.RepoPath)

	dirty, err := m.isDirty(ctx, m.RepoPath)
	if err != nil {
		return "", err
	}
	if dirty {
		if err := m.salvageDirtyTree(ctx); err != nil {
			return "", err
		}
	}

	path := filepath.Join(m.worktreeRoot(), taskID)
	if _, err := os.Stat(path); err == nil {
		return path, nil // already allocated: idempotent.
	}
	if err := os.MkdirAll(m.worktreeRoot(), 0755); err != nil {
		return "", fmt.Errorf("gitworkspace: create worktree root: %w", err)
	}

	var addErr error
	if m.localBranchExists(ctx, m.RepoPath, branch) {
		_, addErr = m.run(ctx, m.RepoPath, "worktree", "add", path, branch)
	} else {
		_, addErr = m.run(ctx, m.RepoPath, "worktree", "add", "-b", branch, path, "main")
	}
	if addErr != nil {
		return "", opserrors.NewGitError("worktree add", opserrors.GitDirtyTree, addErr)
	}
	return path, nil
}

// salvageDirtyTree commits uncommitted changes on the current branch to
// opensprint/salvage/<unix-seconds>-<8-char uuid prefix> and returns the working tree to the
// state the branch previously had.
func (m *Manager) salvageDirtyTree(ctx context.Context) error {
	original, err := m.currentBranch(ctx, m.RepoPath)
	if err != nil {
		return opserrors.NewGitError("branch --show-current", opserrors.GitDirtyTree, err)
	}

	salvageBranch := fmt.Sprintf("opensprint/salvage/%d-%s", time.Now().Unix(), uuid.NewString()[:8])
	if _, err := m.run(ctx, m.RepoPath, "checkout", "-b", salvageBranch); err != nil {
		return opserrors.NewGitError("checkout -b salvage", opserrors.GitDirtyTree, err)
	}
	if _, err := m.run(ctx, m.RepoPath, "add", "."); err != nil {
		return opserrors.NewGitError("add", opserrors.GitDirtyTree, err)
	}
	msg := fmt.Sprintf("salvage: outstanding changes from %s", original)
	if _, err := m.run(ctx, m.RepoPath, "commit", "-m", msg); err != nil {
		return opserrors.NewGitError("commit salvage", opserrors.GitDirtyTree, err)
	}
	if original != "" {
		if _, err := m.run(ctx, m.RepoPath, "checkout", original); err != nil {
			return opserrors.NewGitError("checkout original", opserrors.GitDirtyTree, err)
		}
	}
	m.recordPendingSalvage(salvageBranch, original)
	return nil
}

func (m *Manager) currentBranch(ctx context.Context, dir string) (string, error) {
	out, err := m.run(ctx, dir, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// recordPendingSalvage appends a best-effort entry to pending-commits.json
// so an operator can find salvaged work later. Failure to write is logged,
// not fatal: the salvage commit itself already preserved the work.
func (m *Manager) recordPendingSalvage(salvageBranch, originalBranch string) {
	path := m.pendingCommitsPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		m.Logger.Warn("failed to create .opensprint dir for pending-commits.json", "error", err)
		return
	}
	entry := fmt.Sprintf(`{"salvageBranch":%q,"originalBranch":%q,"at":%q}`+"\n",
		salvageBranch, originalBranch, time.Now().UTC().Format(time.RFC3339))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		m.Logger.Warn("failed to open pending-commits.json", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(entry); err != nil {
		m.Logger.Warn("failed to append to pending-commits.json", "error", err)
	}
}

// RemoveTaskWorktree removes the worktree and deletes the feature branch
// iff it is already merged into main. Logs and continues on individual
// failures; a no-op on an already-removed worktree is a success.
func (m *Manager) RemoveTaskWorktree(ctx context.Context, taskID, path, branch string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if _, err := m.run(ctx, m.RepoPath, "worktree", "remove", "--force", path); err != nil {
		m.Logger.Warn("failed to remove worktree", "taskId", taskID, "path", path, "error", err)
	}

	merged, err := m.run(ctx, m.RepoPath, "branch", "--merged", "main")
	if err != nil {
		m.Logger.Warn("failed to check merged branches", "error", err)
		return nil
	}
	if strings.Contains(merged, branch) {
		if _, err := m.run(ctx, m.RepoPath, "branch", "-D", branch); err != nil {
			m.Logger.Warn("failed to delete merged branch", "branch", branch, "error", err)
		}
	}
	return nil
}

// GetDiff produces a main...branch unified diff, or "" if branch is
// missing (the caller falls back to the session archive).
func (m *Manager) GetDiff(ctx context.Context, branch string) (string, error) {
	if !m.localBranchExists(ctx, m.RepoPath, branch) {
		return "", nil
	}
	out, err := m.run(ctx, m.RepoPath, "diff", "main..."+branch)
	if err != nil {
		return "", opserrors.NewGitError("diff", opserrors.GitMissingBranch, err)
	}
	return out, nil
}

// MergeResult is mergeToMain's outcome.
type MergeResult struct {
	OK        bool
	Conflicts []string
}

// MergeToMain fast-forwards branch into main when possible, else performs
// a no-ff merge. On conflict the repo is left merge-in-progress and the
// conflicting file list is returned (§4.2, §7).
func (m *Manager) MergeToMain(ctx context.Context, branch string) (MergeResult, error) {
	m.recoverLocks(m.RepoPath)
	if _, err := m.run(ctx, m.RepoPath, "checkout", "main"); err != nil {
		return MergeResult{}, opserrors.NewGitError("checkout main", opserrors.GitMissingBranch, err)
	}

	if _, err := m.run(ctx, m.RepoPath, "merge", "--ff-only", branch); err == nil {
		return MergeResult{OK: true}, nil
	}

	if _, err := m.run(ctx, m.RepoPath, "merge", "--no-ff", "-m", "merge: "+branch, branch); err != nil {
		conflicts, cerr := m.conflictFiles(ctx)
		if cerr != nil {
			return MergeResult{}, opserrors.NewGitError("merge", opserrors.GitConflict, err)
		}
		if len(conflicts) == 0 {
			return MergeResult{}, opserrors.NewGitError("merge", opserrors.GitConflict, err)
		}
		return MergeResult{OK: false, Conflicts: conflicts}, nil
	}
	return MergeResult{OK: true}, nil
}

func (m *Manager) conflictFiles(ctx context.Context) ([]string, error) {
	out, err := m.run(ctx, m.RepoPath, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// AbortMerge aborts an in-progress merge, used when the merger agent
// fails (§4.6 step 4).
func (m *Manager) AbortMerge(ctx context.Context) error {
	_, err := m.run(ctx, m.RepoPath, "merge", "--abort")
	return err
}

// FinishMerge stages the merger agent's conflict resolution and commits
// the in-progress merge, used after the merger agent reports success on
// a merge (as opposed to a rebase) conflict (§4.6 step 4).
func (m *Manager) FinishMerge(ctx context.Context) error {
	if _, err := m.run(ctx, m.RepoPath, "add", "-A"); err != nil {
		return opserrors.NewGitError("add -A", opserrors.GitConflict, err)
	}
	if _, err := m.run(ctx, m.RepoPath, "commit", "--no-edit"); err != nil {
		return opserrors.NewGitError("commit", opserrors.GitConflict, err)
	}
	return nil
}

// PushResult is pushMain's outcome.
type PushResult struct {
	OK          bool
	NeedsRebase bool
	Conflicts   []string
}

// PushMain pushes main; on non-fast-forward rejection it fetches and
// attempts to rebase origin/main, returning rebase state on conflict.
func (m *Manager) PushMain(ctx context.Context) (PushResult, error) {
	if _, err := m.run(ctx, m.RepoPath, "push", "origin", "main"); err == nil {
		return PushResult{OK: true}, nil
	}

	if _, err := m.run(ctx, m.RepoPath, "fetch", "origin", "main"); err != nil {
		return PushResult{}, opserrors.NewGitError("fetch", opserrors.GitRemoteReject, err)
	}
	if _, err := m.run(ctx, m.RepoPath, "rebase", "origin/main"); err != nil {
		conflicts, _ := m.conflictFiles(ctx)
		return PushResult{OK: false, NeedsRebase: true, Conflicts: conflicts},
			opserrors.NewGitError("rebase", opserrors.GitRemoteReject, err)
	}
	if _, err := m.run(ctx, m.RepoPath, "push", "origin", "main"); err != nil {
		return PushResult{OK: false, NeedsRebase: true}, opserrors.NewGitError("push", opserrors.GitRemoteReject, err)
	}
	return PushResult{OK: true}, nil
}

// RebaseContinue and RebaseAbort complete or cancel an in-progress rebase
// (§6.5), used after the merger agent resolves or fails to resolve a
// rebase conflict.
func (m *Manager) RebaseContinue(ctx context.Context) error {
	_, err := m.run(ctx, m.RepoPath, "rebase", "--continue")
	return err
}

func (m *Manager) RebaseAbort(ctx context.Context) error {
	_, err := m.run(ctx, m.RepoPath, "rebase", "--abort")
	return err
}

// WorktreeEntry is one row of `git worktree list`.
type WorktreeEntry struct {
	TaskID string
	Path   string
}

// ListTaskWorktrees parses `git worktree list --porcelain` and returns the
// entries living under this repo's worktree root.
func (m *Manager) ListTaskWorktrees(ctx context.Context) ([]WorktreeEntry, error) {
	out, err := m.run(ctx, m.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, opserrors.NewGitError("worktree list", opserrors.GitToolAbsent, err)
	}

	root := m.worktreeRoot()
	var entries []WorktreeEntry
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "worktree ") {
			continue
		}
		path := strings.TrimPrefix(line, "worktree ")
		if !strings.HasPrefix(path, root) {
			continue
		}
		taskID := filepath.Base(path)
		entries = append(entries, WorktreeEntry{TaskID: taskID, Path: path})
	}
	return entries, nil
}

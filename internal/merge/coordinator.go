// Package merge is the Merge Coordinator (§2.6, §4.6): serializes
// merges of finished task branches into main, spawns a dedicated merger
// agent when git leaves conflict markers behind, and reports the
// outcome back through a narrow Host interface rather than reaching
// back into the Orchestrator directly. Grounded on the teacher's
// internal/runner/orchestrator.go mergeTask path (single mutex guarding
// the shared working tree during a merge) generalized to a standalone
// component that also owns conflict-resolution agent spawning, which the
// teacher's orchestrator never needed since it never ran a merger agent.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"opensprint/internal/agentrunner"
	"opensprint/internal/config"
	"opensprint/internal/contextassembler"
	opserrors "opensprint/internal/errors"
	"opensprint/internal/eventbus"
	"opensprint/internal/gitworkspace"
	"opensprint/internal/spawn"
	"opensprint/internal/taskstore"
	"opensprint/internal/telemetry"
)

// recentMergesWindow bounds how many prior merge.completed events are
// handed to the merger agent as history (§4.6 step 3).
const recentMergesWindow = 5

// Host is the narrow surface the Orchestrator exposes to the Merge
// Coordinator, replacing a direct Orchestrator reference so the two
// packages don't import each other (§9's host-interface redesign note).
type Host interface {
	// TransitionTask applies a patch to the task and records the reason
	// in the task.updated event the Orchestrator publishes.
	TransitionTask(ctx context.Context, taskID string, patch taskstore.TaskPatch, reason string) error
	// PersistCounters increments the project's done/failed tally.
	PersistCounters(ctx context.Context, projectID string, doneDelta, failedDelta int) error
	// ReleaseSlot frees the concurrency slot taskID was occupying.
	ReleaseSlot(taskID string)
	// Nudge wakes the scheduling loop so a freed slot is reused without
	// waiting for the next poll tick.
	Nudge()
}

// Request is one task's merge-to-main request.
type Request struct {
	ProjectID string
	TaskID    string
	Branch    string
	Summary   string
}

// Coordinator serializes merges through a single mutex and owns the
// merger agent's conflict-resolution lifecycle.
type Coordinator struct {
	Git     *gitworkspace.Manager
	Store   taskstore.Store
	Spawner spawn.Spawner
	Bus     *eventbus.Bus
	Config  *config.Config
	Logger  *slog.Logger

	// mu is the merge mutex (§4.6, §5): held for the entire duration of
	// Complete, including any merger agent run spawned for this task's
	// conflict -- "while the merger runs, other merges block" per §4.6.
	mu sync.Mutex
}

func New(git *gitworkspace.Manager, store taskstore.Store, spawner spawn.Spawner, bus *eventbus.Bus, cfg *config.Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{Git: git, Store: store, Spawner: spawner, Bus: bus, Config: cfg, Logger: logger}
}

// Complete runs the full §4.6 merge sequence for one finished task:
// merge, push-with-rebase, merger agent on conflict, then branch
// cleanup and counter/event bookkeeping either way. The merge mutex is
// held for the entire call, including any merger agent execution: the
// merger only shells git directly in the same working tree, so holding
// it doesn't risk a deadlock, and §4.6/§8 property 2 require at most one
// active merge operation per repo at a time -- releasing the mutex
// around a merger run would let a second task's Complete interleave
// `git status`/`git merge` with this one's still-open conflict.
func (c *Coordinator) Complete(ctx context.Context, host Host, req Request) error {
	c.Bus.Publish(ctx, eventbus.TopicMergeStarted, eventbus.MergeStarted{TaskID: req.TaskID})

	c.mu.Lock()
	defer c.mu.Unlock()

	mergeResult, err := c.Git.MergeToMain(ctx, req.Branch)
	if err != nil && opserrors.ClassOfGitError(err) != opserrors.GitConflict {
		return c.fail(ctx, host, req, fmt.Sprintf("merge failed: %v", err))
	}

	if !mergeResult.OK {
		return c.resolveConflict(ctx, host, req, mergeResult.Conflicts, kindMerge)
	}

	pushResult, pushErr := c.Git.PushMain(ctx)
	if pushErr != nil {
		if pushResult.NeedsRebase && len(pushResult.Conflicts) > 0 {
			return c.resolveConflict(ctx, host, req, pushResult.Conflicts, kindRebase)
		}
		return c.fail(ctx, host, req, fmt.Sprintf("push failed: %v", pushErr))
	}

	return c.finish(ctx, host, req)
}

type conflictKind string

const (
	kindMerge  conflictKind = "merge"
	kindRebase conflictKind = "rebase"
)

// resolveConflict spawns the merger agent, interprets
// merge-result.json, and either completes or abandons the git operation
// the conflict interrupted (§4.6 steps 3-4). The caller holds the merge
// mutex for the whole of this call, including the merger's run.
func (c *Coordinator) resolveConflict(ctx context.Context, host Host, req Request, conflictFiles []string, kind conflictKind) error {
	telemetry.TrackMergeConflict(req.ProjectID)

	conflictDiff, _ := c.Git.GetDiff(ctx, req.Branch)
	recentMerges := c.loadRecentMerges(ctx, req.ProjectID)

	prompt, err := contextassembler.GenerateMergeConflictPrompt(req.TaskID, req.Branch, c.Git.RepoPath, conflictFiles, conflictDiff, recentMerges)
	if err != nil {
		c.abortGitOp(ctx, kind)
		return c.fail(ctx, host, req, fmt.Sprintf("render merger prompt: %v", err))
	}

	mergeDir := filepath.Join(c.Git.RepoPath, ".opensprint", "merge", req.TaskID)
	if err := os.MkdirAll(mergeDir, 0755); err != nil {
		c.abortGitOp(ctx, kind)
		return c.fail(ctx, host, req, fmt.Sprintf("create merge workspace: %v", err))
	}
	if err := os.WriteFile(filepath.Join(mergeDir, "prompt.md"), []byte(prompt), 0644); err != nil {
		c.abortGitOp(ctx, kind)
		return c.fail(ctx, host, req, fmt.Sprintf("write merger prompt: %v", err))
	}

	c.Bus.Publish(ctx, eventbus.TopicAgentStarted, eventbus.AgentStarted{
		TaskID: req.TaskID, Role: "merger", Attempt: 1, StartedAt: time.Now().Unix(),
	})

	runResult := c.Spawner.Run(ctx, spawn.Request{
		TaskID:       req.TaskID,
		Command:      c.Config.AgentCommand,
		Args:         c.Config.AgentArgs,
		WorkspaceDir: mergeDir,
		Timeout:      time.Duration(c.Config.MergerTimeoutSeconds) * time.Second,
		KillGrace:    time.Duration(c.Config.KillGraceSeconds) * time.Second,
		OutputCallback: func(line string) {
			c.Bus.Publish(ctx, eventbus.TopicAgentOutput, eventbus.AgentOutput{TaskID: req.TaskID, Chunk: line})
		},
	})

	result, ok := agentrunner.ReadMergerResult(mergeDir)
	// The workspace only holds the prompt and the verdict; removing it keeps
	// it out of FinishMerge's stage-all and out of the tree after an abort.
	_ = os.RemoveAll(mergeDir)
	outcome := "success"
	if runResult.Outcome != agentrunner.OutcomeExit || runResult.ExitCode != 0 || !ok || result.Status != "success" {
		outcome = "failed"
	}
	telemetry.TrackAgentInvocation(req.ProjectID, "merger", outcome)

	if outcome == "failed" {
		c.abortGitOp(ctx, kind)
		reason := "merge_conflict"
		if result.Summary != "" {
			reason = result.Summary
		}
		return c.fail(ctx, host, req, reason)
	}

	if err := c.finishGitOp(ctx, kind); err != nil {
		c.abortGitOp(ctx, kind)
		return c.fail(ctx, host, req, fmt.Sprintf("finish %s after merger agent: %v", kind, err))
	}

	pushResult, pushErr := c.Git.PushMain(ctx)
	if pushErr != nil {
		if pushResult.NeedsRebase && len(pushResult.Conflicts) > 0 {
			return c.resolveConflict(ctx, host, req, pushResult.Conflicts, kindRebase)
		}
		return c.fail(ctx, host, req, fmt.Sprintf("push after merger agent: %v", pushErr))
	}

	return c.finish(ctx, host, req)
}

// abortGitOp and finishGitOp assume the caller already holds the merge
// mutex (Complete holds it for the whole merge attempt).
func (c *Coordinator) abortGitOp(ctx context.Context, kind conflictKind) {
	var err error
	if kind == kindRebase {
		err = c.Git.RebaseAbort(ctx)
	} else {
		err = c.Git.AbortMerge(ctx)
	}
	if err != nil {
		c.Logger.Warn("failed to abort git operation after merger agent failure", "kind", kind, "error", err)
	}
}

func (c *Coordinator) finishGitOp(ctx context.Context, kind conflictKind) error {
	if kind == kindRebase {
		return c.Git.RebaseContinue(ctx)
	}
	return c.Git.FinishMerge(ctx)
}

// loadRecentMerges renders the last recentMergesWindow merge.completed
// events as one-line summaries for the merger agent's prompt.
func (c *Coordinator) loadRecentMerges(ctx context.Context, projectID string) []string {
	entries, err := c.Store.LoadRecentEvents(ctx, projectID, "merge.completed", recentMergesWindow)
	if err != nil {
		c.Logger.Warn("failed to load recent merge events", "error", err)
		return nil
	}
	summaries := make([]string, 0, len(entries))
	for _, e := range entries {
		summaries = append(summaries, fmt.Sprintf("%s: %s", e.TaskID, e.Data))
	}
	return summaries
}

// finish handles the common success path: worktree cleanup, counters,
// events, and slot release.
func (c *Coordinator) finish(ctx context.Context, host Host, req Request) error {
	c.cleanupWorktree(ctx, req)

	if err := host.TransitionTask(ctx, req.TaskID, taskstore.TaskPatch{
		Status: statusPtr(taskstore.StatusClosed),
		Kanban: kanbanPtr(taskstore.ColumnDone),
	}, "merged"); err != nil {
		c.Logger.Warn("failed to transition task to done", "taskId", req.TaskID, "error", err)
	}

	c.recordMergeEvent(ctx, req, true)
	telemetry.TrackMerge(req.ProjectID, "success")
	telemetry.TrackTaskDone(req.ProjectID)

	if err := host.PersistCounters(ctx, req.ProjectID, 1, 0); err != nil {
		c.Logger.Warn("failed to persist counters", "error", err)
	}
	c.Bus.Publish(ctx, eventbus.TopicMergeCompleted, eventbus.MergeCompleted{TaskID: req.TaskID, Success: true})

	host.ReleaseSlot(req.TaskID)
	host.Nudge()
	return nil
}

// fail blocks the task rather than retrying it: merge conflicts are not
// in the Retry Engine's domain (§4.5 covers coding/review failures only),
// since a human needs to look at the repository state either way.
func (c *Coordinator) fail(ctx context.Context, host Host, req Request, reason string) error {
	if err := host.TransitionTask(ctx, req.TaskID, taskstore.TaskPatch{
		Kanban:      kanbanPtr(taskstore.ColumnBlocked),
		BlockReason: &reason,
	}, reason); err != nil {
		c.Logger.Warn("failed to transition task to blocked", "taskId", req.TaskID, "error", err)
	}

	c.recordMergeEvent(ctx, req, false)
	telemetry.TrackMerge(req.ProjectID, "failed")
	telemetry.TrackTaskFailed(req.ProjectID)

	if err := host.PersistCounters(ctx, req.ProjectID, 0, 1); err != nil {
		c.Logger.Warn("failed to persist counters", "error", err)
	}
	c.Bus.Publish(ctx, eventbus.TopicMergeCompleted, eventbus.MergeCompleted{TaskID: req.TaskID, Success: false})

	host.ReleaseSlot(req.TaskID)
	host.Nudge()
	return fmt.Errorf("merge: %s: %s", req.TaskID, reason)
}

func (c *Coordinator) cleanupWorktree(ctx context.Context, req Request) {
	if c.Git.Mode != gitworkspace.ModeWorktree {
		return
	}
	path := filepath.Join(c.Git.RepoPath, ".opensprint", "worktrees", req.TaskID)
	if err := c.Git.RemoveTaskWorktree(ctx, req.TaskID, path, req.Branch); err != nil {
		c.Logger.Warn("failed to remove task worktree", "taskId", req.TaskID, "error", err)
	}
}

func (c *Coordinator) recordMergeEvent(ctx context.Context, req Request, success bool) {
	data := fmt.Sprintf(`{"success":%t,"branch":%q,"summary":%q}`, success, req.Branch, req.Summary)
	err := c.Store.RecordEvent(ctx, taskstore.EventLogEntry{
		ProjectID: req.ProjectID,
		TaskID:    req.TaskID,
		Timestamp: time.Now(),
		Event:     "merge.completed",
		Data:      data,
	})
	if err != nil {
		c.Logger.Warn("failed to record merge.completed event", "error", err)
	}
}

func statusPtr(s taskstore.TaskStatus) *taskstore.TaskStatus { return &s }
func kanbanPtr(k taskstore.KanbanColumn) *taskstore.KanbanColumn { return &k }

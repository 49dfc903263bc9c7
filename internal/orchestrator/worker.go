package orchestrator

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"opensprint/internal/agentrunner"
	"opensprint/internal/contextassembler"
	"opensprint/internal/eventbus"
	"opensprint/internal/gitworkspace"
	"opensprint/internal/merge"
	"opensprint/internal/plan"
	"opensprint/internal/retry"
	"opensprint/internal/spawn"
	"opensprint/internal/taskstore"
	"opensprint/internal/telemetry"
)

func taskBranch(taskID string) string {
	return "opensprint/task/" + taskID
}

func complexityClass(c taskstore.Complexity) string {
	if c == taskstore.ComplexityComplex {
		return "complex"
	}
	return "simple"
}

// attemptState carries the feedback fields §6.2 threads from one attempt
// to the next.
type attemptState struct {
	attempt            int
	previousFailure    string
	previousTestOutput string
	reviewFeedback     string
	useExistingBranch  bool
}

// runTask drives one task through coding, optional review, and merge,
// retrying per the Retry Engine until it either merges or is blocked
// (§4.7 steps 4-7).
func (o *Orchestrator) runTask(ctx context.Context, task taskstore.Task) {
	if err := o.TransitionTask(ctx, task.ID, taskstore.TaskPatch{
		Status: statusPtr(taskstore.StatusInProgress),
		Kanban: kanbanPtr(taskstore.ColumnInProgress),
	}, "scheduled"); err != nil {
		o.Logger.Warn("orchestrator: failed to transition task to in_progress", "taskId", task.ID, "error", err)
	}

	branch := taskBranch(task.ID)
	state := attemptState{attempt: 1}
	var history []retry.Attempt

	for {
		if ctx.Err() != nil {
			o.recordCrashedAttempt(task.ID, state.attempt, branch)
			o.releaseSlot(task.ID)
			return
		}

		decision := o.Retry.Decide(complexityClass(task.Complexity), state.attempt, history)
		if decision.Blocked {
			o.blockTask(ctx, task, decision.BlockReason)
			return
		}
		if decision.Escalated {
			telemetry.TrackEscalation(o.ProjectID, decision.EscalatedFrom, decision.Model)
		}
		telemetry.TrackRetryAttempt(o.ProjectID)

		outcome, codingResult, testOutput := o.runCodingAttempt(ctx, task, branch, state, decision)
		if ctx.Err() != nil {
			o.recordCrashedAttempt(task.ID, state.attempt, branch)
			o.releaseSlot(task.ID)
			return
		}

		history = append(history, retry.Attempt{AttemptNumber: state.attempt, Outcome: outcome, Agent: decision.Agent, Model: decision.Model})

		// §4.7: a HIL event fires "when the agent's result declares
		// open_questions", regardless of the reported status -- a
		// "success" carrying open questions still needs a human answer
		// before the next attempt, not just a "failed" one.
		if agentrunner.HasBlockingOpenQuestions(codingResult) {
			o.blockOnHIL(ctx, task, codingResult)
			return
		}

		if outcome != taskstore.OutcomeSuccess {
			state.previousFailure = codingResult.Summary
			if state.previousFailure == "" {
				state.previousFailure = fmt.Sprintf("coding attempt failed with outcome %s", outcome)
			}
			state.previousTestOutput = testOutput
			state.useExistingBranch = true
			state.attempt++
			continue
		}

		if o.reviewRequired(state.attempt) {
			approved, reviewResult := o.runReviewAttempt(ctx, task, branch, state)
			if ctx.Err() != nil {
				o.recordCrashedAttempt(task.ID, state.attempt, branch)
				o.releaseSlot(task.ID)
				return
			}
			if !approved {
				history[len(history)-1] = retry.Attempt{AttemptNumber: state.attempt, Outcome: taskstore.OutcomeReviewRejection, Agent: decision.Agent, Model: decision.Model}
				state.reviewFeedback = strings.Join(reviewResult.Issues, "; ")
				if state.reviewFeedback == "" {
					state.reviewFeedback = reviewResult.Notes
				}
				state.useExistingBranch = true
				state.attempt++
				if err := o.TransitionTask(ctx, task.ID, taskstore.TaskPatch{Kanban: kanbanPtr(taskstore.ColumnInProgress)}, "review_rejected"); err != nil {
					o.Logger.Warn("orchestrator: failed to transition task back to in_progress", "taskId", task.ID, "error", err)
				}
				continue
			}
		}

		o.handMergeToCoordinator(ctx, task, branch, codingResult.Summary)
		return
	}
}

// reviewRequired applies §4.7 step 5's review-mode policy.
func (o *Orchestrator) reviewRequired(attempt int) bool {
	switch o.Config.ReviewMode {
	case "never":
		return false
	case "on-failure-only":
		return attempt > 1
	default:
		return true
	}
}

func (o *Orchestrator) workspaceDir(ctx context.Context, task taskstore.Task, branch string) (string, error) {
	if o.Git.Mode == gitworkspace.ModeWorktree {
		return o.Git.CreateTaskWorktree(ctx, task.ID, branch)
	}
	return o.Git.RepoPath, o.Git.CreateOrCheckoutBranch(ctx, o.Git.RepoPath, branch)
}

func (o *Orchestrator) dependencyRefs(ctx context.Context, taskID string) []contextassembler.DependencyRef {
	deps, err := o.Store.ListDependencies(ctx, taskID)
	if err != nil {
		o.Logger.Warn("orchestrator: failed to load dependencies", "taskId", taskID, "error", err)
		return nil
	}
	refs := make([]contextassembler.DependencyRef, 0, len(deps))
	for _, d := range deps {
		refs = append(refs, contextassembler.DependencyRef{TaskID: d.ID, Branch: taskBranch(d.ID)})
	}
	return refs
}

// runCodingAttempt assembles the coding workspace, spawns the agent,
// runs the configured test command, and returns the interpreted outcome
// (§4.4, §4.7 step 4).
func (o *Orchestrator) runCodingAttempt(ctx context.Context, task taskstore.Task, branch string, state attemptState, decision retry.Decision) (taskstore.AgentOutcome, agentrunner.CodingResult, string) {
	dir, err := o.workspaceDir(ctx, task, branch)
	if err != nil {
		o.Logger.Warn("orchestrator: failed to prepare workspace", "taskId", task.ID, "error", err)
		return taskstore.OutcomeCrash, agentrunner.CodingResult{}, ""
	}

	p, _ := plan.Load(o.Git.RepoPath, task.EpicID)

	activeDir, err := o.Assembler.Assemble(ctx, contextassembler.Input{
		TaskID:             task.ID,
		Phase:              contextassembler.PhaseCoding,
		Branch:             branch,
		RepoPath:           dir,
		TestCommand:        o.Config.TestCommand,
		UseExistingBranch:  state.useExistingBranch,
		HILConfig:          o.Config.HILConfig,
		Attempt:            state.attempt,
		PreviousFailure:    state.previousFailure,
		PreviousTestOutput: state.previousTestOutput,
		Title:              task.Title,
		Description:        task.Description,
		HILReply:           task.HILReply,
		AcceptanceCriteria: p.AcceptanceCriteria,
		PlanMarkdown:       p.Markdown,
		Dependencies:       o.dependencyRefs(ctx, task.ID),
	})
	if err != nil {
		o.Logger.Warn("orchestrator: failed to assemble coding context", "taskId", task.ID, "error", err)
		return taskstore.OutcomeCrash, agentrunner.CodingResult{}, ""
	}

	if task.HILReply != "" {
		cleared := ""
		if err := o.TransitionTask(ctx, task.ID, taskstore.TaskPatch{HILReply: &cleared}, "hil_reply_consumed"); err != nil {
			o.Logger.Warn("orchestrator: failed to clear consumed HIL reply", "taskId", task.ID, "error", err)
		}
	}

	startedAt := time.Now()
	o.Bus.Publish(ctx, eventbus.TopicAgentStarted, eventbus.AgentStarted{TaskID: task.ID, Role: "coder", Attempt: state.attempt, StartedAt: startedAt.Unix()})

	runResult := o.Spawner.Run(ctx, spawn.Request{
		TaskID:       task.ID,
		Command:      o.Config.AgentCommand,
		Args:         o.Config.AgentArgs,
		WorkspaceDir: activeDir,
		Timeout:      time.Duration(o.Config.CodingTimeoutSeconds) * time.Second,
		KillGrace:    time.Duration(o.Config.KillGraceSeconds) * time.Second,
		OutputCallback: func(line string) {
			o.Bus.Publish(ctx, eventbus.TopicAgentOutput, eventbus.AgentOutput{TaskID: task.ID, Chunk: line})
		},
	})
	if ctx.Err() != nil {
		return "", agentrunner.CodingResult{}, ""
	}

	testsRan, testsPassed, testOutput := o.runTestCommand(ctx, dir)
	outcome, result := agentrunner.DetermineCodingOutcome(runResult, activeDir, testsRan, testsPassed)

	telemetry.TrackAgentInvocation(o.ProjectID, "coding", string(outcome))
	telemetry.ObserveAgentDuration(o.ProjectID, "coding", time.Since(startedAt).Seconds())

	o.recordSession(task, state.attempt, "coder", decision.Model, branch, startedAt, outcome, result.Summary, testOutput)
	o.Bus.Publish(ctx, eventbus.TopicAgentCompleted, eventbus.AgentCompleted{TaskID: task.ID, Status: string(outcome), TestResults: testOutput})

	return outcome, result, testOutput
}

// runReviewAttempt stages the review workspace with the implementation
// diff and interprets the reviewer's verdict (§4.7 step 5-6).
func (o *Orchestrator) runReviewAttempt(ctx context.Context, task taskstore.Task, branch string, state attemptState) (bool, agentrunner.ReviewResult) {
	diff, err := o.Git.GetDiff(ctx, branch)
	if err != nil {
		o.Logger.Warn("orchestrator: failed to diff for review", "taskId", task.ID, "error", err)
	}

	p, _ := plan.Load(o.Git.RepoPath, task.EpicID)

	activeDir, err := o.Assembler.Assemble(ctx, contextassembler.Input{
		TaskID:             task.ID,
		Phase:              contextassembler.PhaseReview,
		Branch:             branch,
		RepoPath:           o.Git.RepoPath,
		TestCommand:        o.Config.TestCommand,
		HILConfig:          o.Config.HILConfig,
		Attempt:            state.attempt,
		Title:              task.Title,
		Description:        task.Description,
		AcceptanceCriteria: p.AcceptanceCriteria,
		PlanMarkdown:       p.Markdown,
		Dependencies:       o.dependencyRefs(ctx, task.ID),
		ImplementationDiff: diff,
	})
	if err != nil {
		o.Logger.Warn("orchestrator: failed to assemble review context", "taskId", task.ID, "error", err)
		return false, agentrunner.ReviewResult{Status: "rejected", Summary: "internal error assembling review context"}
	}

	if err := o.TransitionTask(ctx, task.ID, taskstore.TaskPatch{Kanban: kanbanPtr(taskstore.ColumnInReview)}, "coding_passed"); err != nil {
		o.Logger.Warn("orchestrator: failed to transition task to in_review", "taskId", task.ID, "error", err)
	}

	startedAt := time.Now()
	o.Bus.Publish(ctx, eventbus.TopicAgentStarted, eventbus.AgentStarted{TaskID: task.ID, Role: "reviewer", Attempt: state.attempt, StartedAt: startedAt.Unix()})

	runResult := o.Spawner.Run(ctx, spawn.Request{
		TaskID:       task.ID,
		Command:      o.Config.AgentCommand,
		Args:         o.Config.AgentArgs,
		WorkspaceDir: activeDir,
		Timeout:      time.Duration(o.Config.ReviewTimeoutSeconds) * time.Second,
		KillGrace:    time.Duration(o.Config.KillGraceSeconds) * time.Second,
		OutputCallback: func(line string) {
			o.Bus.Publish(ctx, eventbus.TopicAgentOutput, eventbus.AgentOutput{TaskID: task.ID, Chunk: line})
		},
	})
	if ctx.Err() != nil {
		return false, agentrunner.ReviewResult{}
	}

	outcome, result := agentrunner.DetermineReviewOutcome(runResult, activeDir)
	telemetry.TrackAgentInvocation(o.ProjectID, "review", string(outcome))
	telemetry.ObserveAgentDuration(o.ProjectID, "review", time.Since(startedAt).Seconds())

	o.recordSession(task, state.attempt, "reviewer", "", branch, startedAt, outcome, result.Summary, "")
	o.Bus.Publish(ctx, eventbus.TopicAgentCompleted, eventbus.AgentCompleted{TaskID: task.ID, Status: string(outcome)})

	return outcome == taskstore.OutcomeSuccess, result
}

// runTestCommand runs the project's configured test command in dir,
// independent of whatever the agent itself may have run, so a coding
// agent's self-reported success can never outrank a failing test suite
// (§8: "coding succeeds but tests fail -> outcome test_failure").
func (o *Orchestrator) runTestCommand(ctx context.Context, dir string) (ran bool, passed bool, output string) {
	if o.Config.TestCommand == "" {
		return false, false, ""
	}
	cmd := exec.CommandContext(ctx, "/bin/bash", "-c", o.Config.TestCommand)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return true, err == nil, string(out)
}

func (o *Orchestrator) recordSession(task taskstore.Task, attempt int, agentType, model, branch string, startedAt time.Time, outcome taskstore.AgentOutcome, summary, testResults string) {
	completedAt := time.Now()
	status := taskstore.SessionApproved
	switch outcome {
	case taskstore.OutcomeSuccess:
		status = taskstore.SessionApproved
	case taskstore.OutcomeReviewRejection:
		status = taskstore.SessionRejected
	case taskstore.OutcomeCrash, taskstore.OutcomeTimeout:
		status = taskstore.SessionCrashed
	default:
		status = taskstore.SessionFailed
	}

	diff, _ := o.Git.GetDiff(context.Background(), branch)
	session := taskstore.Session{
		TaskID:        task.ID,
		Attempt:       attempt,
		AgentType:     agentType,
		Model:         model,
		StartedAt:     startedAt,
		CompletedAt:   &completedAt,
		Status:        status,
		GitBranch:     branch,
		GitDiff:       diff,
		TestResults:   testResults,
		FailureReason: summary,
		Summary:       summary,
	}
	if err := o.Store.RecordSession(context.Background(), session); err != nil {
		o.Logger.Warn("orchestrator: failed to record session", "taskId", task.ID, "error", err)
	}

	stat := taskstore.AgentStat{
		ProjectID:   o.ProjectID,
		TaskID:      task.ID,
		AgentID:     agentType,
		Model:       model,
		Attempt:     attempt,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Outcome:     outcome,
		DurationMS:  completedAt.Sub(startedAt).Milliseconds(),
	}
	if err := o.Store.RecordStat(context.Background(), stat); err != nil {
		o.Logger.Warn("orchestrator: failed to record agent stat", "taskId", task.ID, "error", err)
	}
}

func (o *Orchestrator) recordCrashedAttempt(taskID string, attempt int, branch string) {
	now := time.Now()
	session := taskstore.Session{
		TaskID:      taskID,
		Attempt:     attempt,
		StartedAt:   now,
		CompletedAt: &now,
		Status:      taskstore.SessionCrashed,
		GitBranch:   branch,
		Summary:     "orchestrator shutdown cancelled this attempt",
	}
	if err := o.Store.RecordSession(context.Background(), session); err != nil {
		o.Logger.Warn("orchestrator: failed to record crashed session on shutdown", "taskId", taskID, "error", err)
	}
}

// blockTask marks a task blocked (retry exhaustion, §4.5/§4.7) and
// releases its slot.
func (o *Orchestrator) blockTask(ctx context.Context, task taskstore.Task, reason string) {
	if err := o.TransitionTask(ctx, task.ID, taskstore.TaskPatch{
		Kanban:      kanbanPtr(taskstore.ColumnBlocked),
		BlockReason: &reason,
	}, reason); err != nil {
		o.Logger.Warn("orchestrator: failed to block task", "taskId", task.ID, "error", err)
	}
	telemetry.TrackTaskFailed(o.ProjectID)
	if err := o.PersistCounters(ctx, o.ProjectID, 0, 1); err != nil {
		o.Logger.Warn("orchestrator: failed to persist counters", "error", err)
	}
	o.releaseSlot(task.ID)
}

// blockOnHIL marks a task blocked awaiting a human reply rather than
// retrying it (§4.7's HIL integration).
func (o *Orchestrator) blockOnHIL(ctx context.Context, task taskstore.Task, result agentrunner.CodingResult) {
	reason := "awaiting_clarification"
	if err := o.TransitionTask(ctx, task.ID, taskstore.TaskPatch{
		Kanban:      kanbanPtr(taskstore.ColumnBlocked),
		BlockReason: &reason,
	}, reason); err != nil {
		o.Logger.Warn("orchestrator: failed to block task on HIL", "taskId", task.ID, "error", err)
	}

	for _, q := range result.OpenQuestions {
		telemetry.TrackHILRequest(o.ProjectID, "requires_clarification")
		o.Bus.Publish(ctx, eventbus.TopicHILRequest, eventbus.HILRequest{
			RequestID:   uuid.NewString(),
			Category:    "requires_clarification",
			Description: q.Text,
			Blocking:    true,
		})
	}
	o.releaseSlot(task.ID)
}

// handMergeToCoordinator implements §4.7 step 7: once coding (and any
// required review) has passed, the slot is handed to the Merge
// Coordinator, which reports back through the Host interface this
// Orchestrator implements.
func (o *Orchestrator) handMergeToCoordinator(ctx context.Context, task taskstore.Task, branch, summary string) {
	err := o.Merge.Complete(ctx, o, merge.Request{
		ProjectID: o.ProjectID,
		TaskID:    task.ID,
		Branch:    branch,
		Summary:   summary,
	})
	if err != nil {
		o.Logger.Warn("orchestrator: merge did not complete cleanly", "taskId", task.ID, "error", err)
	}
}

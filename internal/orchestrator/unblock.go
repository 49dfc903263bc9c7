package orchestrator

import (
	"context"
	"fmt"

	"opensprint/internal/taskstore"
)

// Unblock implements §4.7's HIL integration: a human-supplied reply moves a
// blocked task back to ready and is injected into the next coding attempt's
// prompt (contextassembler's hilReplySection). A fresh runTask call always
// starts attempt 1 with empty history (history lives only on the stack of
// the scheduling goroutine, §4.5), so returning a task to ready inherently
// resets its escalation ladder -- there is no separate attempt counter to
// reset.
func (o *Orchestrator) Unblock(ctx context.Context, taskID, reply string) error {
	task, err := o.Store.Show(ctx, taskID)
	if err != nil {
		return fmt.Errorf("orchestrator: unblock %s: %w", taskID, err)
	}
	if task.Kanban != taskstore.ColumnBlocked {
		return fmt.Errorf("orchestrator: unblock %s: task is not blocked (kanban=%s)", taskID, task.Kanban)
	}

	clearedReason := ""
	if err := o.TransitionTask(ctx, taskID, taskstore.TaskPatch{
		Status:      statusPtr(taskstore.StatusOpen),
		Kanban:      kanbanPtr(taskstore.ColumnReady),
		BlockReason: &clearedReason,
		HILReply:    &reply,
	}, "unblocked"); err != nil {
		return fmt.Errorf("orchestrator: unblock %s: %w", taskID, err)
	}

	o.Nudge()
	return nil
}

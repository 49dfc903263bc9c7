package notify

import (
	"context"
	"fmt"
	"log/slog"

	"opensprint/internal/eventbus"
)

// Bridge subscribes Manager to the Event Bus so that HIL requests and
// merge/task outcomes reach Slack/Discord without any caller elsewhere in
// the core needing to know a notifier exists (§2.8, §4.8, §6.4). This
// replaces the teacher's call-site-threaded notifications (every session
// step in internal/runner called manager.Notify directly); here the
// Manager only ever reacts to events it subscribed to.
type Bridge struct {
	manager *Manager
	bus     *eventbus.Bus
	logger  *slog.Logger
}

// NewBridge wires manager to bus. Call Start to begin consuming; the
// returned Bridge owns no goroutines until Start runs.
func NewBridge(manager *Manager, bus *eventbus.Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{manager: manager, bus: bus, logger: logger}
}

// Start launches the manager's background work (currently a no-op; neither
// provider needs one) and one goroutine per subscribed topic. It returns
// once subscriptions are registered; consumption continues until ctx is done.
func (b *Bridge) Start(ctx context.Context) {
	b.manager.Start(ctx)

	go b.consume(ctx, b.bus.Subscribe(eventbus.TopicHILRequest), func(payload any) {
		evt, ok := payload.(eventbus.HILRequest)
		if !ok {
			return
		}
		msg := fmt.Sprintf(":warning: Task needs input (%s): %s", evt.Category, evt.Description)
		if err := b.manager.Notify(ctx, EventUserInteraction, msg); err != nil {
			b.logger.Warn("notify: failed to send hil.request notification", "requestId", evt.RequestID, "error", err)
		}
	})

	go b.consume(ctx, b.bus.Subscribe(eventbus.TopicMergeCompleted), func(payload any) {
		evt, ok := payload.(eventbus.MergeCompleted)
		if !ok {
			return
		}
		eventType := EventSuccess
		msg := fmt.Sprintf(":white_check_mark: Task %s merged to main", evt.TaskID)
		if !evt.Success {
			eventType = EventFailure
			msg = fmt.Sprintf(":x: Task %s failed to merge", evt.TaskID)
		}
		if err := b.manager.Notify(ctx, eventType, msg); err != nil {
			b.logger.Warn("notify: failed to send merge.completed notification", "taskId", evt.TaskID, "error", err)
		}
	})

	go b.consume(ctx, b.bus.Subscribe(eventbus.TopicTaskUpdated), func(payload any) {
		evt, ok := payload.(eventbus.TaskUpdated)
		if !ok || evt.BlockReason == "" {
			return
		}
		msg := fmt.Sprintf(":no_entry_sign: Task %s blocked: %s", evt.TaskID, evt.BlockReason)
		if err := b.manager.Notify(ctx, EventFailure, msg); err != nil {
			b.logger.Warn("notify: failed to send task.updated notification", "taskId", evt.TaskID, "error", err)
		}
	})
}

// consume takes a subscription Start already registered; the arguments of
// each go statement there are evaluated before Start moves on.
func (b *Bridge) consume(ctx context.Context, sub *eventbus.Subscription, handle func(payload any)) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			handle(evt.Payload)
		}
	}
}

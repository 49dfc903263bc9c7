package notify

import (
	"context"
	"testing"
	"time"

	"opensprint/internal/eventbus"
)

func TestBridge_ConsumesHILRequestWithoutProviders(t *testing.T) {
	bus := eventbus.New(nil, 8)
	manager := NewManager(nil)
	bridge := NewBridge(manager, bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bridge.Start(ctx)

	// No Slack/Discord configured: Manager.Notify is a no-op, so this
	// only verifies the subscription goroutine drains the topic without
	// blocking the publisher or panicking on the type assertion.
	bus.Publish(ctx, eventbus.TopicHILRequest, eventbus.HILRequest{
		RequestID:   "req-1",
		Category:    "requires_clarification",
		Description: "which library?",
		Blocking:    true,
	})
	bus.Publish(ctx, eventbus.TopicMergeCompleted, eventbus.MergeCompleted{TaskID: "T1", Success: true})
	bus.Publish(ctx, eventbus.TopicTaskUpdated, eventbus.TaskUpdated{TaskID: "T1", BlockReason: "awaiting_clarification"})

	time.Sleep(20 * time.Millisecond)
}

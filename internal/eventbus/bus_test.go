package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := New(nil, 0)
	sub := bus.Subscribe(TopicTaskUpdated)
	defer sub.Unsubscribe()

	bus.Publish(context.Background(), TopicTaskUpdated, TaskUpdated{TaskID: "T1", Status: "in_progress"})

	select {
	case evt := <-sub.C():
		payload, ok := evt.Payload.(TaskUpdated)
		if !ok || payload.TaskID != "T1" {
			t.Fatalf("unexpected payload: %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublish_DropsOnFullBuffer(t *testing.T) {
	bus := New(nil, 1)
	sub := bus.Subscribe(TopicAgentOutput)
	defer sub.Unsubscribe()

	bus.Publish(context.Background(), TopicAgentOutput, AgentOutput{TaskID: "T1", Chunk: "a"})
	bus.Publish(context.Background(), TopicAgentOutput, AgentOutput{TaskID: "T1", Chunk: "b"}) // buffer full, dropped

	first := <-sub.C()
	if first.Payload.(AgentOutput).Chunk != "a" {
		t.Fatalf("expected first chunk to survive, got %+v", first.Payload)
	}
	select {
	case extra := <-sub.C():
		t.Fatalf("expected second chunk to be dropped, got %+v", extra.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	bus := New(nil, 4)
	sub := bus.Subscribe(TopicMergeCompleted)
	sub.Unsubscribe()

	bus.Publish(context.Background(), TopicMergeCompleted, MergeCompleted{TaskID: "T1", Success: true})

	if _, open := <-sub.C(); open {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestCloseAll(t *testing.T) {
	bus := New(nil, 4)
	sub1 := bus.Subscribe(TopicTaskUpdated)
	sub2 := bus.Subscribe(TopicHILRequest)

	bus.CloseAll()

	if _, open := <-sub1.C(); open {
		t.Fatal("expected sub1 channel closed")
	}
	if _, open := <-sub2.C(); open {
		t.Fatal("expected sub2 channel closed")
	}
}

// Package eventbus is the core's in-process pub/sub fan-out (§2.8, §4.8).
// It has no external dependency: the teacher's socketmode reader in
// internal/notify/socket_handler.go shows the same bounded-channel,
// drop-rather-than-block shape for a different, I/O-bound source.
package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"opensprint/internal/telemetry"
)

const defaultSubscriberBuffer = 64

// Subscription is a bounded channel of events for one topic. Slow
// consumers are dropped rather than allowed to block producers.
type Subscription struct {
	ch     chan Event
	topic  Topic
	bus    *Bus
	id     uint64
	closed bool
	mu     sync.Mutex
}

// C returns the channel to range over.
func (s *Subscription) C() <-chan Event { return s.ch }

// Unsubscribe removes the subscription from the bus and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.topic, s.id)
}

// Bus is the process-wide event fan-out. All methods are safe for
// concurrent use.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic]map[uint64]*Subscription
	nextID      uint64
	bufferSize  int
	logger      *slog.Logger
}

// New constructs an empty Bus. bufferSize <= 0 uses the default.
func New(logger *slog.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	return &Bus{
		subscribers: make(map[Topic]map[uint64]*Subscription),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe registers a new bounded-channel subscriber for topic.
func (b *Bus) Subscribe(topic Topic) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		ch:    make(chan Event, b.bufferSize),
		topic: topic,
		bus:   b,
		id:    b.nextID,
	}
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[uint64]*Subscription)
	}
	b.subscribers[topic][sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[topic]; ok {
		if sub, ok := subs[id]; ok {
			sub.mu.Lock()
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
			sub.mu.Unlock()
			delete(subs, id)
		}
	}
}

// Publish fans payload out to every subscriber of topic. A subscriber whose
// buffer is full is skipped and the drop is logged and counted, rather than
// blocking the publisher (§4.8, §9's backpressure redesign note).
func (b *Bus) Publish(ctx context.Context, topic Topic, payload any) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subscribers[topic]))
	for _, sub := range b.subscribers[topic] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	evt := Event{Topic: topic, Payload: payload}
	for _, sub := range subs {
		select {
		case sub.ch <- evt:
		default:
			telemetry.TrackEventDropped(string(topic))
			if b.logger != nil {
				b.logger.Warn("eventbus: dropping event for slow subscriber", "topic", topic)
			}
		}
	}
}

// CloseAll unsubscribes and closes every subscriber channel. Called on
// orchestrator shutdown.
func (b *Bus) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.subscribers {
		for id, sub := range subs {
			sub.mu.Lock()
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
			sub.mu.Unlock()
			delete(subs, id)
		}
		delete(b.subscribers, topic)
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/mailbox/provider"
	"github.com/absmach/mailbox/queue"
	"github.com/absmach/mailbox/types"
	"github.com/benbjohnson/clock"
)

// Handle identifies a listener registered on a Bus.
type Handle struct {
	topic string
	id    uint64
}

// Topic returns the canonical topic the listener is attached to.
func (h Handle) Topic() string {
	return h.topic
}

type listener struct {
	id      uint64
	deliver provider.DeliverFunc
}

// TopicStatus is a snapshot of one topic on the bus.
type TopicStatus struct {
	queue.Stats
	SubscriberCount int
	LastActivity    time.Time
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithQueue makes the bus store pending messages in q.
func WithQueue(q *queue.Queue) BusOption {
	return func(b *Bus) {
		if q != nil {
			b.queue = q
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithClock sets the clock used for activity timestamps.
func WithClock(c clock.Clock) BusOption {
	return func(b *Bus) {
		if c != nil {
			b.clock = c
		}
	}
}

// Bus connects in-process publishers with push listeners and pull
// consumers over one topic space. Every published message goes through
// the queue, so a push delivery is only removed once it is acknowledged.
type Bus struct {
	queue  *queue.Queue
	logger *slog.Logger
	clock  clock.Clock

	mu        sync.RWMutex
	listeners map[string][]listener
	activity  map[string]time.Time
	nextID    uint64
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		logger:    slog.Default(),
		clock:     clock.New(),
		listeners: make(map[string][]listener),
		activity:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.queue == nil {
		b.queue = queue.New(queue.WithClock(b.clock))
	}
	return b
}

// Queue returns the queue backing the bus.
func (b *Bus) Queue() *queue.Queue {
	return b.queue
}

// Publish enqueues msg on topic and, if the topic has listeners, runs a
// dispatch round. Without listeners the message waits for a fetch.
func (b *Bus) Publish(ctx context.Context, topic string, msg *types.Message, ackTimeout time.Duration) {
	b.touch(topic)
	b.queue.Enqueue(topic, msg)
	b.Dispatch(ctx, topic, ackTimeout)
}

// Subscribe attaches deliver to topic and dispatches any backlog to it.
func (b *Bus) Subscribe(ctx context.Context, topic string, deliver provider.DeliverFunc, ackTimeout time.Duration) Handle {
	b.mu.Lock()
	b.nextID++
	h := Handle{topic: topic, id: b.nextID}
	b.listeners[topic] = append(b.listeners[topic], listener{id: h.id, deliver: deliver})
	b.activity[topic] = b.clock.Now()
	b.mu.Unlock()

	b.logger.Debug("bus listener added", slog.String("topic", topic), slog.Uint64("listener", h.id))

	b.Dispatch(ctx, topic, ackTimeout)
	return h
}

// Unsubscribe detaches the listener behind h. Unknown handles are ignored.
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ls := b.listeners[h.topic]
	for i, l := range ls {
		if l.id != h.id {
			continue
		}
		ls = append(ls[:i:i], ls[i+1:]...)
		if len(ls) == 0 {
			delete(b.listeners, h.topic)
		} else {
			b.listeners[h.topic] = ls
		}
		return
	}
}

// Dispatch runs one delivery round on topic. It takes at most as many
// messages as were pending when it started and hands each one to every
// listener in registration order. The first settlement of a message wins.
// A message that comes back to the head of the topic ends the round, so
// it is tried again on the next round rather than in a loop.
func (b *Bus) Dispatch(ctx context.Context, topic string, ackTimeout time.Duration) int {
	ls := b.snapshot(topic)
	if len(ls) == 0 {
		return 0
	}

	opts := queue.DequeueOptions{ManualAck: true, AckTimeout: ackTimeout}
	budget := b.queue.Status(topic).UnreadCount
	seen := make(map[string]struct{}, budget)
	delivered := 0

	for i := 0; i < budget; i++ {
		if ctx.Err() != nil {
			break
		}
		d, ok := b.queue.Dequeue(topic, opts)
		if !ok {
			break
		}
		if _, dup := seen[d.ID]; dup {
			b.queue.Nack(d.ID, topic, true)
			break
		}
		seen[d.ID] = struct{}{}

		for _, l := range ls {
			l.deliver(ctx, d.Message)
		}
		delivered++
	}

	if delivered > 0 {
		b.logger.Debug("bus dispatch round finished",
			slog.String("topic", topic),
			slog.Int("delivered", delivered),
			slog.Int("listeners", len(ls)))
	}
	return delivered
}

// Fetch dequeues the head of topic for a pull consumer.
func (b *Bus) Fetch(topic string, opts queue.DequeueOptions) (*types.Delivery, bool) {
	d, ok := b.queue.Dequeue(topic, opts)
	if ok {
		b.touch(topic)
	}
	return d, ok
}

// Status reports queue counters, listener count and last activity for topic.
func (b *Bus) Status(topic string) TopicStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return TopicStatus{
		Stats:           b.queue.Status(topic),
		SubscriberCount: len(b.listeners[topic]),
		LastActivity:    b.activity[topic],
	}
}

func (b *Bus) snapshot(topic string) []listener {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ls := b.listeners[topic]
	if len(ls) == 0 {
		return nil
	}
	out := make([]listener, len(ls))
	copy(out, ls)
	return out
}

func (b *Bus) touch(topic string) {
	b.mu.Lock()
	b.activity[topic] = b.clock.Now()
	b.mu.Unlock()
}

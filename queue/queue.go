// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the topic-partitioned reliable queue shared by
// every mailbox provider: FIFO pending sequences per topic, an in-flight
// table for manually acknowledged messages, and lazy stale recovery.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/absmach/mailbox/types"
	"github.com/benbjohnson/clock"
)

// DequeueOptions controls acknowledgement for a single dequeue.
type DequeueOptions struct {
	// ManualAck moves the message in-flight until it is acked or nacked.
	ManualAck bool
	// AckTimeout, when positive and ManualAck is set, requeues in-flight
	// messages of the same topic older than the timeout before dequeuing.
	AckTimeout time.Duration
}

// Stats is a point-in-time view of one topic.
type Stats struct {
	// UnreadCount is the number of pending messages. In-flight messages are not unread.
	UnreadCount   int
	InFlightCount int
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used to timestamp in-flight records.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) {
		if c != nil {
			q.clock = c
		}
	}
}

type inflight struct {
	msg        *types.Message
	topic      string
	acquiredAt time.Time
	seq        uint64
}

// Queue is safe for concurrent use. A message id is either pending on one
// topic or in-flight, never both.
type Queue struct {
	mu       sync.Mutex
	pending  map[string][]*types.Message
	inflight map[string]*inflight
	seq      uint64
	clock    clock.Clock
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		pending:  make(map[string][]*types.Message),
		inflight: make(map[string]*inflight),
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends msg to the tail of topic.
func (q *Queue) Enqueue(topic string, msg *types.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending[topic] = append(q.pending[topic], msg)
}

// Dequeue removes the head of topic. The second result is false when the
// topic has nothing pending.
//
// Without ManualAck the caller owns the message and the returned delivery's
// Ack/Nack do nothing. With ManualAck the message stays in-flight until the
// delivery is settled.
func (q *Queue) Dequeue(topic string, opts DequeueOptions) (*types.Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if opts.ManualAck && opts.AckTimeout > 0 {
		q.recoverStale(topic, opts.AckTimeout)
	}

	msgs := q.pending[topic]
	if len(msgs) == 0 {
		return nil, false
	}

	msg := msgs[0]
	msgs[0] = nil
	if len(msgs) == 1 {
		delete(q.pending, topic)
	} else {
		q.pending[topic] = msgs[1:]
	}

	if !opts.ManualAck {
		return types.NewDelivery(msg, nil), true
	}

	q.seq++
	q.inflight[msg.ID] = &inflight{
		msg:        msg,
		topic:      topic,
		acquiredAt: q.clock.Now(),
		seq:        q.seq,
	}

	return types.NewDelivery(msg, &acker{q: q, id: msg.ID, topic: topic}), true
}

// Ack drops the in-flight record for id. Unknown ids are ignored.
func (q *Queue) Ack(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, id)
}

// Nack drops the in-flight record for id and, if requeue is set, puts the
// message back at the front of the topic it was dequeued from. Unknown ids
// are ignored.
func (q *Queue) Nack(id, topic string, requeue bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.inflight[id]
	if !ok {
		return
	}
	delete(q.inflight, id)

	if requeue {
		if rec.topic != "" {
			topic = rec.topic
		}
		q.pushFront(topic, rec.msg)
	}
}

// Status reports pending and in-flight counts for topic.
func (q *Queue) Status(topic string) Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{UnreadCount: len(q.pending[topic])}
	for _, rec := range q.inflight {
		if rec.topic == topic {
			stats.InFlightCount++
		}
	}
	return stats
}

// RecoverStale requeues in-flight messages of topic whose age exceeds
// timeout and returns how many were recovered. Other topics are untouched.
func (q *Queue) RecoverStale(topic string, timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	return q.recoverStale(topic, timeout)
}

// Topics returns the topics that currently hold pending or in-flight messages.
func (q *Queue) Topics() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[string]struct{}, len(q.pending))
	for topic := range q.pending {
		seen[topic] = struct{}{}
	}
	for _, rec := range q.inflight {
		seen[rec.topic] = struct{}{}
	}

	topics := make([]string, 0, len(seen))
	for topic := range seen {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

func (q *Queue) recoverStale(topic string, timeout time.Duration) int {
	now := q.clock.Now()

	var stale []*inflight
	for id, rec := range q.inflight {
		if rec.topic == topic && now.Sub(rec.acquiredAt) > timeout {
			stale = append(stale, rec)
			delete(q.inflight, id)
		}
	}
	if len(stale) == 0 {
		return 0
	}

	// Oldest dequeue ends up at the head.
	sort.Slice(stale, func(i, j int) bool { return stale[i].seq > stale[j].seq })
	for _, rec := range stale {
		q.pushFront(topic, rec.msg)
	}
	return len(stale)
}

func (q *Queue) pushFront(topic string, msg *types.Message) {
	msgs := q.pending[topic]
	msgs = append(msgs, nil)
	copy(msgs[1:], msgs)
	msgs[0] = msg
	q.pending[topic] = msgs
}

type acker struct {
	q     *Queue
	id    string
	topic string
}

func (a *acker) Ack(context.Context) error {
	a.q.Ack(a.id)
	return nil
}

func (a *acker) Nack(_ context.Context, requeue bool) error {
	a.q.Nack(a.id, a.topic, requeue)
	return nil
}

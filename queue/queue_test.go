// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mailbox/types"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id string) *types.Message {
	return &types.Message{ID: id, Body: id}
}

func manual(timeout time.Duration) DequeueOptions {
	return DequeueOptions{ManualAck: true, AckTimeout: timeout}
}

func drain(t *testing.T, q *Queue, topic string) []string {
	t.Helper()
	var ids []string
	for {
		d, ok := q.Dequeue(topic, DequeueOptions{})
		if !ok {
			return ids
		}
		ids = append(ids, d.ID)
	}
}

func TestQueue_FIFO(t *testing.T) {
	q := New()
	q.Enqueue("a", msg("m1"))
	q.Enqueue("a", msg("m2"))
	q.Enqueue("a", msg("m3"))

	assert.Equal(t, []string{"m1", "m2", "m3"}, drain(t, q, "a"))
}

func TestQueue_DequeueEmpty(t *testing.T) {
	q := New()

	d, ok := q.Dequeue("missing", DequeueOptions{})
	assert.False(t, ok)
	assert.Nil(t, d)

	d, ok = q.Dequeue("missing", manual(time.Second))
	assert.False(t, ok)
	assert.Nil(t, d)
}

func TestQueue_TopicsAreIndependent(t *testing.T) {
	q := New()
	q.Enqueue("a", msg("a1"))
	q.Enqueue("b", msg("b1"))
	q.Enqueue("a", msg("a2"))

	assert.Equal(t, []string{"b1"}, drain(t, q, "b"))
	assert.Equal(t, []string{"a1", "a2"}, drain(t, q, "a"))
}

func TestQueue_AutoAckCreatesNoInflight(t *testing.T) {
	q := New()
	q.Enqueue("a", msg("m1"))

	d, ok := q.Dequeue("a", DequeueOptions{})
	require.True(t, ok)
	assert.False(t, d.Manual())
	assert.NoError(t, d.Ack(context.Background()))
	assert.NoError(t, d.Nack(context.Background(), true))

	assert.Equal(t, Stats{}, q.Status("a"))
	_, ok = q.Dequeue("a", DequeueOptions{})
	assert.False(t, ok)
}

func TestQueue_AtMostOneInflight(t *testing.T) {
	q := New()
	q.Enqueue("a", msg("m1"))

	d, ok := q.Dequeue("a", manual(0))
	require.True(t, ok)
	assert.True(t, d.Manual())

	_, ok = q.Dequeue("a", manual(0))
	assert.False(t, ok)
	assert.Equal(t, Stats{UnreadCount: 0, InFlightCount: 1}, q.Status("a"))
}

func TestQueue_AckIsTerminal(t *testing.T) {
	mock := clock.NewMock()
	q := New(WithClock(mock))
	q.Enqueue("a", msg("m1"))

	d, ok := q.Dequeue("a", manual(time.Second))
	require.True(t, ok)
	require.NoError(t, d.Ack(context.Background()))

	mock.Add(time.Hour)
	_, ok = q.Dequeue("a", manual(time.Second))
	assert.False(t, ok)
	assert.Equal(t, 0, q.RecoverStale("a", time.Millisecond))
	assert.Equal(t, Stats{}, q.Status("a"))
}

func TestQueue_NackDiscard(t *testing.T) {
	q := New()
	q.Enqueue("a", msg("m1"))

	d, ok := q.Dequeue("a", manual(0))
	require.True(t, ok)
	require.NoError(t, d.Nack(context.Background(), false))

	_, ok = q.Dequeue("a", manual(0))
	assert.False(t, ok)
	assert.Equal(t, Stats{}, q.Status("a"))
}

func TestQueue_NackRequeue(t *testing.T) {
	q := New()
	q.Enqueue("a", msg("m1"))

	d, ok := q.Dequeue("a", manual(0))
	require.True(t, ok)
	require.NoError(t, d.Nack(context.Background(), true))

	again, ok := q.Dequeue("a", manual(0))
	require.True(t, ok)
	assert.Equal(t, "m1", again.ID)
}

func TestQueue_RequeueOrdering(t *testing.T) {
	q := New()
	q.Enqueue("a", msg("m1"))
	q.Enqueue("a", msg("m2"))

	d, ok := q.Dequeue("a", manual(0))
	require.True(t, ok)
	require.Equal(t, "m1", d.ID)

	q.Enqueue("a", msg("m3"))
	q.Nack("m1", "a", true)

	assert.Equal(t, []string{"m1", "m2", "m3"}, drain(t, q, "a"))
}

func TestQueue_AckNackUnknownIsNoop(t *testing.T) {
	q := New()
	q.Enqueue("a", msg("m1"))

	q.Ack("nope")
	q.Nack("nope", "a", true)

	assert.Equal(t, Stats{UnreadCount: 1}, q.Status("a"))
}

func TestQueue_DoubleSettleIsNoop(t *testing.T) {
	q := New()
	q.Enqueue("a", msg("m1"))

	d, ok := q.Dequeue("a", manual(0))
	require.True(t, ok)
	require.NoError(t, d.Nack(context.Background(), true))
	// Already settled: must not requeue a second copy.
	require.NoError(t, d.Nack(context.Background(), true))
	require.NoError(t, d.Ack(context.Background()))

	assert.Equal(t, []string{"m1"}, drain(t, q, "a"))
}

func TestQueue_StatusExcludesInflight(t *testing.T) {
	q := New()
	q.Enqueue("a", msg("m1"))
	q.Enqueue("a", msg("m2"))

	_, ok := q.Dequeue("a", manual(0))
	require.True(t, ok)

	st := q.Status("a")
	assert.Equal(t, 1, st.UnreadCount)
	assert.Equal(t, 1, st.InFlightCount)
}

func TestQueue_StaleRecovery(t *testing.T) {
	mock := clock.NewMock()
	q := New(WithClock(mock))
	q.Enqueue("a", msg("m1"))
	q.Enqueue("a", msg("m2"))

	d, ok := q.Dequeue("a", manual(time.Second))
	require.True(t, ok)
	require.Equal(t, "m1", d.ID)

	// Not stale yet.
	mock.Add(500 * time.Millisecond)
	d2, ok := q.Dequeue("a", manual(time.Second))
	require.True(t, ok)
	assert.Equal(t, "m2", d2.ID)

	mock.Add(600 * time.Millisecond)
	// m1 is now 1.1s old, m2 is 0.6s old.
	d3, ok := q.Dequeue("a", manual(time.Second))
	require.True(t, ok)
	assert.Equal(t, "m1", d3.ID)

	_, ok = q.Dequeue("a", manual(time.Second))
	assert.False(t, ok)
}

func TestQueue_StaleRecoveryIsTopicScoped(t *testing.T) {
	mock := clock.NewMock()
	q := New(WithClock(mock))
	q.Enqueue("a", msg("a1"))
	q.Enqueue("b", msg("b1"))

	_, ok := q.Dequeue("a", manual(time.Second))
	require.True(t, ok)
	_, ok = q.Dequeue("b", manual(time.Second))
	require.True(t, ok)

	mock.Add(2 * time.Second)

	d, ok := q.Dequeue("b", manual(time.Second))
	require.True(t, ok)
	assert.Equal(t, "b1", d.ID)

	// Topic a still has its message stranded in-flight.
	assert.Equal(t, Stats{InFlightCount: 1}, q.Status("a"))

	d, ok = q.Dequeue("a", manual(time.Second))
	require.True(t, ok)
	assert.Equal(t, "a1", d.ID)
}

func TestQueue_StaleRecoveryNeedsTimeout(t *testing.T) {
	mock := clock.NewMock()
	q := New(WithClock(mock))
	q.Enqueue("a", msg("m1"))

	_, ok := q.Dequeue("a", manual(0))
	require.True(t, ok)

	mock.Add(24 * time.Hour)
	_, ok = q.Dequeue("a", manual(0))
	assert.False(t, ok)
	_, ok = q.Dequeue("a", DequeueOptions{AckTimeout: time.Second})
	assert.False(t, ok)
	assert.Equal(t, 1, q.Status("a").InFlightCount)
}

func TestQueue_StaleRecoveryKeepsOrder(t *testing.T) {
	mock := clock.NewMock()
	q := New(WithClock(mock))
	for i := 1; i <= 3; i++ {
		q.Enqueue("a", msg(fmt.Sprintf("m%d", i)))
	}
	for i := 0; i < 3; i++ {
		_, ok := q.Dequeue("a", manual(time.Second))
		require.True(t, ok)
	}
	q.Enqueue("a", msg("m4"))

	mock.Add(2 * time.Second)
	assert.Equal(t, 3, q.RecoverStale("a", time.Second))

	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, drain(t, q, "a"))
}

func TestQueue_Topics(t *testing.T) {
	q := New()
	q.Enqueue("b", msg("b1"))
	q.Enqueue("a", msg("a1"))
	_, ok := q.Dequeue("b", manual(0))
	require.True(t, ok)

	assert.Equal(t, []string{"a", "b"}, q.Topics())
}

func TestQueue_ConcurrentDequeue(t *testing.T) {
	q := New()
	const total = 1000
	for i := 0; i < total; i++ {
		q.Enqueue("a", msg(fmt.Sprintf("m%d", i)))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				d, ok := q.Dequeue("a", manual(0))
				if !ok {
					return
				}
				mu.Lock()
				seen[d.ID]++
				mu.Unlock()
				_ = d.Ack(context.Background())
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %s delivered more than once", id)
	}
	assert.Equal(t, Stats{}, q.Status("a"))
}

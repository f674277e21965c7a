// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mailbox/events"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

type sent struct {
	url      string
	headers  map[string]string
	envelope map[string]any
}

type mockSender struct {
	mu       sync.Mutex
	calls    []sent
	sendFunc func(ctx context.Context) error
}

func (m *mockSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte, _ time.Duration) error {
	var env map[string]any
	_ = json.Unmarshal(payload, &env)

	m.mu.Lock()
	m.calls = append(m.calls, sent{url: url, headers: headers, envelope: env})
	fn := m.sendFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockSender) messageIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, c := range m.calls {
		data, _ := c.envelope["data"].(map[string]any)
		id, _ := data["message_id"].(string)
		ids = append(ids, id)
	}
	return ids
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(endpoints ...Endpoint) Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Workers = 1
	cfg.QueueSize = 100
	cfg.ShutdownTimeout = time.Second
	cfg.Endpoints = endpoints
	return cfg
}

func sentEvent(id, topic string) events.MessageSent {
	return events.MessageSent{Protocol: "mem", MessageID: id, MessageTopic: topic}
}

func TestNewNotifier_NilSender(t *testing.T) {
	_, err := NewNotifier(testConfig(), "node-1", nil, testLogger())
	assert.ErrorIs(t, err, ErrNilSender)
}

func TestNotify_Success(t *testing.T) {
	sender := &mockSender{}
	n, err := NewNotifier(testConfig(Endpoint{
		Name:    "audit",
		URL:     "http://audit.local/hook",
		Headers: map[string]string{"Authorization": "Bearer token"},
	}), "node-1", sender, testLogger())
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), sentEvent("m1", "mem://bob@svc/inbox")))

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)

	sender.mu.Lock()
	call := sender.calls[0]
	sender.mu.Unlock()
	assert.Equal(t, "http://audit.local/hook", call.url)
	assert.Equal(t, "Bearer token", call.headers["Authorization"])
	assert.Equal(t, events.TypeMessageSent, call.envelope["event_type"])
	assert.Equal(t, "node-1", call.envelope["node_id"])
	assert.NotEmpty(t, call.envelope["event_id"])
}

func TestNotify_EventTypeFilter(t *testing.T) {
	sender := &mockSender{}
	n, err := NewNotifier(testConfig(Endpoint{
		Name:   "acks",
		URL:    "http://acks.local",
		Events: []string{events.TypeMessageAcked},
	}), "node-1", sender, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, sentEvent("m1", "mem://a")))
	require.NoError(t, n.Notify(ctx, events.MessageAcked{MessageID: "m2", MessageTopic: "mem://a"}))
	require.NoError(t, n.Close())

	assert.Equal(t, []string{"m2"}, sender.messageIDs())
}

func TestNotify_TopicFilter(t *testing.T) {
	sender := &mockSender{}
	n, err := NewNotifier(testConfig(Endpoint{
		Name:         "bob",
		URL:          "http://bob.local",
		TopicFilters: []string{"mem://bob@svc/+", "sqs://#"},
	}), "node-1", sender, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, sentEvent("m1", "mem://bob@svc/inbox")))
	require.NoError(t, n.Notify(ctx, sentEvent("m2", "mem://alice@svc/inbox")))
	require.NoError(t, n.Notify(ctx, sentEvent("m3", "sqs://queue/a/b")))
	require.NoError(t, n.Notify(ctx, sentEvent("m4", "mem://bob@svc/inbox/nested")))
	require.NoError(t, n.Close())

	assert.Equal(t, []string{"m1", "m3"}, sender.messageIDs())
}

func TestNotify_Retry(t *testing.T) {
	mock := clock.NewMock()
	var mu sync.Mutex
	failures := 2
	sender := &mockSender{sendFunc: func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return errors.New("unavailable")
		}
		return nil
	}}

	cfg := testConfig(Endpoint{Name: "flaky", URL: "http://flaky.local"})
	cfg.Defaults.Retry = RetryConfig{MaxAttempts: 3, InitialInterval: time.Second, MaxInterval: 10 * time.Second, Multiplier: 2}
	n, err := NewNotifier(cfg, "node-1", sender, testLogger(), WithClock(mock))
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), sentEvent("m1", "mem://a")))

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return sender.count() == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 0, failures)
	mu.Unlock()
}

func TestNotify_MaxAttempts(t *testing.T) {
	mock := clock.NewMock()
	sender := &mockSender{sendFunc: func(context.Context) error { return errors.New("down") }}

	cfg := testConfig(Endpoint{Name: "down", URL: "http://down.local"})
	cfg.Defaults.Retry = RetryConfig{MaxAttempts: 2, InitialInterval: time.Second, MaxInterval: time.Second, Multiplier: 1}
	cfg.Defaults.CircuitBreaker.FailureThreshold = 100
	n, err := NewNotifier(cfg, "node-1", sender, testLogger(), WithClock(mock))
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), sentEvent("m1", "mem://a")))
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return sender.count() == 2
	}, time.Second, 5*time.Millisecond)

	mock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, sender.count())
}

func TestNotify_CircuitBreakerOpens(t *testing.T) {
	sender := &mockSender{sendFunc: func(context.Context) error { return errors.New("down") }}

	cfg := testConfig(Endpoint{Name: "down", URL: "http://down.local"})
	cfg.Defaults.Retry.MaxAttempts = 1
	cfg.Defaults.CircuitBreaker = BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour}
	n, err := NewNotifier(cfg, "node-1", sender, testLogger())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, n.Notify(context.Background(), sentEvent("m", "mem://a")))
	}
	require.NoError(t, n.Close())

	assert.Equal(t, 2, sender.count(), "open breaker short-circuits the remaining sends")
}

func TestNotify_DropOldest(t *testing.T) {
	release := make(chan struct{})
	sender := &mockSender{sendFunc: func(context.Context) error {
		<-release
		return nil
	}}

	cfg := testConfig(Endpoint{Name: "slow", URL: "http://slow.local"})
	cfg.QueueSize = 1
	n, err := NewNotifier(cfg, "node-1", sender, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, sentEvent("m1", "mem://a")))
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, n.Notify(ctx, sentEvent("m2", "mem://a")))
	require.NoError(t, n.Notify(ctx, sentEvent("m3", "mem://a")))

	close(release)
	require.NoError(t, n.Close())

	assert.Equal(t, []string{"m1", "m3"}, sender.messageIDs())
}

func TestNotify_DropNewest(t *testing.T) {
	release := make(chan struct{})
	sender := &mockSender{sendFunc: func(context.Context) error {
		<-release
		return nil
	}}

	cfg := testConfig(Endpoint{Name: "slow", URL: "http://slow.local"})
	cfg.QueueSize = 1
	cfg.DropPolicy = "newest"
	n, err := NewNotifier(cfg, "node-1", sender, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, sentEvent("m1", "mem://a")))
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, n.Notify(ctx, sentEvent("m2", "mem://a")))
	require.NoError(t, n.Notify(ctx, sentEvent("m3", "mem://a")))

	close(release)
	require.NoError(t, n.Close())

	assert.Equal(t, []string{"m1", "m2"}, sender.messageIDs())
}

func TestClose(t *testing.T) {
	sender := &mockSender{}
	n, err := NewNotifier(testConfig(Endpoint{Name: "e", URL: "http://e.local"}), "node-1", sender, testLogger())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, n.Notify(context.Background(), sentEvent("m", "mem://a")))
	}
	require.NoError(t, n.Close())
	assert.Equal(t, 10, sender.count(), "queued events are flushed")

	assert.ErrorIs(t, n.Notify(context.Background(), sentEvent("late", "mem://a")), ErrClosed)
	assert.NoError(t, n.Close())
}

func TestRetryDelay(t *testing.T) {
	cfg := RetryConfig{InitialInterval: time.Second, MaxInterval: 5 * time.Second, Multiplier: 2}

	assert.Equal(t, 2*time.Second, retryDelay(1, cfg))
	assert.Equal(t, 4*time.Second, retryDelay(2, cfg))
	assert.Equal(t, 5*time.Second, retryDelay(3, cfg))
}

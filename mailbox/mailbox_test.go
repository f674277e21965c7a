// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"context"
	"sync"
	"testing"

	"github.com/absmach/mailbox/provider"
	"github.com/absmach/mailbox/provider/memory"
	"github.com/absmach/mailbox/ratelimit"
	"github.com/absmach/mailbox/types"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMailbox(t *testing.T, opts ...Option) (*Mailbox, *memory.Bus) {
	t.Helper()

	bus := memory.NewBus()
	p, err := memory.NewProvider(bus, nil)
	require.NoError(t, err)

	mb := New(opts...)
	require.NoError(t, mb.Register(p))
	t.Cleanup(func() { _ = mb.Close(context.Background()) })
	return mb, bus
}

func TestRegister(t *testing.T) {
	mb, bus := newMailbox(t)

	dup, err := memory.NewProvider(bus, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, mb.Register(dup), ErrProviderExists)
	assert.ErrorIs(t, mb.Register(nil), ErrNilProvider)

	other, err := memory.NewProvider(bus, []memory.Option{memory.WithProtocol("LOCAL")})
	require.NoError(t, err)
	require.NoError(t, mb.Register(other))

	assert.Equal(t, []string{"local", "mem"}, mb.Protocols())

	p, ok := mb.Unregister("local")
	assert.True(t, ok)
	assert.Equal(t, "LOCAL", p.Protocol())
	_, ok = mb.Unregister("local")
	assert.False(t, ok)
	assert.Equal(t, []string{"mem"}, mb.Protocols())
}

func TestPost_GeneratesID(t *testing.T) {
	mb, _ := newMailbox(t)
	ctx := context.Background()

	msg, err := mb.Post(ctx, types.OutgoingMail{
		From: "mem://alice@svc/outbox",
		To:   "mem://bob@svc/inbox",
		Body: "hi",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "bob", msg.To.User.Username())

	d, err := mb.Fetch(ctx, "mem://bob@svc/inbox", types.FetchOptions{})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, msg.ID, d.ID)
	assert.Equal(t, "hi", d.Body)
	assert.NotEmpty(t, d.Header(types.HeaderSentAt))
}

func TestPost_KeepsCallerID(t *testing.T) {
	mb, _ := newMailbox(t)
	ctx := context.Background()

	headers := map[string]any{types.HeaderReplyTo: "mem://alice@svc/inbox"}
	msg, err := mb.Post(ctx, types.OutgoingMail{
		ID:      "order-42",
		To:      "mem://bob@svc/inbox",
		Headers: headers,
	})
	require.NoError(t, err)
	assert.Equal(t, "order-42", msg.ID)
	assert.Nil(t, msg.From)

	headers["extra"] = true
	_, ok := msg.Headers["extra"]
	assert.False(t, ok, "caller's header map is copied")

	d, err := mb.Fetch(ctx, "mem://bob@svc/inbox", types.FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "order-42", d.ID)
	assert.Equal(t, "mem://alice@svc/inbox", d.Header(types.HeaderReplyTo))
}

func TestRoutingErrors(t *testing.T) {
	mb, _ := newMailbox(t)
	ctx := context.Background()

	_, err := mb.Post(ctx, types.OutgoingMail{To: "sqs://queue/inbox"})
	assert.ErrorIs(t, err, ErrNoProvider)
	assert.Contains(t, err.Error(), "no provider for protocol")

	_, err = mb.Subscribe(ctx, "sqs://queue/inbox", func(context.Context, *types.Message) error { return nil })
	assert.ErrorIs(t, err, ErrNoProvider)

	_, err = mb.Fetch(ctx, "sqs://queue/inbox", types.FetchOptions{})
	assert.ErrorIs(t, err, ErrNoProvider)

	_, err = mb.Status(ctx, "sqs://queue/inbox")
	assert.ErrorIs(t, err, ErrNoProvider)

	_, err = mb.Post(ctx, types.OutgoingMail{To: ""})
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = mb.Post(ctx, types.OutgoingMail{To: "no-scheme"})
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = mb.Post(ctx, types.OutgoingMail{From: "::bad", To: "mem://bob@svc/inbox"})
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestSubscribeAndStatus(t *testing.T) {
	mb, _ := newMailbox(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	sub, err := mb.Subscribe(ctx, "mem://carol@svc/inbox", func(_ context.Context, m *types.Message) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, m.ID)
		return nil
	})
	require.NoError(t, err)

	_, err = mb.Post(ctx, types.OutgoingMail{ID: "m1", To: "mem://carol@svc/inbox"})
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []string{"m1"}, got)
	mu.Unlock()

	st, err := mb.Status(ctx, "mem://carol@svc/inbox")
	require.NoError(t, err)
	assert.Equal(t, types.StateOnline, st.State)
	assert.Equal(t, 0, *st.UnreadCount)
	assert.Equal(t, 1, *st.SubscriberCount)

	require.NoError(t, sub.Unsubscribe(ctx))
	st, err = mb.Status(ctx, "mem://carol@svc/inbox")
	require.NoError(t, err)
	assert.Equal(t, 0, *st.SubscriberCount)
}

func TestStatus_UnsupportedProvider(t *testing.T) {
	bus := memory.NewBus()
	p, err := memory.NewProvider(bus, nil, provider.WithoutStatus())
	require.NoError(t, err)

	mb := New()
	require.NoError(t, mb.Register(p))

	st, err := mb.Status(context.Background(), "mem://dave@svc/inbox")
	require.NoError(t, err)
	assert.Equal(t, types.StateUnknown, st.State)
	assert.Equal(t, "mem provider does not support status queries", st.Message)
}

func TestRateLimiting(t *testing.T) {
	cfg := ratelimit.Config{
		Enabled:   true,
		Post:      ratelimit.BucketConfig{Enabled: true, Rate: 1, Burst: 1},
		Subscribe: ratelimit.BucketConfig{Enabled: true, Rate: 1, Burst: 1},
	}
	rl := ratelimit.NewManager(cfg, ratelimit.WithClock(clock.NewMock()))
	defer rl.Stop()

	mb, _ := newMailbox(t, WithRateLimiter(rl))
	ctx := context.Background()

	_, err := mb.Post(ctx, types.OutgoingMail{From: "mem://alice@svc/outbox", To: "mem://bob@svc/inbox"})
	require.NoError(t, err)
	_, err = mb.Post(ctx, types.OutgoingMail{From: "mem://alice@svc/outbox", To: "mem://bob@svc/inbox"})
	assert.ErrorIs(t, err, ErrRateLimited)

	// A different sender has its own bucket.
	_, err = mb.Post(ctx, types.OutgoingMail{From: "mem://erin@svc/outbox", To: "mem://bob@svc/inbox"})
	require.NoError(t, err)

	noop := func(context.Context, *types.Message) error { return nil }
	_, err = mb.Subscribe(ctx, "mem://bob@svc/inbox", noop)
	require.NoError(t, err)
	_, err = mb.Subscribe(ctx, "mem://bob:pw@svc/inbox", noop)
	assert.ErrorIs(t, err, ErrRateLimited, "credentials do not change the mailbox")
}

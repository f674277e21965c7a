// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides the in-process reference transport. Transports
// that share a Bus see each other's messages.
package memory

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/absmach/mailbox/address"
	"github.com/absmach/mailbox/provider"
	"github.com/absmach/mailbox/queue"
	"github.com/absmach/mailbox/types"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// DefaultProtocol is the scheme served when WithProtocol is not given.
const DefaultProtocol = "mem"

var (
	ErrNilBus = errors.New("memory transport requires a bus")
	ErrNoTo   = errors.New("message has no recipient")
)

// Option configures a Transport.
type Option func(*Transport)

// WithProtocol sets the scheme served by the transport.
func WithProtocol(protocol string) Option {
	return func(t *Transport) {
		t.protocol = protocol
	}
}

// WithAckTimeout sets the in-flight timeout used by push dispatch rounds.
// Zero disables stale recovery on push.
func WithAckTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.ackTimeout = d
	}
}

// WithDelay simulates network latency on every send.
func WithDelay(d time.Duration) Option {
	return func(t *Transport) {
		t.delay = d
	}
}

var (
	_ provider.Transport[Handle] = (*Transport)(nil)
	_ provider.StatusReporter    = (*Transport)(nil)
)

// Transport implements provider.Transport on top of a Bus.
type Transport struct {
	bus        *Bus
	protocol   string
	ackTimeout time.Duration
	delay      time.Duration
	clock      clock.Clock
}

// New creates a transport on bus.
func New(bus *Bus, opts ...Option) (*Transport, error) {
	if bus == nil {
		return nil, ErrNilBus
	}
	t := &Transport{
		bus:      bus,
		protocol: DefaultProtocol,
		clock:    bus.clock,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// NewProvider wraps a new transport on bus in a provider.Base.
func NewProvider(bus *Bus, opts []Option, popts ...provider.Option) (*provider.Base[Handle], error) {
	t, err := New(bus, opts...)
	if err != nil {
		return nil, err
	}
	return provider.New[Handle](t, popts...)
}

func (t *Transport) Protocol() string {
	return t.protocol
}

func (t *Transport) GenerateID() string {
	return uuid.NewString()
}

// Send publishes msg on the canonical topic of its recipient.
func (t *Transport) Send(ctx context.Context, msg *types.Message) error {
	if msg.To == nil {
		return ErrNoTo
	}
	if t.delay > 0 {
		timer := t.clock.Timer(t.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	t.bus.Publish(ctx, address.Topic(msg.To), msg, t.ackTimeout)
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, addr *url.URL, deliver provider.DeliverFunc) (Handle, error) {
	return t.bus.Subscribe(ctx, address.Topic(addr), deliver, t.ackTimeout), nil
}

func (t *Transport) Unsubscribe(_ context.Context, _ string, h Handle) error {
	t.bus.Unsubscribe(h)
	return nil
}

func (t *Transport) Fetch(_ context.Context, addr *url.URL, opts types.FetchOptions) (*types.Delivery, error) {
	d, ok := t.bus.Fetch(address.Topic(addr), queue.DequeueOptions{
		ManualAck:  opts.ManualAck,
		AckTimeout: opts.AckTimeout,
	})
	if !ok {
		return nil, nil
	}
	return d, nil
}

func (t *Transport) Ack(_ context.Context, msg *types.Message) error {
	t.bus.queue.Ack(msg.ID)
	return nil
}

func (t *Transport) Nack(_ context.Context, msg *types.Message, requeue bool) error {
	t.bus.queue.Nack(msg.ID, address.Topic(msg.To), requeue)
	return nil
}

// Status is always online; the counters come from the bus.
func (t *Transport) Status(_ context.Context, addr *url.URL) (types.Status, error) {
	st := t.bus.Status(address.Topic(addr))

	out := types.Status{
		State:           types.StateOnline,
		UnreadCount:     types.IntPtr(st.UnreadCount),
		InFlightCount:   types.IntPtr(st.InFlightCount),
		SubscriberCount: types.IntPtr(st.SubscriberCount),
	}
	if !st.LastActivity.IsZero() {
		out.LastActivityTime = st.LastActivity.UTC().Format(types.TimeFormat)
	}
	return out, nil
}

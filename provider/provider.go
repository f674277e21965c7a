// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package provider defines the contract every mailbox transport implements
// and the Base wrapper that adds the behavior all transports share:
// sent-at stamping, subscription bookkeeping, implicit acknowledgement of
// push deliveries and retry classification of failed ones.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/absmach/mailbox/address"
	"github.com/absmach/mailbox/events"
	"github.com/absmach/mailbox/types"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/absmach/mailbox/provider"

// Handler processes a pushed message. Returning an error nacks the message;
// returning nil acknowledges it.
type Handler func(ctx context.Context, msg *types.Message) error

// DeliverFunc is what Base hands to a transport on subscribe. It never
// fails: acknowledgement and error handling happen inside.
type DeliverFunc func(ctx context.Context, msg *types.Message)

// Transport is the narrow capability set a concrete transport supplies.
// H is the transport's own subscription handle type; Base stores it and
// gives it back on Unsubscribe.
type Transport[H any] interface {
	Protocol() string
	GenerateID() string
	Send(ctx context.Context, msg *types.Message) error
	Subscribe(ctx context.Context, addr *url.URL, deliver DeliverFunc) (H, error)
	Unsubscribe(ctx context.Context, subID string, handle H) error
	Fetch(ctx context.Context, addr *url.URL, opts types.FetchOptions) (*types.Delivery, error)
	Ack(ctx context.Context, msg *types.Message) error
	Nack(ctx context.Context, msg *types.Message, requeue bool) error
}

// StatusReporter is the optional status capability of a transport.
type StatusReporter interface {
	Status(ctx context.Context, addr *url.URL) (types.Status, error)
}

// Provider is the uniform, transport-independent surface the mailbox routes to.
type Provider interface {
	Protocol() string
	GenerateID() string
	Send(ctx context.Context, msg *types.Message) error
	Subscribe(ctx context.Context, addr *url.URL, handler Handler) (*Subscription, error)
	Fetch(ctx context.Context, addr *url.URL, opts types.FetchOptions) (*types.Delivery, error)
	Status(ctx context.Context, addr *url.URL) (types.Status, error)
	Close(ctx context.Context) error
}

var _ Provider = (*Base[struct{}])(nil)

type managed[H any] struct {
	id      string
	address *url.URL
	topic   string
	handle  H

	// ready is set once the transport has returned the handle.
	ready bool
}

// Base wraps a Transport with the shared provider behavior.
type Base[H any] struct {
	transport  Transport[H]
	reporter   StatusReporter
	protocol   string
	logger     *slog.Logger
	classifier Classifier
	recorder   Recorder
	notifier   Notifier
	breaker    *gobreaker.CircuitBreaker
	clock      clock.Clock
	tracer     trace.Tracer

	mu   sync.RWMutex
	subs map[string]*managed[H]
}

// New wraps t. Status support is decided here, once: if t implements
// StatusReporter (and WithoutStatus is not given) status queries are
// delegated, otherwise a default "unknown" status is synthesized.
func New[H any](t Transport[H], opts ...Option) (*Base[H], error) {
	if t == nil {
		return nil, ErrNilTransport
	}
	protocol := t.Protocol()
	if protocol == "" {
		return nil, ErrEmptyProtocol
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	b := &Base[H]{
		transport:  t,
		protocol:   protocol,
		logger:     o.logger.With(slog.String("protocol", protocol)),
		classifier: o.classifier,
		recorder:   o.recorder,
		notifier:   o.notifier,
		clock:      o.clock,
		tracer:     otel.Tracer(tracerName),
		subs:       make(map[string]*managed[H]),
	}
	if r, ok := any(t).(StatusReporter); ok && !o.statusLess {
		b.reporter = r
	}
	if o.breaker != nil {
		b.breaker = newBreaker(protocol, *o.breaker, o.logger)
	}

	return b, nil
}

// Protocol returns the address scheme served by this provider.
func (b *Base[H]) Protocol() string {
	return b.protocol
}

// GenerateID asks the transport for a new message id.
func (b *Base[H]) GenerateID() string {
	return b.transport.GenerateID()
}

// SupportsStatus reports whether status queries reach the transport.
func (b *Base[H]) SupportsStatus() bool {
	return b.reporter != nil
}

// Send stamps the sent-at header on a copy of msg and hands it to the transport.
func (b *Base[H]) Send(ctx context.Context, msg *types.Message) error {
	if msg == nil {
		return ErrNilMessage
	}

	topic := address.Topic(msg.To)
	ctx, span := b.tracer.Start(ctx, "provider.send", trace.WithAttributes(
		attribute.String("mailbox.protocol", b.protocol),
		attribute.String("mailbox.topic", topic),
		attribute.String("mailbox.message_id", msg.ID),
	))
	defer span.End()

	out := msg.Clone()
	sentAt := b.clock.Now().UTC().Format(types.TimeFormat)
	out.Headers[types.HeaderSentAt] = sentAt

	var err error
	if b.breaker != nil {
		_, err = b.breaker.Execute(func() (interface{}, error) {
			return nil, b.transport.Send(ctx, out)
		})
	} else {
		err = b.transport.Send(ctx, out)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.recorder.RecordError(b.protocol, "send")
		return &TransportError{Op: "send", Protocol: b.protocol, Err: err}
	}

	b.recorder.RecordSent(b.protocol)
	b.notify(ctx, events.MessageSent{
		Protocol:     b.protocol,
		MessageID:    out.ID,
		MessageTopic: topic,
		From:         address.Topic(out.From),
		SentAt:       sentAt,
	})
	return nil
}

// Subscribe registers handler for pushes to addr. A handler that returns
// nil acknowledges the message; an error nacks it, requeueing only if the
// classifier deems the error retriable. Handler errors never reach the caller.
func (b *Base[H]) Subscribe(ctx context.Context, addr *url.URL, handler Handler) (*Subscription, error) {
	if addr == nil {
		return nil, ErrNilAddress
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	id := uuid.NewString()
	topic := address.Topic(addr)

	// Transports may deliver backlog from inside Subscribe, so the entry
	// and its created event come first.
	b.mu.Lock()
	b.subs[id] = &managed[H]{id: id, address: addr, topic: topic}
	b.mu.Unlock()

	b.recorder.RecordSubscriptionAdded(b.protocol)
	b.notify(ctx, events.SubscriptionCreated{
		Protocol:       b.protocol,
		SubscriptionID: id,
		Address:        topic,
		TopicKey:       topic,
	})

	handle, err := b.transport.Subscribe(ctx, addr, b.wrap(id, handler))
	if err != nil {
		b.recorder.RecordError(b.protocol, "subscribe")
		b.remove(ctx, id)
		return nil, &TransportError{Op: "subscribe", Protocol: b.protocol, Err: err}
	}

	b.mu.Lock()
	m, ok := b.subs[id]
	if ok {
		m.handle = handle
		m.ready = true
	}
	b.mu.Unlock()

	if !ok {
		// Unsubscribed while the transport was still subscribing.
		if err := b.transport.Unsubscribe(ctx, id, handle); err != nil {
			b.recorder.RecordError(b.protocol, "unsubscribe")
			b.logger.Error("failed to release subscription closed during subscribe",
				slog.String("subscription_id", id),
				slog.String("error", err.Error()))
		}
	}

	return &Subscription{id: id, address: addr, owner: b}, nil
}

// Fetch delegates to the transport. A nil delivery with a nil error means
// the mailbox is empty.
func (b *Base[H]) Fetch(ctx context.Context, addr *url.URL, opts types.FetchOptions) (*types.Delivery, error) {
	if addr == nil {
		return nil, ErrNilAddress
	}

	ctx, span := b.tracer.Start(ctx, "provider.fetch", trace.WithAttributes(
		attribute.String("mailbox.protocol", b.protocol),
		attribute.String("mailbox.topic", address.Topic(addr)),
		attribute.Bool("mailbox.manual_ack", opts.ManualAck),
	))
	defer span.End()

	d, err := b.transport.Fetch(ctx, addr, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.recorder.RecordError(b.protocol, "fetch")
		return nil, &TransportError{Op: "fetch", Protocol: b.protocol, Err: err}
	}
	if d != nil {
		b.recorder.RecordFetched(b.protocol, d.Manual())
	}
	return d, nil
}

// Status delegates to the transport when it supports status queries and
// otherwise reports an unknown state.
func (b *Base[H]) Status(ctx context.Context, addr *url.URL) (types.Status, error) {
	if addr == nil {
		return types.Status{}, ErrNilAddress
	}
	if b.reporter == nil {
		return types.Status{
			State:   types.StateUnknown,
			Message: fmt.Sprintf("%s provider does not support status queries", b.protocol),
		}, nil
	}

	st, err := b.reporter.Status(ctx, addr)
	if err != nil {
		b.recorder.RecordError(b.protocol, "status")
		return types.Status{}, &TransportError{Op: "status", Protocol: b.protocol, Err: err}
	}
	return st, nil
}

// Subscriptions returns the active subscriptions.
func (b *Base[H]) Subscriptions() []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := make([]*Subscription, 0, len(b.subs))
	for _, m := range b.subs {
		subs = append(subs, &Subscription{id: m.id, address: m.address, owner: b})
	}
	return subs
}

// Close unsubscribes every active subscription.
func (b *Base[H]) Close(ctx context.Context) error {
	var errs []error
	for _, sub := range b.Subscriptions() {
		if err := sub.Unsubscribe(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Base[H]) active(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, ok := b.subs[id]
	return ok
}

func (b *Base[H]) unsubscribe(ctx context.Context, id string) error {
	b.mu.RLock()
	m, ok := b.subs[id]
	var (
		handle H
		ready  bool
	)
	if ok {
		handle, ready = m.handle, m.ready
	}
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	if ready {
		if err := b.transport.Unsubscribe(ctx, id, handle); err != nil {
			b.recorder.RecordError(b.protocol, "unsubscribe")
			return &TransportError{Op: "unsubscribe", Protocol: b.protocol, Err: err}
		}
	}

	b.remove(ctx, id)
	return nil
}

// remove drops the entry for id and reports the removal once.
func (b *Base[H]) remove(ctx context.Context, id string) {
	b.mu.Lock()
	m, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if !ok {
		return
	}

	b.recorder.RecordSubscriptionRemoved(b.protocol)
	b.notify(ctx, events.SubscriptionRemoved{
		Protocol:       b.protocol,
		SubscriptionID: id,
		TopicKey:       m.topic,
	})
}

func (b *Base[H]) wrap(subID string, handler Handler) DeliverFunc {
	return func(ctx context.Context, msg *types.Message) {
		start := b.clock.Now()

		if err := b.invoke(ctx, handler, msg); err != nil {
			b.handleReceiveError(ctx, subID, err, msg)
			return
		}

		if err := b.transport.Ack(ctx, msg); err != nil {
			b.recorder.RecordError(b.protocol, "ack")
			b.logger.Error("failed to ack delivered message",
				slog.String("message_id", msg.ID),
				slog.String("subscription_id", subID),
				slog.String("error", err.Error()))
			return
		}

		b.recorder.RecordAck(b.protocol)
		b.recorder.RecordDelivered(b.protocol, b.clock.Since(start))
		b.notify(ctx, events.MessageAcked{
			Protocol:       b.protocol,
			MessageID:      msg.ID,
			MessageTopic:   address.Topic(msg.To),
			SubscriptionID: subID,
		})
	}
}

func (b *Base[H]) invoke(ctx context.Context, handler Handler, msg *types.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return handler(ctx, msg)
}

func (b *Base[H]) handleReceiveError(ctx context.Context, subID string, err error, msg *types.Message) {
	b.logger.Error("error processing message",
		slog.String("message_id", msg.ID),
		slog.String("subscription_id", subID),
		slog.String("error", err.Error()))

	requeue := b.classifier(err)
	b.recorder.RecordNack(b.protocol, requeue)

	if nackErr := b.transport.Nack(ctx, msg, requeue); nackErr != nil {
		b.recorder.RecordError(b.protocol, "nack")
		b.logger.Error("CRITICAL: failed to nack message, risk of message duplication",
			slog.String("message_id", msg.ID),
			slog.String("subscription_id", subID),
			slog.Bool("requeue", requeue),
			slog.String("error", nackErr.Error()))
	}

	b.notify(ctx, events.MessageNacked{
		Protocol:       b.protocol,
		MessageID:      msg.ID,
		MessageTopic:   address.Topic(msg.To),
		SubscriptionID: subID,
		Requeued:       requeue,
		Reason:         err.Error(),
	})
}

func (b *Base[H]) notify(ctx context.Context, ev events.Event) {
	if b.notifier == nil {
		return
	}
	if err := b.notifier.Notify(ctx, ev); err != nil {
		b.logger.Warn("failed to publish lifecycle event",
			slog.String("event_type", ev.Type()),
			slog.String("error", err.Error()))
	}
}

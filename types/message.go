// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"context"
	"net/url"
	"time"
)

// Message is a mail item moving between the mailbox and its providers.
// Messages are immutable by contract; use Clone before changing headers.
type Message struct {
	ID      string
	From    *url.URL
	To      *url.URL
	Body    any
	Headers map[string]any
}

// Clone returns a shallow copy of the message with its own header map.
// Body and addresses are shared.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Headers = make(map[string]any, len(m.Headers)+1)
	for k, v := range m.Headers {
		c.Headers[k] = v
	}
	return &c
}

// Header returns a header value as a string, or "" if absent or not a string.
func (m *Message) Header(key string) string {
	if m == nil || m.Headers == nil {
		return ""
	}
	s, _ := m.Headers[key].(string)
	return s
}

// OutgoingMail is what callers hand to Mailbox.Post.
// ID is optional; the resolved provider generates one when empty.
type OutgoingMail struct {
	ID      string
	From    string
	To      string
	Body    any
	Headers map[string]any
}

// FetchOptions selects between auto and manual acknowledgement for pull delivery.
type FetchOptions struct {
	ManualAck bool
	// AckTimeout enables lazy recovery of stale in-flight messages on the
	// fetched topic. Zero disables it.
	AckTimeout time.Duration
}

// Acker settles an in-flight message.
type Acker interface {
	Ack(ctx context.Context) error
	Nack(ctx context.Context, requeue bool) error
}

// Delivery is a fetched message. When fetched with manual acknowledgement
// it carries an Acker; otherwise Ack and Nack are no-ops.
type Delivery struct {
	*Message
	acker Acker
}

// NewDelivery wraps msg. A nil acker yields an auto-acknowledged delivery.
func NewDelivery(msg *Message, acker Acker) *Delivery {
	return &Delivery{Message: msg, acker: acker}
}

// Manual reports whether the delivery must be acknowledged by the caller.
func (d *Delivery) Manual() bool {
	return d != nil && d.acker != nil
}

// Ack confirms processing; the message is removed permanently.
func (d *Delivery) Ack(ctx context.Context) error {
	if !d.Manual() {
		return nil
	}
	return d.acker.Ack(ctx)
}

// Nack rejects the message, optionally putting it back at the front of its topic.
func (d *Delivery) Nack(ctx context.Context, requeue bool) error {
	if !d.Manual() {
		return nil
	}
	return d.acker.Nack(ctx, requeue)
}

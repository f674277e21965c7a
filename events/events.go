// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeMessageSent         = "message.sent"
	TypeMessageAcked        = "message.acked"
	TypeMessageNacked       = "message.nacked"
	TypeSubscriptionCreated = "subscription.created"
	TypeSubscriptionRemoved = "subscription.removed"
)

// Event is the common interface for all mailbox lifecycle events.
type Event interface {
	// Type returns the event type identifier (e.g., "message.sent")
	Type() string

	// Topic returns the canonical mailbox topic the event concerns.
	Topic() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(nodeID string) *Envelope
}

// Envelope is the common wrapper for all webhook events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	NodeID    string `json:"node_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	return json.Marshal((*plain)(e))
}

func wrap(e Event, nodeID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		NodeID:    nodeID,
		Data:      e,
	}
}

// MessageSent is emitted after a provider accepted a message.
type MessageSent struct {
	Protocol     string `json:"protocol"`
	MessageID    string `json:"message_id"`
	MessageTopic string `json:"topic"`
	From         string `json:"from"`
	SentAt       string `json:"sent_at"`
}

func (e MessageSent) Type() string                 { return TypeMessageSent }
func (e MessageSent) Topic() string                { return e.MessageTopic }
func (e MessageSent) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// MessageAcked is emitted when a push delivery completed and was implicitly acknowledged.
type MessageAcked struct {
	Protocol       string `json:"protocol"`
	MessageID      string `json:"message_id"`
	MessageTopic   string `json:"topic"`
	SubscriptionID string `json:"subscription_id"`
}

func (e MessageAcked) Type() string                 { return TypeMessageAcked }
func (e MessageAcked) Topic() string                { return e.MessageTopic }
func (e MessageAcked) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// MessageNacked is emitted when a push delivery failed.
type MessageNacked struct {
	Protocol       string `json:"protocol"`
	MessageID      string `json:"message_id"`
	MessageTopic   string `json:"topic"`
	SubscriptionID string `json:"subscription_id"`
	Requeued       bool   `json:"requeued"`
	Reason         string `json:"reason"`
}

func (e MessageNacked) Type() string                 { return TypeMessageNacked }
func (e MessageNacked) Topic() string                { return e.MessageTopic }
func (e MessageNacked) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// SubscriptionCreated is emitted when a push subscription becomes active.
type SubscriptionCreated struct {
	Protocol       string `json:"protocol"`
	SubscriptionID string `json:"subscription_id"`
	Address        string `json:"address"`
	TopicKey       string `json:"topic"`
}

func (e SubscriptionCreated) Type() string                 { return TypeSubscriptionCreated }
func (e SubscriptionCreated) Topic() string                { return e.TopicKey }
func (e SubscriptionCreated) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// SubscriptionRemoved is emitted when a push subscription is closed.
type SubscriptionRemoved struct {
	Protocol       string `json:"protocol"`
	SubscriptionID string `json:"subscription_id"`
	TopicKey       string `json:"topic"`
}

func (e SubscriptionRemoved) Type() string                 { return TypeSubscriptionRemoved }
func (e SubscriptionRemoved) Topic() string                { return e.TopicKey }
func (e SubscriptionRemoved) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

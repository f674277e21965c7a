// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

// WireMessage is the JSON form of a Message used by the HTTP and WebSocket servers.
type WireMessage struct {
	ID        string         `json:"id"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to"`
	Body      any            `json:"body,omitempty"`
	Headers   map[string]any `json:"headers,omitempty"`
	ManualAck bool           `json:"manual_ack,omitempty"`
}

// ToWire converts msg. Address passwords are masked.
func ToWire(msg *Message) WireMessage {
	w := WireMessage{
		ID:      msg.ID,
		Body:    msg.Body,
		Headers: msg.Headers,
	}
	if msg.From != nil {
		w.From = msg.From.Redacted()
	}
	if msg.To != nil {
		w.To = msg.To.Redacted()
	}
	return w
}

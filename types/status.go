// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

// State is the operational state reported by a provider.
type State string

const (
	StateOnline   State = "online"
	StateOffline  State = "offline"
	StateDegraded State = "degraded"
	StateUnknown  State = "unknown"
)

// Status describes a mailbox address as seen by its provider.
// Optional counters are nil when the provider does not track them.
type Status struct {
	State            State          `json:"state"`
	UnreadCount      *int           `json:"unread_count,omitempty"`
	InFlightCount    *int           `json:"in_flight_count,omitempty"`
	SubscriberCount  *int           `json:"subscriber_count,omitempty"`
	LastActivityTime string         `json:"last_activity_time,omitempty"`
	Message          string         `json:"message,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// SubscriptionState is the lifecycle state of a push subscription.
type SubscriptionState string

const (
	SubscriptionActive SubscriptionState = "active"
	SubscriptionClosed SubscriptionState = "closed"
)

// IntPtr is a helper for filling optional Status counters.
func IntPtr(v int) *int {
	return &v
}

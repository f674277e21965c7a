// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"net/url"

	"github.com/absmach/mailbox/types"
)

type registry interface {
	active(id string) bool
	unsubscribe(ctx context.Context, id string) error
}

// Subscription is a handle on an active push subscription. Its status is
// derived from the provider's registry, so it turns closed exactly once.
type Subscription struct {
	id      string
	address *url.URL
	owner   registry
}

// ID returns the subscription id.
func (s *Subscription) ID() string {
	return s.id
}

// Address returns the subscribed address.
func (s *Subscription) Address() *url.URL {
	return s.address
}

// Status reports whether the subscription is still registered.
func (s *Subscription) Status() types.SubscriptionState {
	if s.owner.active(s.id) {
		return types.SubscriptionActive
	}
	return types.SubscriptionClosed
}

// Unsubscribe stops further deliveries. Deliveries already dispatched are
// not retracted. Calling it on a closed subscription does nothing.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	return s.owner.unsubscribe(ctx, s.id)
}

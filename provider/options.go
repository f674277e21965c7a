// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"log/slog"

	"github.com/absmach/mailbox/events"
	"github.com/benbjohnson/clock"
)

// Notifier receives lifecycle events. webhook.GenericNotifier implements it.
type Notifier interface {
	Notify(ctx context.Context, event events.Event) error
}

// Option configures a Base provider.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	classifier Classifier
	recorder   Recorder
	notifier   Notifier
	breaker    *BreakerConfig
	clock      clock.Clock
	statusLess bool
}

func defaultOptions() options {
	return options{
		logger:     slog.Default(),
		classifier: IsRetriable,
		recorder:   nopRecorder{},
		clock:      clock.New(),
	}
}

// WithLogger sets the logger used for delivery failures.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClassifier replaces the default retry classification policy.
func WithClassifier(c Classifier) Option {
	return func(o *options) {
		if c != nil {
			o.classifier = c
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithNotifier publishes lifecycle events to n.
func WithNotifier(n Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// WithBreaker guards transport sends with a circuit breaker.
func WithBreaker(cfg BreakerConfig) Option {
	return func(o *options) {
		o.breaker = &cfg
	}
}

// WithClock sets the clock used for the sent-at header.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithoutStatus registers the provider as not supporting status queries
// even if its transport implements StatusReporter.
func WithoutStatus() Option {
	return func(o *options) {
		o.statusLess = true
	}
}

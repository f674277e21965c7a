// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook delivers mailbox lifecycle events to HTTP endpoints.
package webhook

import (
	"context"
	"time"

	"github.com/absmach/mailbox/events"
)

// Notifier sends lifecycle events asynchronously.
type Notifier interface {
	// Notify queues the event for every matching endpoint without blocking.
	Notify(ctx context.Context, event events.Event) error

	// Close stops accepting events and flushes what is queued.
	Close() error
}

// Sender delivers one payload to one endpoint.
type Sender interface {
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}

// Config holds webhook notification configuration.
type Config struct {
	Enabled         bool          `yaml:"enabled" env:"ENABLED"`
	QueueSize       int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	DropPolicy      string        `yaml:"drop_policy" env:"DROP_POLICY"` // "oldest" or "newest"
	Workers         int           `yaml:"workers" env:"WORKERS"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	Defaults        Defaults      `yaml:"defaults" envPrefix:"DEFAULTS_"`
	Endpoints       []Endpoint    `yaml:"endpoints"`
}

// Defaults apply to endpoints that do not override them.
type Defaults struct {
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Retry          RetryConfig   `yaml:"retry" envPrefix:"RETRY_"`
	CircuitBreaker BreakerConfig `yaml:"circuit_breaker" envPrefix:"BREAKER_"`
}

// RetryConfig controls exponential backoff between delivery attempts.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialInterval time.Duration `yaml:"initial_interval" env:"INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"MAX_INTERVAL"`
	Multiplier      float64       `yaml:"multiplier" env:"MULTIPLIER"`
}

// BreakerConfig configures the per-endpoint circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" env:"RESET_TIMEOUT"`
}

// Endpoint is a single webhook receiver.
type Endpoint struct {
	Name         string            `yaml:"name"`
	URL          string            `yaml:"url"`
	Events       []string          `yaml:"events"`        // empty means all event types
	TopicFilters []string          `yaml:"topic_filters"` // "+" matches one segment, "#" the rest
	Headers      map[string]string `yaml:"headers"`
	Timeout      time.Duration     `yaml:"timeout"`
	Retry        *RetryConfig      `yaml:"retry"`
}

// DefaultConfig returns a disabled configuration with usable defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		QueueSize:       10000,
		DropPolicy:      "oldest",
		Workers:         5,
		ShutdownTimeout: 30 * time.Second,
		Defaults: Defaults{
			Timeout: 5 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: time.Second,
				MaxInterval:     30 * time.Second,
				Multiplier:      2.0,
			},
			CircuitBreaker: BreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     60 * time.Second,
			},
		},
	}
}

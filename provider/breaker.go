// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig configures the circuit breaker around transport sends.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive send failures that open the breaker.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before probing again.
	ResetTimeout time.Duration
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
}

func newBreaker(name string, cfg BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker {
	threshold := cfg.FailureThreshold
	if threshold < 1 {
		threshold = 5
	}
	maxRequests := cfg.MaxRequests
	if maxRequests == 0 {
		maxRequests = 1
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: maxRequests,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("provider circuit breaker state changed",
				slog.String("protocol", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/sony/gobreaker"
)

var (
	ErrEmptyProtocol = errors.New("provider protocol cannot be empty")
	ErrNilTransport  = errors.New("transport cannot be nil")
	ErrNilHandler    = errors.New("subscription handler cannot be nil")
	ErrNilMessage    = errors.New("message cannot be nil")
	ErrNilAddress    = errors.New("address cannot be nil")
	ErrPanic         = errors.New("subscriber panicked")
)

// TransportError is returned when a transport hook fails.
type TransportError struct {
	Op       string
	Protocol string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s provider: %s failed: %v", e.Protocol, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Classifier decides whether a failed push delivery should be requeued.
type Classifier func(err error) bool

type retriableError struct {
	err error
}

func (e *retriableError) Error() string   { return e.err.Error() }
func (e *retriableError) Unwrap() error   { return e.err }
func (e *retriableError) Retriable() bool { return true }

// Retriable marks err so the default classifier requeues the message.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return &retriableError{err: err}
}

// IsRetriable is the default Classifier. An error is retriable if anything
// in its chain reports Retriable() == true, or it is a transient failure:
// a timeout, a reset connection, HTTP 503/504, or an open circuit breaker.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}

	var flagged interface{ Retriable() bool }
	if errors.As(err, &flagged) && flagged.Retriable() {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var coded interface{ StatusCode() int }
	if errors.As(err, &coded) {
		switch coded.StatusCode() {
		case 503, 504:
			return true
		}
	}

	return false
}

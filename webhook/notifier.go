// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/absmach/mailbox/events"
	"github.com/absmach/mailbox/topics"
	"github.com/benbjohnson/clock"
	"github.com/sony/gobreaker"
)

var (
	ErrNilSender = errors.New("sender cannot be nil")
	ErrClosed    = errors.New("notifier is closed")
)

// GenericNotifier fans events out to endpoints through a worker pool, with
// a circuit breaker and exponential retries per endpoint.
type GenericNotifier struct {
	cfg        Config
	instanceID string
	endpoints  []endpoint
	jobs       chan job
	breakers   map[string]*gobreaker.CircuitBreaker
	sender     Sender
	logger     *slog.Logger
	clock      clock.Clock

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	stop    chan struct{}
	retries map[*clock.Timer]struct{}
}

type endpoint struct {
	name         string
	url          string
	eventFilters map[string]bool
	topicFilters []string
	headers      map[string]string
	timeout      time.Duration
	retry        RetryConfig
}

type job struct {
	event    events.Event
	endpoint endpoint
	attempt  int
}

// Option configures a GenericNotifier.
type Option func(*GenericNotifier)

// WithClock sets the clock used to schedule retries.
func WithClock(c clock.Clock) Option {
	return func(n *GenericNotifier) {
		if c != nil {
			n.clock = c
		}
	}
}

// NewNotifier starts cfg.Workers workers. instanceID is stamped on every envelope.
func NewNotifier(cfg Config, instanceID string, sender Sender, logger *slog.Logger, opts ...Option) (*GenericNotifier, error) {
	if sender == nil {
		return nil, ErrNilSender
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}

	endpoints := make([]endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		filters := make(map[string]bool, len(ep.Events))
		for _, t := range ep.Events {
			filters[t] = true
		}
		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}
		retry := cfg.Defaults.Retry
		if ep.Retry != nil {
			retry = *ep.Retry
		}
		endpoints = append(endpoints, endpoint{
			name:         ep.Name,
			url:          ep.URL,
			eventFilters: filters,
			topicFilters: ep.TopicFilters,
			headers:      ep.Headers,
			timeout:      timeout,
			retry:        retry,
		})
	}

	threshold := uint32(cfg.Defaults.CircuitBreaker.FailureThreshold)
	if threshold == 0 {
		threshold = 5
	}
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("webhook circuit breaker state changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &GenericNotifier{
		cfg:        cfg,
		instanceID: instanceID,
		endpoints:  endpoints,
		jobs:       make(chan job, cfg.QueueSize),
		breakers:   breakers,
		sender:     sender,
		logger:     logger,
		clock:      clock.New(),
		ctx:        ctx,
		cancel:     cancel,
		stop:       make(chan struct{}),
		retries:    make(map[*clock.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}

	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook notifier started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("endpoints", len(endpoints)))

	return n, nil
}

// Notify queues event for every endpoint whose filters match it.
// When the queue is full the drop policy decides which event is lost.
func (n *GenericNotifier) Notify(_ context.Context, event events.Event) error {
	if event == nil {
		return nil
	}

	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return ErrClosed
	}

	for _, ep := range n.endpoints {
		if !shouldNotify(ep, event) {
			continue
		}
		n.enqueue(job{event: event, endpoint: ep})
	}
	return nil
}

func (n *GenericNotifier) enqueue(j job) {
	select {
	case n.jobs <- j:
		return
	default:
	}

	if n.cfg.DropPolicy == "oldest" {
		select {
		case <-n.jobs:
		default:
		}
		select {
		case n.jobs <- j:
			return
		default:
		}
	}
	n.logger.Error("webhook queue full, event dropped",
		slog.String("event_type", j.event.Type()),
		slog.String("endpoint", j.endpoint.name))
}

func shouldNotify(ep endpoint, event events.Event) bool {
	if len(ep.eventFilters) > 0 && !ep.eventFilters[event.Type()] {
		return false
	}
	if event.Topic() == "" || len(ep.topicFilters) == 0 {
		return true
	}
	for _, filter := range ep.topicFilters {
		if topics.Match(filter, event.Topic()) {
			return true
		}
	}
	return false
}

func (n *GenericNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case j := <-n.jobs:
			n.process(j)
		case <-n.stop:
			// Flush what is already queued.
			for {
				select {
				case j := <-n.jobs:
					n.process(j)
				default:
					return
				}
			}
		}
	}
}

func (n *GenericNotifier) process(j job) {
	_, err := n.breakers[j.endpoint.name].Execute(func() (interface{}, error) {
		return nil, n.send(j)
	})
	if err == nil {
		return
	}

	if j.attempt >= j.endpoint.retry.MaxAttempts-1 {
		n.logger.Error("webhook delivery failed after max retries",
			slog.String("endpoint", j.endpoint.name),
			slog.String("event_type", j.event.Type()),
			slog.Int("attempts", j.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	j.attempt++
	delay := retryDelay(j.attempt, j.endpoint.retry)
	n.logger.Debug("webhook delivery failed, retrying",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()),
		slog.Int("attempt", j.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	n.scheduleRetry(j, delay)
}

func (n *GenericNotifier) scheduleRetry(j job, delay time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}

	var t *clock.Timer
	t = n.clock.AfterFunc(delay, func() {
		n.mu.Lock()
		delete(n.retries, t)
		closed := n.closed
		n.mu.Unlock()
		if closed {
			return
		}
		select {
		case n.jobs <- j:
		default:
			n.logger.Error("failed to requeue event for retry",
				slog.String("endpoint", j.endpoint.name),
				slog.String("event_type", j.event.Type()))
		}
	})
	n.retries[t] = struct{}{}
}

func (n *GenericNotifier) send(j job) error {
	payload, err := json.Marshal(j.event.Wrap(n.instanceID))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := n.sender.Send(n.ctx, j.endpoint.url, j.endpoint.headers, payload, j.endpoint.timeout); err != nil {
		return err
	}

	n.logger.Debug("webhook delivered",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()))
	return nil
}

func retryDelay(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close stops accepting events, cancels pending retries and flushes the
// queue. Sends still running when the shutdown timeout expires are canceled.
func (n *GenericNotifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	for t := range n.retries {
		t.Stop()
	}
	n.retries = nil
	close(n.stop)
	n.mu.Unlock()

	n.logger.Info("shutting down webhook notifier")

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	timeout := n.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		n.logger.Info("webhook notifier stopped gracefully")
	case <-timer.C:
		n.logger.Warn("webhook notifier shutdown timeout, some events may be lost",
			slog.Int("queue_depth", len(n.jobs)))
		n.cancel()
		<-done
	}
	n.cancel()
	return nil
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides token-bucket limiters keyed by client IP and by
// mailbox address.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter keeps one token bucket per key.
type KeyedLimiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	rate    rate.Limit
	burst   int
	clock   clock.Clock
}

// NewKeyedLimiter creates a limiter allowing r events per second per key with the given burst.
func NewKeyedLimiter(r float64, burst int, c clock.Clock) *KeyedLimiter {
	if c == nil {
		c = clock.New()
	}
	return &KeyedLimiter{
		entries: make(map[string]*entry),
		rate:    rate.Limit(r),
		burst:   burst,
		clock:   c,
	}
}

// Allow takes one token from key's bucket.
func (l *KeyedLimiter) Allow(key string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// Remove drops key's bucket.
func (l *KeyedLimiter) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Sweep removes buckets not used for longer than idle and returns how many were removed.
func (l *KeyedLimiter) Sweep(idle time.Duration) int {
	threshold := l.clock.Now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, e := range l.entries {
		if e.lastSeen.Before(threshold) {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	Connection ConnectionConfig `yaml:"connection" envPrefix:"CONNECTION_"`
	Post       BucketConfig     `yaml:"post" envPrefix:"POST_"`
	Subscribe  BucketConfig     `yaml:"subscribe" envPrefix:"SUBSCRIBE_"`
}

// ConnectionConfig limits requests per client IP on the HTTP and WebSocket servers.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled" env:"ENABLED"`
	Rate            float64       `yaml:"rate" env:"RATE"`                         // requests per second per IP
	Burst           int           `yaml:"burst" env:"BURST"`                       // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"` // how often idle entries are dropped
}

// BucketConfig limits one operation per mailbox address.
type BucketConfig struct {
	Enabled bool    `yaml:"enabled" env:"ENABLED"`
	Rate    float64 `yaml:"rate" env:"RATE"`   // operations per second per address
	Burst   int     `yaml:"burst" env:"BURST"` // burst allowance
}

// DefaultConfig returns the default configuration. Limiting is off until enabled.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0, // 100 requests per minute per IP
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Post: BucketConfig{
			Enabled: true,
			Rate:    1000,
			Burst:   100,
		},
		Subscribe: BucketConfig{
			Enabled: true,
			Rate:    100,
			Burst:   10,
		},
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for token refill and cleanup.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// Manager coordinates the connection, post and subscribe limiters.
// A nil or disabled Manager allows everything.
type Manager struct {
	config    Config
	clock     clock.Clock
	conn      *KeyedLimiter
	post      *KeyedLimiter
	subscribe *KeyedLimiter
	disabled  bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a manager. When connection limiting is enabled it
// starts a goroutine dropping idle IP entries; call Stop to end it.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		config: cfg,
		clock:  clock.New(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if !cfg.Enabled {
		m.disabled = true
		return m
	}

	if cfg.Connection.Enabled {
		m.conn = NewKeyedLimiter(cfg.Connection.Rate, cfg.Connection.Burst, m.clock)
		if cfg.Connection.CleanupInterval > 0 {
			m.wg.Add(1)
			go m.cleanupLoop(cfg.Connection.CleanupInterval)
		}
	}
	if cfg.Post.Enabled {
		m.post = NewKeyedLimiter(cfg.Post.Rate, cfg.Post.Burst, m.clock)
	}
	if cfg.Subscribe.Enabled {
		m.subscribe = NewKeyedLimiter(cfg.Subscribe.Rate, cfg.Subscribe.Burst, m.clock)
	}

	return m
}

// AllowConnection checks a request from remoteAddr ("host:port" or a bare host).
func (m *Manager) AllowConnection(remoteAddr string) bool {
	if m == nil || m.disabled || m.conn == nil {
		return true
	}
	ip := extractIP(remoteAddr)
	if ip == "" {
		return true
	}
	return m.conn.Allow(ip)
}

// AllowPost checks a post from the given sender address.
func (m *Manager) AllowPost(sender string) bool {
	if m == nil || m.disabled || m.post == nil {
		return true
	}
	return m.post.Allow(sender)
}

// AllowSubscribe checks a subscription to the given address.
func (m *Manager) AllowSubscribe(addr string) bool {
	if m == nil || m.disabled || m.subscribe == nil {
		return true
	}
	return m.subscribe.Allow(addr)
}

// Forget drops the post and subscribe buckets of addr.
func (m *Manager) Forget(addr string) {
	if m == nil || m.disabled {
		return
	}
	if m.post != nil {
		m.post.Remove(addr)
	}
	if m.subscribe != nil {
		m.subscribe.Remove(addr)
	}
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) cleanupLoop(interval time.Duration) {
	defer m.wg.Done()

	ticker := m.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.conn.Sweep(2 * interval)
		case <-m.stopCh:
			return
		}
	}
}

func extractIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

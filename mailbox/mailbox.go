// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mailbox routes posts, subscriptions, fetches and status queries
// to the provider registered for the address scheme.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/absmach/mailbox/address"
	"github.com/absmach/mailbox/provider"
	"github.com/absmach/mailbox/ratelimit"
	"github.com/absmach/mailbox/types"
)

var (
	ErrNoProvider     = errors.New("no provider for protocol")
	ErrProviderExists = errors.New("provider already registered for protocol")
	ErrNilProvider    = errors.New("provider cannot be nil")
	ErrInvalidAddress = errors.New("invalid address")
	ErrRateLimited    = errors.New("rate limit exceeded")
)

// Option configures a Mailbox.
type Option func(*Mailbox)

// WithLogger sets the mailbox logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mailbox) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRateLimiter limits posts per sender and subscriptions per address.
func WithRateLimiter(rl *ratelimit.Manager) Option {
	return func(m *Mailbox) {
		m.limiter = rl
	}
}

// Mailbox is the entry point for applications. It is safe for concurrent use.
type Mailbox struct {
	mu        sync.RWMutex
	providers map[string]provider.Provider
	logger    *slog.Logger
	limiter   *ratelimit.Manager
}

// New creates a mailbox with no providers.
func New(opts ...Option) *Mailbox {
	m := &Mailbox{
		providers: make(map[string]provider.Provider),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register makes p serve addresses with its protocol as scheme.
func (m *Mailbox) Register(p provider.Provider) error {
	if p == nil {
		return ErrNilProvider
	}
	protocol := strings.ToLower(p.Protocol())

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.providers[protocol]; ok {
		return fmt.Errorf("%w: %s", ErrProviderExists, protocol)
	}
	m.providers[protocol] = p

	m.logger.Info("provider registered", slog.String("protocol", protocol))
	return nil
}

// Unregister removes the provider for protocol and returns it.
// The provider is not closed.
func (m *Mailbox) Unregister(protocol string) (provider.Provider, bool) {
	protocol = strings.ToLower(protocol)

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.providers[protocol]
	if ok {
		delete(m.providers, protocol)
		m.logger.Info("provider unregistered", slog.String("protocol", protocol))
	}
	return p, ok
}

// Protocols lists the registered schemes in sorted order.
func (m *Mailbox) Protocols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.providers))
	for p := range m.providers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Post sends mail through the provider of its recipient's scheme. The id
// is mail.ID when set, otherwise one generated by that provider. The sent
// message is returned without the provider's sent-at stamp.
func (m *Mailbox) Post(ctx context.Context, mail types.OutgoingMail) (*types.Message, error) {
	to, err := parse(mail.To)
	if err != nil {
		return nil, err
	}
	var from *url.URL
	if mail.From != "" {
		if from, err = parse(mail.From); err != nil {
			return nil, err
		}
	}

	p, err := m.resolve(to)
	if err != nil {
		return nil, err
	}

	sender := address.Topic(from)
	if sender == "" {
		sender = address.Topic(to)
	}
	if !m.limiter.AllowPost(sender) {
		return nil, fmt.Errorf("%w: post from %s", ErrRateLimited, sender)
	}

	id := mail.ID
	if id == "" {
		id = p.GenerateID()
	}
	headers := make(map[string]any, len(mail.Headers))
	for k, v := range mail.Headers {
		headers[k] = v
	}

	msg := &types.Message{
		ID:      id,
		From:    from,
		To:      to,
		Body:    mail.Body,
		Headers: headers,
	}
	if err := p.Send(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Subscribe registers handler for pushes to addr.
func (m *Mailbox) Subscribe(ctx context.Context, addr string, handler provider.Handler) (*provider.Subscription, error) {
	u, err := parse(addr)
	if err != nil {
		return nil, err
	}
	p, err := m.resolve(u)
	if err != nil {
		return nil, err
	}

	topic := address.Topic(u)
	if !m.limiter.AllowSubscribe(topic) {
		return nil, fmt.Errorf("%w: subscribe to %s", ErrRateLimited, topic)
	}
	return p.Subscribe(ctx, u, handler)
}

// Fetch pulls the next message for addr. A nil delivery with a nil error
// means the mailbox is empty.
func (m *Mailbox) Fetch(ctx context.Context, addr string, opts types.FetchOptions) (*types.Delivery, error) {
	u, err := parse(addr)
	if err != nil {
		return nil, err
	}
	p, err := m.resolve(u)
	if err != nil {
		return nil, err
	}
	return p.Fetch(ctx, u, opts)
}

// Status reports the mailbox state of addr.
func (m *Mailbox) Status(ctx context.Context, addr string) (types.Status, error) {
	u, err := parse(addr)
	if err != nil {
		return types.Status{}, err
	}
	p, err := m.resolve(u)
	if err != nil {
		return types.Status{}, err
	}
	return p.Status(ctx, u)
}

// Close closes every registered provider.
func (m *Mailbox) Close(ctx context.Context) error {
	m.mu.RLock()
	providers := make([]provider.Provider, 0, len(m.providers))
	for _, p := range m.providers {
		providers = append(providers, p)
	}
	m.mu.RUnlock()

	var errs []error
	for _, p := range providers {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s provider: %w", p.Protocol(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Mailbox) resolve(u *url.URL) (provider.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.providers[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, u.Scheme)
	}
	return p, nil
}

func parse(raw string) (*url.URL, error) {
	u, err := address.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	return u, nil
}

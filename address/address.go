// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package address parses mailbox addresses and derives the canonical topic
// key used to partition queues and route subscriptions.
package address

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrEmptyAddress  = errors.New("empty address")
	ErrMissingScheme = errors.New("address has no scheme")
)

// Parse parses a mailbox address such as "mem://user@service/inbox".
func Parse(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyAddress
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", raw, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("%w: %q", ErrMissingScheme, raw)
	}
	return u, nil
}

// MustParse is Parse for addresses known to be valid, such as test fixtures.
func MustParse(raw string) *url.URL {
	u, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// Topic returns the canonical identifier of the mailbox behind u:
// scheme://[user@]host/path. Passwords, query strings and fragments are
// dropped, so addresses that differ only in those parts share a topic.
func Topic(u *url.URL) string {
	if u == nil {
		return ""
	}

	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteByte(':')

	if u.Opaque != "" {
		b.WriteString(u.Opaque)
		return b.String()
	}

	b.WriteString("//")
	if u.User != nil {
		if name := u.User.Username(); name != "" {
			b.WriteString(url.User(name).String())
			b.WriteByte('@')
		}
	}
	b.WriteString(u.Host)
	b.WriteString(u.EscapedPath())
	return b.String()
}

// TopicOf parses raw and returns its canonical topic.
func TopicOf(raw string) (string, error) {
	u, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return Topic(u), nil
}

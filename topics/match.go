// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package topics matches canonical mailbox topics against filters.
// Topics are split on "/"; in a filter "+" matches exactly one segment and
// a trailing "#" matches the remaining segments, including none.
package topics

import (
	"errors"
	"strings"
)

var ErrInvalidFilter = errors.New("invalid topic filter")

// Match reports whether topic matches filter.
func Match(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if filter == topic {
		return true
	}

	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")

	for i, f := range filterLevels {
		if f == "#" {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if f != "+" && f != topicLevels[i] {
			return false
		}
	}

	return len(filterLevels) == len(topicLevels)
}

// ValidateFilter checks that wildcards occupy whole segments and that "#"
// only appears last.
func ValidateFilter(filter string) error {
	if filter == "" {
		return ErrInvalidFilter
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if level == "#" {
			if i != len(levels)-1 {
				return ErrInvalidFilter
			}
			continue
		}
		if level != "+" && strings.ContainsAny(level, "+#") {
			return ErrInvalidFilter
		}
	}
	return nil
}

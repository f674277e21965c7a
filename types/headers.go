// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

const (
	// HeaderSentAt is stamped by every provider on send (RFC 3339, UTC).
	HeaderSentAt = "sent-at"
	// HeaderReplyTo carries the address replies should be posted to.
	HeaderReplyTo = "reply-to"
)

// TimeFormat is the ISO 8601 layout used for timestamps in headers and status.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

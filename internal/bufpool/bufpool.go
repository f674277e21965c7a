// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool pools the buffers used to encode outbound frames.
package bufpool

import (
	"bytes"
	"encoding/json"
	"sync"
)

const maxPooledCap = 64 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool. Buffers grown past 64 KiB are dropped.
func Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}

// EncodeJSON encodes v into a pooled buffer without the trailing newline.
// The caller owns the buffer and must Put it back once the bytes are written.
func EncodeJSON(v any) (*bytes.Buffer, error) {
	b := Get()
	if err := json.NewEncoder(b).Encode(v); err != nil {
		Put(b)
		return nil, err
	}
	b.Truncate(b.Len() - 1)
	return b, nil
}

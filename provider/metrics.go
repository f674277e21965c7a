// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package provider

import "time"

// Recorder receives provider metrics. server/otel.Metrics implements it.
type Recorder interface {
	RecordSent(protocol string)
	RecordFetched(protocol string, manual bool)
	RecordDelivered(protocol string, duration time.Duration)
	RecordAck(protocol string)
	RecordNack(protocol string, requeue bool)
	RecordSubscriptionAdded(protocol string)
	RecordSubscriptionRemoved(protocol string)
	RecordError(protocol, op string)
}

type nopRecorder struct{}

func (nopRecorder) RecordSent(string)                     {}
func (nopRecorder) RecordFetched(string, bool)            {}
func (nopRecorder) RecordDelivered(string, time.Duration) {}
func (nopRecorder) RecordAck(string)                      {}
func (nopRecorder) RecordNack(string, bool)               {}
func (nopRecorder) RecordSubscriptionAdded(string)        {}
func (nopRecorder) RecordSubscriptionRemoved(string)      {}
func (nopRecorder) RecordError(string, string)            {}

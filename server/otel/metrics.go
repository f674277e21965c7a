// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/mailbox/provider"
	"github.com/absmach/mailbox/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/mailbox"

var _ provider.Recorder = (*Metrics)(nil)

// Metrics holds the mailbox metric instruments. It implements provider.Recorder.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesSent    metric.Int64Counter
	messagesFetched metric.Int64Counter
	messagesAcked   metric.Int64Counter
	messagesNacked  metric.Int64Counter
	errorsTotal     metric.Int64Counter

	// UpDownCounters
	subscriptionsActive metric.Int64UpDownCounter

	// Histograms
	deliveryDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on mp, or on the global meter provider if mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &Metrics{meter: mp.Meter(meterName)}

	var err error
	if m.messagesSent, err = m.meter.Int64Counter(
		"mailbox.messages.sent.total",
		metric.WithDescription("Messages accepted by a provider"),
	); err != nil {
		return nil, fmt.Errorf("failed to create messagesSent counter: %w", err)
	}

	if m.messagesFetched, err = m.meter.Int64Counter(
		"mailbox.messages.fetched.total",
		metric.WithDescription("Messages pulled by fetch"),
	); err != nil {
		return nil, fmt.Errorf("failed to create messagesFetched counter: %w", err)
	}

	if m.messagesAcked, err = m.meter.Int64Counter(
		"mailbox.messages.acked.total",
		metric.WithDescription("Push deliveries acknowledged"),
	); err != nil {
		return nil, fmt.Errorf("failed to create messagesAcked counter: %w", err)
	}

	if m.messagesNacked, err = m.meter.Int64Counter(
		"mailbox.messages.nacked.total",
		metric.WithDescription("Push deliveries rejected, by requeue decision"),
	); err != nil {
		return nil, fmt.Errorf("failed to create messagesNacked counter: %w", err)
	}

	if m.errorsTotal, err = m.meter.Int64Counter(
		"mailbox.errors.total",
		metric.WithDescription("Transport hook failures by operation"),
	); err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	if m.subscriptionsActive, err = m.meter.Int64UpDownCounter(
		"mailbox.subscriptions.active",
		metric.WithDescription("Active push subscriptions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create subscriptionsActive gauge: %w", err)
	}

	if m.deliveryDuration, err = m.meter.Float64Histogram(
		"mailbox.delivery.duration",
		metric.WithDescription("Push handler duration"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create deliveryDuration histogram: %w", err)
	}

	return m, nil
}

// ObserveQueue reports unread and in-flight counts for every topic of q.
func (m *Metrics) ObserveQueue(q *queue.Queue) error {
	unread, err := m.meter.Int64ObservableGauge(
		"mailbox.queue.unread",
		metric.WithDescription("Pending messages per topic"),
	)
	if err != nil {
		return fmt.Errorf("failed to create unread gauge: %w", err)
	}
	inflight, err := m.meter.Int64ObservableGauge(
		"mailbox.queue.inflight",
		metric.WithDescription("In-flight messages per topic"),
	)
	if err != nil {
		return fmt.Errorf("failed to create inflight gauge: %w", err)
	}

	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, topic := range q.Topics() {
			st := q.Status(topic)
			attrs := metric.WithAttributes(attribute.String("topic", topic))
			o.ObserveInt64(unread, int64(st.UnreadCount), attrs)
			o.ObserveInt64(inflight, int64(st.InFlightCount), attrs)
		}
		return nil
	}, unread, inflight)
	if err != nil {
		return fmt.Errorf("failed to register queue callback: %w", err)
	}
	return nil
}

func protocolAttr(protocol string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("protocol", protocol))
}

func (m *Metrics) RecordSent(protocol string) {
	m.messagesSent.Add(context.Background(), 1, protocolAttr(protocol))
}

func (m *Metrics) RecordFetched(protocol string, manual bool) {
	m.messagesFetched.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("protocol", protocol),
		attribute.Bool("manual_ack", manual),
	))
}

func (m *Metrics) RecordDelivered(protocol string, d time.Duration) {
	m.deliveryDuration.Record(context.Background(), float64(d)/float64(time.Millisecond), protocolAttr(protocol))
}

func (m *Metrics) RecordAck(protocol string) {
	m.messagesAcked.Add(context.Background(), 1, protocolAttr(protocol))
}

func (m *Metrics) RecordNack(protocol string, requeue bool) {
	m.messagesNacked.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("protocol", protocol),
		attribute.Bool("requeue", requeue),
	))
}

func (m *Metrics) RecordSubscriptionAdded(protocol string) {
	m.subscriptionsActive.Add(context.Background(), 1, protocolAttr(protocol))
}

func (m *Metrics) RecordSubscriptionRemoved(protocol string) {
	m.subscriptionsActive.Add(context.Background(), -1, protocolAttr(protocol))
}

// RecordError counts a failed transport hook; op is send, fetch, ack, nack, status, subscribe or unsubscribe.
func (m *Metrics) RecordError(protocol, op string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("protocol", protocol),
		attribute.String("op", op),
	))
}

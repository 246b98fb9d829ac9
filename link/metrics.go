// Copyright (c) Flowgate
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry instruments for the receive-side credit
// engine, grounded in the teacher's amqp/broker.Metrics.
type Metrics struct {
	meter metric.Meter

	creditIssuedTotal   metric.Int64Counter
	messagesQueuedTotal metric.Int64Counter
	messagesDeliveredTotal metric.Int64Counter
	dispositionTimeouts metric.Int64Counter

	queueDepth   metric.Int64UpDownCounter
	waitersDepth metric.Int64UpDownCounter

	waiterGatherLatency     metric.Float64Histogram
	dispositionRoundTrip    metric.Float64Histogram
}

// NewMetrics creates a Metrics instance with every instrument
// initialized. A nil *Metrics is a valid, inert value: every recorder
// method below tolerates it.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{meter: otel.Meter("amqp10recv.link")}

	var err error
	if m.creditIssuedTotal, err = m.meter.Int64Counter(
		"amqp10recv.credit.issued.total",
		metric.WithDescription("Total link credit issued to the peer"),
	); err != nil {
		return nil, fmt.Errorf("create creditIssuedTotal counter: %w", err)
	}
	if m.messagesQueuedTotal, err = m.meter.Int64Counter(
		"amqp10recv.messages.queued.total",
		metric.WithDescription("Total messages buffered in the flow-queue"),
	); err != nil {
		return nil, fmt.Errorf("create messagesQueuedTotal counter: %w", err)
	}
	if m.messagesDeliveredTotal, err = m.meter.Int64Counter(
		"amqp10recv.messages.delivered.total",
		metric.WithDescription("Total messages delivered to a waiter or listener"),
	); err != nil {
		return nil, fmt.Errorf("create messagesDeliveredTotal counter: %w", err)
	}
	if m.dispositionTimeouts, err = m.meter.Int64Counter(
		"amqp10recv.disposition.timeouts.total",
		metric.WithDescription("Total disposition round-trips that timed out"),
	); err != nil {
		return nil, fmt.Errorf("create dispositionTimeouts counter: %w", err)
	}
	if m.queueDepth, err = m.meter.Int64UpDownCounter(
		"amqp10recv.queue.depth",
		metric.WithDescription("Messages currently buffered in the flow-queue"),
	); err != nil {
		return nil, fmt.Errorf("create queueDepth counter: %w", err)
	}
	if m.waitersDepth, err = m.meter.Int64UpDownCounter(
		"amqp10recv.waiters.depth",
		metric.WithDescription("Pending receive requests currently enrolled"),
	); err != nil {
		return nil, fmt.Errorf("create waitersDepth counter: %w", err)
	}
	if m.waiterGatherLatency, err = m.meter.Float64Histogram(
		"amqp10recv.waiter.gather.latency",
		metric.WithDescription("Seconds between waiter enrolment and completion"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create waiterGatherLatency histogram: %w", err)
	}
	if m.dispositionRoundTrip, err = m.meter.Float64Histogram(
		"amqp10recv.disposition.roundtrip.latency",
		metric.WithDescription("Seconds between disposition issuance and peer reciprocation"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create dispositionRoundTrip histogram: %w", err)
	}
	return m, nil
}

func (m *Metrics) creditIssued(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.creditIssuedTotal.Add(ctx, n)
}

func (m *Metrics) messageQueued(ctx context.Context) {
	if m == nil {
		return
	}
	m.messagesQueuedTotal.Add(ctx, 1)
	m.queueDepth.Add(ctx, 1)
}

func (m *Metrics) messageDequeued(ctx context.Context) {
	if m == nil {
		return
	}
	m.queueDepth.Add(ctx, -1)
}

func (m *Metrics) messageDelivered(ctx context.Context) {
	if m == nil {
		return
	}
	m.messagesDeliveredTotal.Add(ctx, 1)
}

func (m *Metrics) waiterEnrolled(ctx context.Context) {
	if m == nil {
		return
	}
	m.waitersDepth.Add(ctx, 1)
}

func (m *Metrics) waiterCompleted(ctx context.Context, gatherSeconds float64) {
	if m == nil {
		return
	}
	m.waitersDepth.Add(ctx, -1)
	m.waiterGatherLatency.Record(ctx, gatherSeconds)
}

func (m *Metrics) dispositionTimedOut(ctx context.Context) {
	if m == nil {
		return
	}
	m.dispositionTimeouts.Add(ctx, 1)
}

func (m *Metrics) dispositionCompleted(ctx context.Context, roundTripSeconds float64) {
	if m == nil {
		return
	}
	m.dispositionRoundTrip.Record(ctx, roundTripSeconds)
}

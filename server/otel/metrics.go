// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the fleet agent.
type Metrics struct {
	meter metric.Meter

	// Counters
	exchangesTotal metric.Int64Counter
	messagesSent   metric.Int64Counter
	errorsTotal    metric.Int64Counter

	// UpDownCounters (Gauges)
	pendingMessages metric.Int64UpDownCounter

	// Histograms
	exchangeDuration metric.Float64Histogram

	lastPending int64
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("fleet-agent"),
	}

	var err error

	m.exchangesTotal, err = m.meter.Int64Counter(
		"agent.exchanges.total",
		metric.WithDescription("Total exchange attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create exchangesTotal counter: %w", err)
	}

	m.messagesSent, err = m.meter.Int64Counter(
		"agent.messages.sent.total",
		metric.WithDescription("Total messages delivered to the server"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesSent counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"agent.errors.total",
		metric.WithDescription("Total errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.pendingMessages, err = m.meter.Int64UpDownCounter(
		"agent.messages.pending",
		metric.WithDescription("Messages queued and not yet acknowledged"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pendingMessages gauge: %w", err)
	}

	m.exchangeDuration, err = m.meter.Float64Histogram(
		"agent.exchange.duration.ms",
		metric.WithDescription("Exchange round-trip duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create exchangeDuration histogram: %w", err)
	}

	return m, nil
}

// ExchangeCompleted records one exchange attempt. Implements the exchange
// engine's observer hook.
func (m *Metrics) ExchangeCompleted(dur time.Duration, sent int, err error) {
	ctx := context.Background()

	outcome := "success"
	if err != nil {
		outcome = "failure"
		m.errorsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", "exchange"),
		))
	} else if sent > 0 {
		m.messagesSent.Add(ctx, int64(sent))
	}

	m.exchangesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
	m.exchangeDuration.Record(ctx, float64(dur.Milliseconds()))
}

// PendingMessages tracks the queue depth gauge.
func (m *Metrics) PendingMessages(n int) {
	delta := int64(n) - m.lastPending
	if delta != 0 {
		m.pendingMessages.Add(context.Background(), delta)
		m.lastPending = int64(n)
	}
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the stream processing
// pipeline. A nil *Metrics is valid and records nothing, so components can
// run without telemetry wired.
type Metrics struct {
	meter metric.Meter

	// Counters
	entriesAppended     metric.Int64Counter
	entriesDispatched   metric.Int64Counter
	entriesAcked        metric.Int64Counter
	entriesReclaimed    metric.Int64Counter
	entriesDeadLettered metric.Int64Counter
	parseFailures       metric.Int64Counter
	dedupHits           metric.Int64Counter

	// UpDownCounters (gauges)
	pendingSize metric.Int64UpDownCounter

	// Histograms
	processingDuration metric.Float64Histogram
}

// NewMetrics creates a Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("stream-engine"),
	}

	var err error

	m.entriesAppended, err = m.meter.Int64Counter(
		"stream.entries.appended.total",
		metric.WithDescription("Total entries appended to the log"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create entriesAppended counter: %w", err)
	}

	m.entriesDispatched, err = m.meter.Int64Counter(
		"stream.entries.dispatched.total",
		metric.WithDescription("Total entries dispatched to consumers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create entriesDispatched counter: %w", err)
	}

	m.entriesAcked, err = m.meter.Int64Counter(
		"stream.entries.acked.total",
		metric.WithDescription("Total entries acknowledged"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create entriesAcked counter: %w", err)
	}

	m.entriesReclaimed, err = m.meter.Int64Counter(
		"stream.entries.reclaimed.total",
		metric.WithDescription("Total stale pending entries reassigned"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create entriesReclaimed counter: %w", err)
	}

	m.entriesDeadLettered, err = m.meter.Int64Counter(
		"stream.entries.deadlettered.total",
		metric.WithDescription("Total entries moved to the dead-letter set"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create entriesDeadLettered counter: %w", err)
	}

	m.parseFailures, err = m.meter.Int64Counter(
		"stream.parse.failures.total",
		metric.WithDescription("Total malformed entries skipped"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create parseFailures counter: %w", err)
	}

	m.dedupHits, err = m.meter.Int64Counter(
		"stream.dedup.hits.total",
		metric.WithDescription("Total redelivered entries skipped by the dedup window"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupHits counter: %w", err)
	}

	m.pendingSize, err = m.meter.Int64UpDownCounter(
		"stream.pending.size",
		metric.WithDescription("Current number of pending entries"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pendingSize gauge: %w", err)
	}

	m.processingDuration, err = m.meter.Float64Histogram(
		"stream.processing.duration.ms",
		metric.WithDescription("Per-entry apply duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create processingDuration histogram: %w", err)
	}

	return m, nil
}

// RecordAppended records entries appended to the log.
func (m *Metrics) RecordAppended(n int64) {
	if m == nil {
		return
	}
	m.entriesAppended.Add(context.Background(), n)
}

// RecordDispatched records entries handed to a consumer.
func (m *Metrics) RecordDispatched(group string, n int64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.entriesDispatched.Add(ctx, n, metric.WithAttributes(
		attribute.String("group", group),
	))
	m.pendingSize.Add(ctx, n)
}

// RecordAcked records acknowledged entries.
func (m *Metrics) RecordAcked(group string, n int64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.entriesAcked.Add(ctx, n, metric.WithAttributes(
		attribute.String("group", group),
	))
	m.pendingSize.Add(ctx, -n)
}

// RecordReclaimed records stale entries reassigned to a live consumer.
func (m *Metrics) RecordReclaimed(group string, n int64) {
	if m == nil {
		return
	}
	m.entriesReclaimed.Add(context.Background(), n, metric.WithAttributes(
		attribute.String("group", group),
	))
}

// RecordDeadLettered records entries moved to the dead-letter set.
func (m *Metrics) RecordDeadLettered(group, reason string) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.entriesDeadLettered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("group", group),
		attribute.String("reason", reason),
	))
	m.pendingSize.Add(ctx, -1)
}

// RecordParseFailure records a malformed entry.
func (m *Metrics) RecordParseFailure(group string) {
	if m == nil {
		return
	}
	m.parseFailures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("group", group),
	))
}

// RecordDedupHit records a redelivered entry skipped by the dedup window.
func (m *Metrics) RecordDedupHit(group string) {
	if m == nil {
		return
	}
	m.dedupHits.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("group", group),
	))
}

// RecordProcessingDuration records the apply duration of one entry.
func (m *Metrics) RecordProcessingDuration(durationMs float64) {
	if m == nil {
		return
	}
	m.processingDuration.Record(context.Background(), durationMs)
}

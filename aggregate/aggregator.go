// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mukprojects/streaming-analytics-platform/group"
	srvotel "github.com/Mukprojects/streaming-analytics-platform/server/otel"
	"github.com/Mukprojects/streaming-analytics-platform/stream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Snapshot is a point-in-time copy of all aggregates, safe to read after
// the aggregator moves on.
type Snapshot struct {
	Counters    map[string]uint64  `json:"counters"`
	Sums        map[string]float64 `json:"sums"`
	LastEntryID uint64             `json:"last_entry_id"`
	LastUpdated time.Time          `json:"last_updated"`
}

// Aggregator folds delivered entries into running aggregates, applying
// each entry at most once. The order per entry is: parse, dedup check,
// persist, apply in memory, acknowledge. A crash between persist and ack
// leaves the entry pending; the dedup window absorbs its redelivery.
type Aggregator struct {
	mu sync.RWMutex

	state   *group.State
	store   *Store
	window  *dedupWindow
	metrics *srvotel.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer

	counters    map[string]uint64
	sums        map[string]float64
	lastEntryID uint64
	lastUpdated time.Time
}

// NewAggregator creates an aggregator acknowledging into state and
// persisting into store, restoring both the aggregates and the dedup
// window from a previous run.
func NewAggregator(state *group.State, store *Store, windowSize int, metrics *srvotel.Metrics, logger *slog.Logger) (*Aggregator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	counters, sums, lastEntryID, lastUpdated, applied, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to restore aggregates: %w", err)
	}

	window := newDedupWindow(windowSize)
	for _, id := range applied {
		window.Add(id)
	}

	a := &Aggregator{
		state:       state,
		store:       store,
		window:      window,
		metrics:     metrics,
		logger:      logger,
		tracer:      otel.Tracer("aggregator"),
		counters:    counters,
		sums:        sums,
		lastEntryID: lastEntryID,
		lastUpdated: lastUpdated,
	}

	if lastEntryID > 0 {
		logger.Info("aggregates restored",
			slog.Uint64("last_entry_id", lastEntryID),
			slog.Int("dedup_window", window.Len()))
	}

	return a, nil
}

// Apply processes one delivered entry end to end, including its
// acknowledgement. A returned error leaves the entry pending.
func (a *Aggregator) Apply(ctx context.Context, entry stream.Entry) error {
	start := time.Now()
	ctx, span := a.tracer.Start(ctx, "aggregate.apply",
		trace.WithAttributes(attribute.Int64("entry.id", int64(entry.ID))))
	defer span.End()
	defer func() {
		a.metrics.RecordProcessingDuration(float64(time.Since(start).Microseconds()) / 1000.0)
	}()

	ev, err := ParseEvent(entry)
	if err != nil {
		if errors.Is(err, ErrMalformedEntry) {
			// Fail open on bad data: count it and move on.
			a.metrics.RecordParseFailure(a.state.Name())
			a.logger.Warn("malformed entry skipped", slog.Uint64("entry_id", entry.ID))
			span.SetAttributes(attribute.Bool("entry.malformed", true))
			return a.ack(entry.ID)
		}
		return err
	}

	a.mu.Lock()

	if a.window.Contains(entry.ID) {
		a.mu.Unlock()
		a.metrics.RecordDedupHit(a.state.Name())
		a.logger.Debug("redelivered entry already applied", slog.Uint64("entry_id", entry.ID))
		span.SetAttributes(attribute.Bool("entry.duplicate", true))
		return a.ack(entry.ID)
	}

	touchedCounters, touchedSums := a.compute(ev)
	now := time.Now()

	if err := a.store.Persist(touchedCounters, touchedSums, entry.ID, now); err != nil {
		a.mu.Unlock()
		return err
	}

	for k, v := range touchedCounters {
		a.counters[k] = v
	}
	for k, v := range touchedSums {
		a.sums[k] = v
	}
	if entry.ID > a.lastEntryID {
		a.lastEntryID = entry.ID
	}
	a.lastUpdated = now
	a.window.Add(entry.ID)

	a.mu.Unlock()

	span.SetAttributes(attribute.String("event.type", ev.Type))
	return a.ack(entry.ID)
}

// compute returns the new values of every aggregate this event touches.
// Caller must hold a.mu.
func (a *Aggregator) compute(ev Event) (map[string]uint64, map[string]float64) {
	counters := map[string]uint64{
		"total_count": a.counters["total_count"] + 1,
	}
	typeKey := "type:" + ev.Type + ":count"
	counters[typeKey] = a.counters[typeKey] + 1
	if ev.Product != "" {
		key := "product:" + ev.Product + ":count"
		counters[key] = a.counters[key] + 1
	}
	if ev.SessionID != "" {
		key := "session:" + ev.SessionID + ":events"
		counters[key] = a.counters[key] + 1
	}

	sums := map[string]float64{}
	if ev.HasValue {
		key := "type:" + ev.Type + ":value_sum"
		sums[key] = a.sums[key] + ev.Value
	}

	return counters, sums
}

func (a *Aggregator) ack(entryID uint64) error {
	removed, err := a.state.Ack(entryID)
	if err != nil {
		return fmt.Errorf("failed to ack entry %d: %w", entryID, err)
	}
	// A no-op ack must not move the pending gauge.
	if removed {
		a.metrics.RecordAcked(a.state.Name(), 1)
	}
	return nil
}

// Snapshot returns a consistent copy of all aggregates.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snap := Snapshot{
		Counters:    make(map[string]uint64, len(a.counters)),
		Sums:        make(map[string]float64, len(a.sums)),
		LastEntryID: a.lastEntryID,
		LastUpdated: a.lastUpdated,
	}
	for k, v := range a.counters {
		snap.Counters[k] = v
	}
	for k, v := range a.sums {
		snap.Sums[k] = v
	}
	return snap
}

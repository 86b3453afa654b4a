// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mukprojects/streaming-analytics-platform/group"
	"github.com/Mukprojects/streaming-analytics-platform/server/otel"
	"github.com/Mukprojects/streaming-analytics-platform/stream"
	"github.com/sony/gobreaker"
)

const (
	maxReadAttempts = 3
	initialBackoff  = 50 * time.Millisecond
)

// Dispatcher hands out new log entries to consumers. A fetch reads after
// the group cursor and registers the batch as pending in the same critical
// section, so concurrent consumers never receive the same entry. Log reads
// go through a circuit breaker with exponential backoff for transient
// failures; the pending set is only mutated after a successful read.
type Dispatcher struct {
	mu sync.Mutex

	log     stream.Log
	state   *group.State
	metrics *otel.Metrics
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker
}

// NewDispatcher creates a dispatcher for one consumer group.
func NewDispatcher(log stream.Log, state *group.State, metrics *otel.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "stream-read",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("stream read circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &Dispatcher{
		log:     log,
		state:   state,
		metrics: metrics,
		logger:  logger,
		breaker: breaker,
	}
}

// Fetch returns up to maxCount entries past the group cursor, assigned to
// consumerID. Returns an empty batch on block timeout, never an error.
func (d *Dispatcher) Fetch(ctx context.Context, consumerID string, maxCount int, block time.Duration) ([]stream.Entry, error) {
	if d.state.Halted() {
		return nil, group.ErrGroupHalted
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	after := d.state.LastDelivered()
	entries, err := d.readWithRetry(ctx, after, maxCount, block)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	ids := make([]uint64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}

	if err := d.state.Dispatch(consumerID, ids); err != nil {
		return nil, err
	}

	d.metrics.RecordDispatched(d.state.Name(), int64(len(entries)))
	return entries, nil
}

// readWithRetry reads from the log through the circuit breaker, backing
// off exponentially between attempts on transient failures.
func (d *Dispatcher) readWithRetry(ctx context.Context, after uint64, maxCount int, block time.Duration) ([]stream.Entry, error) {
	backoff := initialBackoff
	var lastErr error

	for attempt := 0; attempt < maxReadAttempts; attempt++ {
		result, err := d.breaker.Execute(func() (any, error) {
			return d.log.ReadAfter(ctx, after, maxCount, block)
		})
		if err == nil {
			entries, _ := result.([]stream.Entry)
			return entries, nil
		}

		// Not transient: give up immediately
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, stream.ErrLogClosed) || errors.Is(err, stream.ErrInvalidCount) {
			return nil, err
		}

		lastErr = err
		d.logger.Warn("log read failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return nil, fmt.Errorf("log read failed after %d attempts: %w", maxReadAttempts, lastErr)
}

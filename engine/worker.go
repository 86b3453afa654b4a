// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Mukprojects/streaming-analytics-platform/group"
	"github.com/Mukprojects/streaming-analytics-platform/stream"
	"github.com/google/uuid"
)

// Applier processes one delivered entry. Implementations acknowledge the
// entry themselves once its effects are durable; an error leaves the entry
// pending for redelivery.
type Applier interface {
	Apply(ctx context.Context, entry stream.Entry) error
}

// Worker is one consumer: a loop of fetch, apply, repeat. Redelivered
// entries routed by the reclaimer take priority over fresh fetches. The
// worker registers itself with the group and heartbeats until its context
// is cancelled; in-flight entries it leaves behind are recovered by idle
// expiry.
type Worker struct {
	id         string
	state      *group.State
	dispatcher *Dispatcher
	applier    Applier
	logger     *slog.Logger

	batchSize       int
	fetchBlock      time.Duration
	heartbeatPeriod time.Duration

	redeliver chan []stream.Entry
}

func newWorker(state *group.State, dispatcher *Dispatcher, applier Applier, cfg Config, logger *slog.Logger) *Worker {
	id := "consumer-" + uuid.New().String()[:8]
	return &Worker{
		id:              id,
		state:           state,
		dispatcher:      dispatcher,
		applier:         applier,
		logger:          logger.With(slog.String("consumer", id)),
		batchSize:       cfg.BatchSize,
		fetchBlock:      cfg.FetchBlock,
		heartbeatPeriod: cfg.HeartbeatPeriod,
		redeliver:       make(chan []stream.Entry, 16),
	}
}

// ID returns the worker's consumer ID.
func (w *Worker) ID() string {
	return w.id
}

// offer queues redelivered entries without blocking the reclaimer.
func (w *Worker) offer(entries []stream.Entry) bool {
	select {
	case w.redeliver <- entries:
		return true
	default:
		return false
	}
}

// Run executes the consume loop until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.state.RegisterConsumer(w.id)
	go w.heartbeatLoop(ctx)

	w.logger.Info("worker started", slog.String("group", w.state.Name()))
	defer w.logger.Info("worker stopped")

	for {
		// Redeliveries first, so reclaimed entries are not starved by a
		// busy stream.
		select {
		case <-ctx.Done():
			return
		case entries := <-w.redeliver:
			w.process(ctx, entries)
			continue
		default:
		}

		entries, err := w.dispatcher.Fetch(ctx, w.id, w.batchSize, w.fetchBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, group.ErrGroupHalted) {
				w.logger.Error("group halted, worker exiting")
				return
			}
			w.logger.Error("fetch failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		w.process(ctx, entries)
	}
}

func (w *Worker) process(ctx context.Context, entries []stream.Entry) {
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if err := w.applier.Apply(ctx, entry); err != nil {
			// Entry stays pending; redelivery will retry it.
			w.logger.Error("apply failed",
				slog.Uint64("entry_id", entry.ID),
				slog.String("error", err.Error()))
		}
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.state.UnregisterConsumer(w.id)
			return
		case <-ticker.C:
			if err := w.state.Heartbeat(w.id); err != nil {
				// Expired by the reclaimer; re-register to rejoin.
				w.state.RegisterConsumer(w.id)
			}
		}
	}
}

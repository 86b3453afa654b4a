// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Mukprojects/streaming-analytics-platform/group"
	"github.com/Mukprojects/streaming-analytics-platform/server/otel"
	"github.com/Mukprojects/streaming-analytics-platform/stream"
)

// Config holds engine configuration.
type Config struct {
	Workers          int
	BatchSize        int
	FetchBlock       time.Duration
	HeartbeatPeriod  time.Duration
	HeartbeatTimeout time.Duration
	IdleThreshold    time.Duration
	ReclaimInterval  time.Duration
	MaxDeliveries    int

	DeadLetterLimit int
	AlertWebhookURL string
	AlertTimeout    time.Duration
}

// DefaultConfig returns default engine configuration.
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		BatchSize:        64,
		FetchBlock:       2 * time.Second,
		HeartbeatPeriod:  1 * time.Second,
		HeartbeatTimeout: 5 * time.Second,
		IdleThreshold:    10 * time.Second,
		ReclaimInterval:  2 * time.Second,
		MaxDeliveries:    5,
		DeadLetterLimit:  1000,
		AlertTimeout:     5 * time.Second,
	}
}

// Engine wires the consumer side of one group: a shared dispatcher, a pool
// of workers and the reclaimer that recovers entries from dead or stuck
// consumers.
type Engine struct {
	config  Config
	state   *group.State
	logger  *slog.Logger
	letters *DeadLetterManager

	dispatcher *Dispatcher
	reclaimer  *Reclaimer
	workers    map[string]*Worker

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates an engine consuming log entries on behalf of state's group.
func New(log stream.Log, state *group.State, applier Applier, cfg Config, metrics *otel.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	var handler AlertHandler = NoOpAlertHandler{}
	if cfg.AlertWebhookURL != "" {
		handler = NewHTTPAlertHandler(cfg.AlertTimeout)
	}
	letters := NewDeadLetterManager(cfg.DeadLetterLimit, cfg.AlertWebhookURL, handler, logger)

	e := &Engine{
		config:  cfg,
		state:   state,
		logger:  logger,
		letters: letters,
		workers: make(map[string]*Worker),
	}

	e.dispatcher = NewDispatcher(log, state, metrics, logger)
	for i := 0; i < cfg.Workers; i++ {
		w := newWorker(state, e.dispatcher, applier, cfg, logger)
		e.workers[w.ID()] = w
	}
	e.reclaimer = NewReclaimer(state, log, letters, cfg, e.route, metrics, logger)

	return e
}

// route hands reclaimed entries to the target worker's redelivery queue.
func (e *Engine) route(consumerID string, entries []stream.Entry) bool {
	w, ok := e.workers[consumerID]
	if !ok {
		return false
	}
	return w.offer(entries)
}

// DeadLetters exposes the dead-letter set for the read API.
func (e *Engine) DeadLetters() *DeadLetterManager {
	return e.letters
}

// Start launches the workers and the reclaimer.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	for _, w := range e.workers {
		e.wg.Add(1)
		go func(w *Worker) {
			defer e.wg.Done()
			w.Run(ctx)
		}(w)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reclaimer.Run(ctx)
	}()

	e.logger.Info("engine started",
		slog.String("group", e.state.Name()),
		slog.Int("workers", e.config.Workers))
}

// Stop cancels all workers and the reclaimer and waits for them to exit.
// In-flight entries stay pending and are recovered on the next start.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("engine stopped", slog.String("group", e.state.Name()))
}

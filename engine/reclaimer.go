// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Mukprojects/streaming-analytics-platform/group"
	"github.com/Mukprojects/streaming-analytics-platform/server/otel"
	"github.com/Mukprojects/streaming-analytics-platform/stream"
)

// assignFunc routes reclaimed entries to a consumer's redelivery queue.
// It reports false when the consumer cannot accept them right now; the
// entries stay pending and the next cycle retries.
type assignFunc func(consumerID string, entries []stream.Entry) bool

// Reclaimer periodically scans the pending set for entries whose consumer
// stopped making progress. Entries past the delivery limit move to the
// dead-letter set; the rest are reassigned to a live consumer. Heartbeat
// expiry only removes dead consumers from the membership - their entries
// are recovered by the same idle scan.
type Reclaimer struct {
	state   *group.State
	log     stream.Log
	letters *DeadLetterManager
	metrics *otel.Metrics
	logger  *slog.Logger

	interval         time.Duration
	idleThreshold    time.Duration
	maxDeliveries    int
	heartbeatTimeout time.Duration

	assign  assignFunc
	rrIndex int
}

// NewReclaimer creates a reclaimer for one consumer group.
func NewReclaimer(state *group.State, log stream.Log, letters *DeadLetterManager, cfg Config, assign assignFunc, metrics *otel.Metrics, logger *slog.Logger) *Reclaimer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reclaimer{
		state:            state,
		log:              log,
		letters:          letters,
		metrics:          metrics,
		logger:           logger,
		interval:         cfg.ReclaimInterval,
		idleThreshold:    cfg.IdleThreshold,
		maxDeliveries:    cfg.MaxDeliveries,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		assign:           assign,
	}
}

// Run loops reclaim cycles until the context is cancelled.
func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

// cycle runs one reclaim pass: expire dead consumers, dead-letter entries
// past the delivery limit, reassign the remaining stale entries.
func (r *Reclaimer) cycle(ctx context.Context) {
	r.expireConsumers()

	stale := r.state.Stale(r.idleThreshold)
	if len(stale) == 0 {
		return
	}

	for _, rec := range stale {
		if ctx.Err() != nil {
			return
		}

		entry, ok, err := r.readEntry(ctx, rec.EntryID)
		if err != nil {
			// Transient log failure: leave the record for the next cycle.
			r.logger.Warn("failed to read pending entry from log",
				slog.Uint64("entry_id", rec.EntryID),
				slog.String("error", err.Error()))
			return
		}
		if !ok {
			// The log no longer holds the payload, so the entry can never
			// be redelivered. Park the record instead of retrying forever.
			r.deadLetter(rec, stream.Entry{ID: rec.EntryID}, "entry unreadable")
			continue
		}

		if rec.DeliveryCount >= r.maxDeliveries {
			r.deadLetter(rec, entry, "max deliveries exceeded")
			continue
		}
		r.reassign(rec, entry)
	}
}

// expireConsumers drops members whose heartbeat is past the timeout. Their
// pending entries stay in the pending set and age into the idle scan.
func (r *Reclaimer) expireConsumers() {
	for _, info := range r.state.ExpiredConsumers(r.heartbeatTimeout) {
		r.state.UnregisterConsumer(info.ID)
		r.logger.Warn("consumer expired, removed from group",
			slog.String("group", r.state.Name()),
			slog.String("consumer", info.ID),
			slog.Time("last_heartbeat", info.LastHeartbeat))
	}
}

// deadLetter moves an entry out of the pending set into the parked set.
func (r *Reclaimer) deadLetter(rec group.PendingRecord, entry stream.Entry, reason string) {
	if err := r.state.Remove(rec.EntryID); err != nil {
		if !errors.Is(err, group.ErrNotPending) {
			r.logger.Error("failed to remove dead-lettered entry",
				slog.Uint64("entry_id", rec.EntryID),
				slog.String("error", err.Error()))
		}
		return
	}

	r.letters.Add(DeadLetter{
		Entry:         entry,
		Group:         r.state.Name(),
		Consumer:      rec.Consumer,
		DeliveryCount: rec.DeliveryCount,
		Reason:        reason,
		MovedAt:       time.Now(),
	})
	r.metrics.RecordDeadLettered(r.state.Name(), reason)
}

// reassign transfers a stale entry to a live consumer, preferring one
// other than the current owner, and hands it to that consumer's
// redelivery queue.
func (r *Reclaimer) reassign(rec group.PendingRecord, entry stream.Entry) {
	target, ok := r.pickConsumer(rec.Consumer)
	if !ok {
		return
	}

	// Offer the entry before touching the record: a rejected handoff is
	// not a delivery and must not burn an attempt from the budget.
	if r.assign != nil && !r.assign(target, []stream.Entry{entry}) {
		r.logger.Debug("redelivery queue rejected entry",
			slog.String("consumer", target),
			slog.Uint64("entry_id", rec.EntryID))
		return
	}

	if err := r.state.Reassign(rec.EntryID, target); err != nil {
		if errors.Is(err, group.ErrNotPending) {
			// Acked between the scan and now
			return
		}
		r.logger.Error("failed to reassign entry",
			slog.Uint64("entry_id", rec.EntryID),
			slog.String("error", err.Error()))
		return
	}

	r.metrics.RecordReclaimed(r.state.Name(), 1)
	r.logger.Info("stale entry reassigned",
		slog.String("group", r.state.Name()),
		slog.Uint64("entry_id", rec.EntryID),
		slog.String("from", rec.Consumer),
		slog.String("to", target),
		slog.Int("delivery_count", rec.DeliveryCount+1))
}

// pickConsumer chooses the next live consumer round-robin, skipping the
// current owner unless it is the only member.
func (r *Reclaimer) pickConsumer(owner string) (string, bool) {
	live := r.state.LiveConsumers()
	if len(live) == 0 {
		return "", false
	}

	for i := 0; i < len(live); i++ {
		candidate := live[(r.rrIndex+i)%len(live)]
		if candidate.ID != owner {
			r.rrIndex = (r.rrIndex + i + 1) % len(live)
			return candidate.ID, true
		}
	}

	// Owner is the only live consumer
	return owner, true
}

// readEntry fetches one entry by ID for redelivery or dead-lettering. ok is
// false when the log holds no entry with this ID; err reports a transient
// read failure worth retrying.
func (r *Reclaimer) readEntry(ctx context.Context, id uint64) (stream.Entry, bool, error) {
	entries, err := r.log.ReadAfter(ctx, id-1, 1, 0)
	if err != nil {
		return stream.Entry{}, false, err
	}
	if len(entries) == 0 || entries[0].ID != id {
		return stream.Entry{}, false, nil
	}
	return entries[0], true, nil
}

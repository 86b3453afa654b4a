// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package group

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// State is the bookkeeping for one consumer group: the delivery cursor, the
// pending set and the consumer membership. Pending records and the cursor
// survive restarts through an op-log replayed over periodic snapshots;
// membership is ephemeral since consumers re-register on startup.
type State struct {
	mu sync.RWMutex

	name   string
	config StateConfig
	logger *slog.Logger

	lastDelivered uint64
	pending       map[uint64]*PendingRecord
	consumers     map[string]*ConsumerInfo
	halted        bool

	store *store // nil when persistence is disabled
}

// NewState creates or reopens group state. An empty baseDir keeps the group
// memory-only.
func NewState(baseDir, name string, config StateConfig, logger *slog.Logger) (*State, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &State{
		name:      name,
		config:    config,
		logger:    logger,
		pending:   make(map[uint64]*PendingRecord),
		consumers: make(map[string]*ConsumerInfo),
	}

	if baseDir == "" {
		return s, nil
	}

	st, err := openStore(baseDir, name, config.CompactThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to open group store: %w", err)
	}
	s.store = st

	if err := st.load(s); err != nil {
		st.close()
		return nil, fmt.Errorf("failed to load group state: %w", err)
	}

	return s, nil
}

// Name returns the group name.
func (s *State) Name() string {
	return s.name
}

// LastDelivered returns the delivery cursor: the highest entry ID ever
// handed to a consumer of this group.
func (s *State) LastDelivered() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastDelivered
}

// Halted reports whether the group has been stopped by an invariant
// violation.
func (s *State) Halted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.halted
}

// Dispatch records the delivery of ids to consumer and advances the cursor,
// as one atomic step backed by a single op-log record. Dispatching an entry
// that is already pending violates ownership exclusivity and halts the
// group.
func (s *State) Dispatch(consumer string, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted {
		return ErrGroupHalted
	}

	for _, id := range ids {
		if existing, ok := s.pending[id]; ok {
			s.halted = true
			s.logger.Error("entry dispatched while already pending, halting group",
				slog.String("group", s.name),
				slog.Uint64("entry_id", id),
				slog.String("owner", existing.Consumer),
				slog.String("dispatched_to", consumer))
			return ErrGroupHalted
		}
	}

	now := time.Now()
	op := &operation{Type: opDispatch, Consumer: consumer, EntryIDs: ids, Timestamp: now.UnixMilli()}
	if err := s.logOp(op); err != nil {
		return err
	}
	s.applyDispatch(consumer, ids, now)
	s.maybeCompact()
	return nil
}

func (s *State) applyDispatch(consumer string, ids []uint64, at time.Time) {
	for _, id := range ids {
		s.pending[id] = &PendingRecord{
			EntryID:       id,
			Consumer:      consumer,
			DeliveredAt:   at,
			DeliveryCount: 1,
		}
		if id > s.lastDelivered {
			s.lastDelivered = id
		}
	}
}

// Ack removes the pending record for entryID and reports whether one was
// removed. Acking an entry that is not pending is a no-op: the entry was
// already acked or dead-lettered.
func (s *State) Ack(entryID uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[entryID]; !ok {
		return false, nil
	}

	op := &operation{Type: opAck, EntryID: entryID, Timestamp: time.Now().UnixMilli()}
	if err := s.logOp(op); err != nil {
		return false, err
	}
	delete(s.pending, entryID)
	s.maybeCompact()
	return true, nil
}

// Reassign transfers a pending entry to newConsumer, refreshing the delivery
// timestamp and incrementing the delivery count.
func (s *State) Reassign(entryID uint64, newConsumer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted {
		return ErrGroupHalted
	}

	rec, ok := s.pending[entryID]
	if !ok {
		return ErrNotPending
	}

	now := time.Now()
	op := &operation{Type: opClaim, EntryID: entryID, Consumer: newConsumer, Timestamp: now.UnixMilli()}
	if err := s.logOp(op); err != nil {
		return err
	}

	rec.Consumer = newConsumer
	rec.DeliveredAt = now
	rec.DeliveryCount++
	s.maybeCompact()
	return nil
}

// Remove drops a pending record without acknowledging it (dead-letter path).
func (s *State) Remove(entryID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[entryID]; !ok {
		return ErrNotPending
	}

	op := &operation{Type: opRemove, EntryID: entryID, Timestamp: time.Now().UnixMilli()}
	if err := s.logOp(op); err != nil {
		return err
	}
	delete(s.pending, entryID)
	s.maybeCompact()
	return nil
}

// Pending returns a copy of the pending record for entryID.
func (s *State) Pending(entryID uint64) (PendingRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.pending[entryID]
	if !ok {
		return PendingRecord{}, false
	}
	return *rec, true
}

// ListPending returns copies of all pending records ordered by entry ID.
func (s *State) ListPending() []PendingRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]PendingRecord, 0, len(s.pending))
	for _, rec := range s.pending {
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].EntryID < records[j].EntryID })
	return records
}

// PendingCount returns the size of the pending set.
func (s *State) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// Stale returns copies of pending records idle for at least idleThreshold,
// ordered by entry ID.
func (s *State) Stale(idleThreshold time.Duration) []PendingRecord {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []PendingRecord
	for _, rec := range s.pending {
		if rec.IdleFor(now) >= idleThreshold {
			records = append(records, *rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].EntryID < records[j].EntryID })
	return records
}

// RegisterConsumer adds a consumer to the group membership. Re-registering
// refreshes the heartbeat.
func (s *State) RegisterConsumer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if info, ok := s.consumers[id]; ok {
		info.LastHeartbeat = now
		return
	}
	s.consumers[id] = &ConsumerInfo{ID: id, RegisteredAt: now, LastHeartbeat: now}
}

// UnregisterConsumer removes a consumer from the membership. Its pending
// entries stay pending and are picked up by idle-expiry reclaim.
func (s *State) UnregisterConsumer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consumers, id)
}

// Heartbeat refreshes a consumer's liveness timestamp.
func (s *State) Heartbeat(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.consumers[id]
	if !ok {
		return ErrUnknownConsumer
	}
	info.LastHeartbeat = time.Now()
	return nil
}

// LiveConsumers returns copies of all registered consumers ordered by ID.
func (s *State) LiveConsumers() []ConsumerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]ConsumerInfo, 0, len(s.consumers))
	for _, info := range s.consumers {
		infos = append(infos, *info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// ExpiredConsumers returns consumers whose last heartbeat is older than
// timeout, ordered by ID.
func (s *State) ExpiredConsumers(timeout time.Duration) []ConsumerInfo {
	cutoff := time.Now().Add(-timeout)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var infos []ConsumerInfo
	for _, info := range s.consumers {
		if info.LastHeartbeat.Before(cutoff) {
			infos = append(infos, *info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// logOp appends an operation to the op-log. Memory-only groups skip
// persistence. Caller must hold s.mu.
func (s *State) logOp(op *operation) error {
	if s.store == nil {
		return nil
	}
	return s.store.logOp(op)
}

// maybeCompact folds the op-log into a snapshot once it reaches the
// configured threshold. Runs after the triggering op has been applied so
// the snapshot includes it. Caller must hold s.mu.
func (s *State) maybeCompact() {
	if s.store == nil || s.store.opCount < s.config.CompactThreshold {
		return
	}
	if err := s.store.compact(s); err != nil {
		s.logger.Warn("failed to compact group state",
			slog.String("group", s.name),
			slog.String("error", err.Error()))
	}
}

// Close flushes and closes the group's persistence, if any.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store == nil {
		return nil
	}
	if err := s.store.compact(s); err != nil {
		s.logger.Warn("failed to compact group state on close",
			slog.String("group", s.name),
			slog.String("error", err.Error()))
	}
	return s.store.close()
}

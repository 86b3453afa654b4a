// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package aggregate

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Badger key prefixes.
const (
	prefixCounter = "agg:counter:"
	prefixSum     = "agg:sum:"
	keyLastEntry  = "agg:meta:last_entry_id"
	keyLastUpdate = "agg:meta:last_updated"
	prefixApplied = "applied:"
)

// appliedTTL bounds the applied-ID marks in the store. It comfortably
// exceeds any redelivery horizon, after which a mark is useless.
const appliedTTL = 24 * time.Hour

// Store persists aggregate values and applied-entry marks in BadgerDB.
// A nil Store (or one opened with an empty dir) is valid and keeps
// everything in memory only.
type Store struct {
	db *badger.DB

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// OpenStore opens the aggregate store at dir. An empty dir returns a
// memory-only store that persists nothing.
func OpenStore(dir string) (*Store, error) {
	if dir == "" {
		return &Store{}, nil
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // Disable BadgerDB's internal logging
	// The ack op-log fsyncs every ack, so the applied effect must be
	// durable before the ack is. An unsynced write here could survive as
	// an ack for an update that was lost.
	opts.SyncWrites = true
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open aggregate store: %w", err)
	}

	s := &Store{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	go s.runGC()

	return s, nil
}

// Persist writes the new values of the touched aggregates plus the
// applied-entry mark as one batch.
func (s *Store) Persist(counters map[string]uint64, sums map[string]float64, entryID uint64, at time.Time) error {
	if s == nil || s.db == nil {
		return nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for key, v := range counters {
		if err := wb.Set([]byte(prefixCounter+key), encodeUint64(v)); err != nil {
			return err
		}
	}
	for key, v := range sums {
		if err := wb.Set([]byte(prefixSum+key), encodeUint64(math.Float64bits(v))); err != nil {
			return err
		}
	}
	if err := wb.Set([]byte(keyLastEntry), encodeUint64(entryID)); err != nil {
		return err
	}
	if err := wb.Set([]byte(keyLastUpdate), encodeUint64(uint64(at.UnixMilli()))); err != nil {
		return err
	}

	mark := badger.NewEntry(appliedKey(entryID), nil).WithTTL(appliedTTL)
	if err := wb.SetEntry(mark); err != nil {
		return err
	}

	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to persist aggregates: %w", err)
	}
	return nil
}

// Load reads all persisted aggregates and the applied-entry marks,
// returned in ascending entry order.
func (s *Store) Load() (counters map[string]uint64, sums map[string]float64, lastEntryID uint64, lastUpdated time.Time, applied []uint64, err error) {
	counters = make(map[string]uint64)
	sums = make(map[string]float64)

	if s == nil || s.db == nil {
		return counters, sums, 0, time.Time{}, nil, nil
	}

	err = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())

			if strings.HasPrefix(key, prefixApplied) {
				applied = append(applied, decodeUint64([]byte(key[len(prefixApplied):])))
				continue
			}

			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			switch {
			case strings.HasPrefix(key, prefixCounter):
				counters[key[len(prefixCounter):]] = decodeUint64(value)
			case strings.HasPrefix(key, prefixSum):
				sums[key[len(prefixSum):]] = math.Float64frombits(decodeUint64(value))
			case key == keyLastEntry:
				lastEntryID = decodeUint64(value)
			case key == keyLastUpdate:
				lastUpdated = time.UnixMilli(int64(decodeUint64(value)))
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, 0, time.Time{}, nil, fmt.Errorf("failed to load aggregates: %w", err)
	}

	sort.Slice(applied, func(i, j int) bool { return applied[i] < applied[j] })
	return counters, sums, lastEntryID, lastUpdated, applied, nil
}

// Close stops the GC loop and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// May error when no GC was needed, which is fine
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}

func appliedKey(id uint64) []byte {
	key := make([]byte, len(prefixApplied)+8)
	copy(key, prefixApplied)
	binary.BigEndian.PutUint64(key[len(prefixApplied):], id)
	return key
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(data []byte) uint64 {
	if len(data) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"sync"
	"time"
)

// MemoryLog is an in-memory Log implementation used in tests and
// single-process setups where durability is not required.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []Entry
	notify  chan struct{}
	closed  bool
}

var _ Log = (*MemoryLog)(nil)

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		notify: make(chan struct{}),
	}
}

// Append adds an entry and wakes any blocked readers.
func (l *MemoryLog) Append(ctx context.Context, fields []Field) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrLogClosed
	}

	id := uint64(len(l.entries)) + 1
	l.entries = append(l.entries, Entry{ID: id, Fields: fields})

	// Broadcast to blocked readers
	close(l.notify)
	l.notify = make(chan struct{})

	return id, nil
}

// ReadAfter returns up to maxCount entries with ID > afterID, blocking up
// to the given duration when none are available.
func (l *MemoryLog) ReadAfter(ctx context.Context, afterID uint64, maxCount int, block time.Duration) ([]Entry, error) {
	if maxCount < 1 {
		return nil, ErrInvalidCount
	}

	deadline := time.Now().Add(block)
	for {
		entries, notify, err := l.readLocked(afterID, maxCount)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			return entries, nil
		}

		remaining := time.Until(deadline)
		if block <= 0 || remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
			timer.Stop()
		}
	}
}

func (l *MemoryLog) readLocked(afterID uint64, maxCount int) ([]Entry, chan struct{}, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, nil, ErrLogClosed
	}

	if afterID >= uint64(len(l.entries)) {
		return nil, l.notify, nil
	}

	end := afterID + uint64(maxCount)
	if end > uint64(len(l.entries)) {
		end = uint64(len(l.entries))
	}

	entries := make([]Entry, end-afterID)
	copy(entries, l.entries[afterID:end])
	return entries, nil, nil
}

// Head returns the highest assigned entry ID.
func (l *MemoryLog) Head() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.entries))
}

// Len returns the number of entries.
func (l *MemoryLog) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.entries))
}

// Close marks the log closed; blocked readers are released.
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	close(l.notify)
	return nil
}

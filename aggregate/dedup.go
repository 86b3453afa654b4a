// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package aggregate

// dedupWindow remembers the last N applied entry IDs so a redelivered
// entry is applied at most once. Entries older than the window were
// acknowledged long ago and can no longer be redelivered, which is what
// makes the bound safe.
type dedupWindow struct {
	capacity int
	ring     []uint64
	pos      int
	full     bool
	seen     map[uint64]struct{}
}

func newDedupWindow(capacity int) *dedupWindow {
	return &dedupWindow{
		capacity: capacity,
		ring:     make([]uint64, capacity),
		seen:     make(map[uint64]struct{}, capacity),
	}
}

// Contains reports whether id was applied within the window.
func (w *dedupWindow) Contains(id uint64) bool {
	_, ok := w.seen[id]
	return ok
}

// Add records id, evicting the oldest remembered ID when full.
func (w *dedupWindow) Add(id uint64) {
	if _, ok := w.seen[id]; ok {
		return
	}

	if w.full {
		delete(w.seen, w.ring[w.pos])
	}

	w.ring[w.pos] = id
	w.seen[id] = struct{}{}
	w.pos++
	if w.pos == w.capacity {
		w.pos = 0
		w.full = true
	}
}

// Len returns the number of remembered IDs.
func (w *dedupWindow) Len() int {
	return len(w.seen)
}

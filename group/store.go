// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package group

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Operation types for the op-log.
type opType uint8

const (
	opDispatch opType = iota + 1
	opAck
	opClaim
	opRemove
)

// operation is one newline-delimited JSON record in the op-log.
type operation struct {
	Type      opType   `json:"t"`
	EntryID   uint64   `json:"e,omitempty"`
	EntryIDs  []uint64 `json:"es,omitempty"`
	Consumer  string   `json:"c,omitempty"`
	Timestamp int64    `json:"ts"`
}

// snapshot is the serialized group state.
type snapshot struct {
	Version       uint64                    `json:"version"`
	Group         string                    `json:"group"`
	LastDelivered uint64                    `json:"last_delivered"`
	Pending       map[uint64]*PendingRecord `json:"pending"`
	SavedAt       int64                     `json:"saved_at"`
}

// store persists one group's cursor and pending set: a JSON snapshot plus
// an op-log replayed on top of it at open.
type store struct {
	dir              string
	group            string
	compactThreshold int

	opLog       *os.File
	opCount     int
	snapVersion uint64
}

func openStore(baseDir, group string, compactThreshold int) (*store, error) {
	dir := filepath.Join(baseDir, group)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create group directory: %w", err)
	}

	opLog, err := os.OpenFile(filepath.Join(dir, "ops.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open operation log: %w", err)
	}

	return &store{
		dir:              dir,
		group:            group,
		compactThreshold: compactThreshold,
		opLog:            opLog,
	}, nil
}

func (st *store) statePath() string {
	return filepath.Join(st.dir, "state.json")
}

// load restores state from the snapshot, then replays the op-log on top.
// A snapshot that exists but cannot be parsed is fatal: silently starting
// from a zero cursor would redispatch already-acknowledged entries.
func (st *store) load(s *State) error {
	data, err := os.ReadFile(st.statePath())
	switch {
	case errors.Is(err, os.ErrNotExist):
		// First open, no snapshot yet
	case err != nil:
		return fmt.Errorf("failed to read state snapshot: %w", err)
	default:
		var snap snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("corrupt state snapshot: %w", err)
		}
		s.lastDelivered = snap.LastDelivered
		st.snapVersion = snap.Version
		if snap.Pending != nil {
			s.pending = snap.Pending
		}
	}

	return st.replayOpLog(s)
}

// replayOpLog applies logged operations in order, stopping at the first
// malformed record (a torn write at the tail).
func (st *store) replayOpLog(s *State) error {
	info, err := st.opLog.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return nil
	}

	data := make([]byte, info.Size())
	if _, err := st.opLog.ReadAt(data, 0); err != nil {
		return err
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	for decoder.More() {
		var op operation
		if err := decoder.Decode(&op); err != nil {
			break
		}
		st.applyOp(s, &op)
		st.opCount++
	}

	return nil
}

func (st *store) applyOp(s *State, op *operation) {
	at := time.UnixMilli(op.Timestamp)
	switch op.Type {
	case opDispatch:
		s.applyDispatch(op.Consumer, op.EntryIDs, at)
	case opAck, opRemove:
		delete(s.pending, op.EntryID)
	case opClaim:
		if rec, ok := s.pending[op.EntryID]; ok {
			rec.Consumer = op.Consumer
			rec.DeliveredAt = at
			rec.DeliveryCount++
		}
	}
}

// logOp appends one operation and syncs it so an acknowledged effect
// survives a crash.
func (st *store) logOp(op *operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if _, err := st.opLog.Write(data); err != nil {
		return fmt.Errorf("failed to append operation: %w", err)
	}
	if err := st.opLog.Sync(); err != nil {
		return fmt.Errorf("failed to sync operation log: %w", err)
	}

	st.opCount++
	return nil
}

// compact writes a snapshot of the current state and truncates the op-log.
// Caller must hold the state mutex.
func (st *store) compact(s *State) error {
	st.snapVersion++
	snap := snapshot{
		Version:       st.snapVersion,
		Group:         st.group,
		LastDelivered: s.lastDelivered,
		Pending:       s.pending,
		SavedAt:       time.Now().UnixMilli(),
	}

	if err := writeJSONAtomic(st.statePath(), snap); err != nil {
		return fmt.Errorf("failed to save state snapshot: %w", err)
	}

	if err := st.opLog.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate operation log: %w", err)
	}
	if _, err := st.opLog.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to seek operation log: %w", err)
	}

	st.opCount = 0
	return nil
}

func (st *store) close() error {
	return st.opLog.Close()
}

// writeJSONAtomic writes v to path via a temp file and rename, so readers
// never observe a partial snapshot.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return err
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return err
	}

	return nil
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package group

import (
	"errors"
	"time"
)

// Group errors.
var (
	// ErrGroupHalted is returned after an invariant violation stops a group.
	ErrGroupHalted = errors.New("group halted after invariant violation")

	// ErrNotPending is returned when an operation targets an entry that has
	// no pending record.
	ErrNotPending = errors.New("entry is not pending")

	// ErrUnknownConsumer is returned when a heartbeat references a consumer
	// that was never registered or has been unregistered.
	ErrUnknownConsumer = errors.New("unknown consumer")
)

// PendingRecord tracks one delivered-but-unacknowledged entry. Exactly one
// record exists per entry ID, so ownership is exclusive by construction.
type PendingRecord struct {
	EntryID       uint64    `json:"e"`
	Consumer      string    `json:"c"`
	DeliveredAt   time.Time `json:"d"`
	DeliveryCount int       `json:"n"`
}

// IdleFor reports how long the record has been waiting since its last
// delivery attempt.
func (r *PendingRecord) IdleFor(now time.Time) time.Duration {
	return now.Sub(r.DeliveredAt)
}

// ConsumerInfo describes a registered group member.
type ConsumerInfo struct {
	ID            string
	RegisteredAt  time.Time
	LastHeartbeat time.Time
}

// StateConfig holds per-group bookkeeping configuration.
type StateConfig struct {
	// CompactThreshold is the number of logged operations before the
	// op-log is folded into a snapshot.
	CompactThreshold int
}

// DefaultStateConfig returns default group state configuration.
func DefaultStateConfig() StateConfig {
	return StateConfig{
		CompactThreshold: 10000,
	}
}

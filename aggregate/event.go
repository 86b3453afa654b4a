// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package aggregate

import (
	"errors"
	"strconv"
	"time"

	"github.com/Mukprojects/streaming-analytics-platform/stream"
)

// ErrMalformedEntry marks an entry that cannot be parsed into an event.
// Malformed entries are counted and acknowledged, never retried.
var ErrMalformedEntry = errors.New("malformed entry")

// Event is one parsed analytics event.
type Event struct {
	ID        string
	Type      string
	UserID    string
	Product   string
	Value     float64
	HasValue  bool
	SessionID string
	Timestamp time.Time
}

// ParseEvent converts entry fields into a typed event. The event type is
// required; value and timestamp must parse when present.
func ParseEvent(e stream.Entry) (Event, error) {
	ev := Event{}

	ev.Type, _ = e.Get("event_type")
	if ev.Type == "" {
		return Event{}, ErrMalformedEntry
	}

	ev.ID, _ = e.Get("event_id")
	ev.UserID, _ = e.Get("user_id")
	ev.Product, _ = e.Get("product")
	ev.SessionID, _ = e.Get("session_id")

	if raw, ok := e.Get("value"); ok {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Event{}, ErrMalformedEntry
		}
		ev.Value = v
		ev.HasValue = true
	}

	if raw, ok := e.Get("timestamp"); ok {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Event{}, ErrMalformedEntry
		}
		ev.Timestamp = time.UnixMilli(ms)
	}

	return ev, nil
}

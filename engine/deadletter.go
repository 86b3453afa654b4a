// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Mukprojects/streaming-analytics-platform/stream"
)

// DeadLetter is an entry parked after exhausting its delivery attempts.
type DeadLetter struct {
	Entry         stream.Entry `json:"entry"`
	Group         string       `json:"group"`
	Consumer      string       `json:"consumer"`
	DeliveryCount int          `json:"delivery_count"`
	Reason        string       `json:"reason"`
	MovedAt       time.Time    `json:"moved_at"`
}

// AlertHandler sends a notification when an entry is dead-lettered.
type AlertHandler interface {
	Send(webhookURL string, alert *DeadLetter) error
}

// NoOpAlertHandler discards alerts.
type NoOpAlertHandler struct{}

func (NoOpAlertHandler) Send(string, *DeadLetter) error { return nil }

// HTTPAlertHandler sends alerts via HTTP webhooks.
type HTTPAlertHandler struct {
	client *http.Client
}

// NewHTTPAlertHandler creates a new HTTP alert handler.
func NewHTTPAlertHandler(timeout time.Duration) *HTTPAlertHandler {
	return &HTTPAlertHandler{
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Send posts the alert to the configured webhook URL.
func (h *HTTPAlertHandler) Send(webhookURL string, alert *DeadLetter) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	resp, err := h.client.Post(webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// DeadLetterManager keeps a bounded in-memory set of dead-lettered entries
// and alerts on each arrival. When the bound is reached the oldest entry is
// dropped.
type DeadLetterManager struct {
	mu sync.RWMutex

	limit      int
	letters    []DeadLetter
	total      uint64
	webhookURL string
	handler    AlertHandler
	logger     *slog.Logger
}

// NewDeadLetterManager creates a dead-letter manager. An empty webhookURL
// disables alerting.
func NewDeadLetterManager(limit int, webhookURL string, handler AlertHandler, logger *slog.Logger) *DeadLetterManager {
	if logger == nil {
		logger = slog.Default()
	}
	if handler == nil {
		handler = NoOpAlertHandler{}
	}
	return &DeadLetterManager{
		limit:      limit,
		webhookURL: webhookURL,
		handler:    handler,
		logger:     logger,
	}
}

// Add parks an entry in the dead-letter set and sends the alert
// asynchronously so the reclaim cycle is never blocked on the webhook.
func (d *DeadLetterManager) Add(letter DeadLetter) {
	d.mu.Lock()
	d.letters = append(d.letters, letter)
	if d.limit > 0 && len(d.letters) > d.limit {
		d.letters = d.letters[len(d.letters)-d.limit:]
	}
	d.total++
	d.mu.Unlock()

	d.logger.Warn("entry moved to dead-letter set",
		slog.String("group", letter.Group),
		slog.Uint64("entry_id", letter.Entry.ID),
		slog.String("consumer", letter.Consumer),
		slog.Int("delivery_count", letter.DeliveryCount),
		slog.String("reason", letter.Reason))

	if d.webhookURL == "" {
		return
	}

	go func() {
		if err := d.handler.Send(d.webhookURL, &letter); err != nil {
			d.logger.Warn("dead-letter alert failed",
				slog.Uint64("entry_id", letter.Entry.ID),
				slog.String("error", err.Error()))
		}
	}()
}

// List returns a copy of the current dead-letter set, oldest first.
func (d *DeadLetterManager) List() []DeadLetter {
	d.mu.RLock()
	defer d.mu.RUnlock()

	letters := make([]DeadLetter, len(d.letters))
	copy(letters, d.letters)
	return letters
}

// Len returns the current size of the dead-letter set.
func (d *DeadLetterManager) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.letters)
}

// Total returns the count of entries ever dead-lettered, including ones
// evicted by the bound.
func (d *DeadLetterManager) Total() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.total
}

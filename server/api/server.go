// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Mukprojects/streaming-analytics-platform/aggregate"
	"github.com/Mukprojects/streaming-analytics-platform/engine"
	"github.com/Mukprojects/streaming-analytics-platform/group"
	"github.com/gorilla/websocket"
)

// Config holds configuration for the read API server.
type Config struct {
	Address          string
	ShutdownTimeout  time.Duration
	SnapshotInterval time.Duration
}

// Server exposes the read-only query API: aggregates, group status, the
// dead-letter set and a websocket feed of aggregate snapshots. Everything
// is served from copies, so readers never block the pipeline.
type Server struct {
	config     Config
	aggregator *aggregate.Aggregator
	registry   *group.Registry
	letters    *engine.DeadLetterManager
	logger     *slog.Logger

	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
}

// New creates the API server.
func New(cfg Config, aggregator *aggregate.Aggregator, registry *group.Registry, letters *engine.DeadLetterManager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = time.Second
	}

	s := &Server{
		config:     cfg,
		aggregator: aggregator,
		registry:   registry,
		letters:    letters,
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/aggregates", s.handleAggregates)
	mux.HandleFunc("/groups", s.handleGroups)
	mux.HandleFunc("/groups/", s.handleGroup)
	mux.HandleFunc("/deadletter", s.handleDeadLetter)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address, or empty before Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the API server and blocks until ctx is cancelled or the
// server fails.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info("Starting API server", "address", s.listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("API server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("API server shutdown error", "error", err)
			return err
		}

		s.logger.Info("API server stopped")
		return nil
	}
}

func (s *Server) handleAggregates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, s.aggregator.Snapshot())
}

// GroupsResponse lists the known consumer groups.
type GroupsResponse struct {
	Groups []string `json:"groups"`
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, GroupsResponse{Groups: s.registry.Names()})
}

// ConsumerStatus describes one group member.
type ConsumerStatus struct {
	ID            string    `json:"id"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// GroupResponse describes one consumer group's delivery state.
type GroupResponse struct {
	Name          string           `json:"name"`
	LastDelivered uint64           `json:"last_delivered"`
	PendingCount  int              `json:"pending_count"`
	Halted        bool             `json:"halted"`
	Consumers     []ConsumerStatus `json:"consumers"`
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/groups/")
	if name == "" || strings.Contains(name, "/") {
		http.Error(w, "invalid group name", http.StatusBadRequest)
		return
	}

	state, ok := s.registry.Get(name)
	if !ok {
		http.Error(w, "group not found", http.StatusNotFound)
		return
	}

	resp := GroupResponse{
		Name:          state.Name(),
		LastDelivered: state.LastDelivered(),
		PendingCount:  state.PendingCount(),
		Halted:        state.Halted(),
		Consumers:     []ConsumerStatus{},
	}
	for _, c := range state.LiveConsumers() {
		resp.Consumers = append(resp.Consumers, ConsumerStatus{
			ID:            c.ID,
			RegisteredAt:  c.RegisteredAt,
			LastHeartbeat: c.LastHeartbeat,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// DeadLetterResponse lists the parked entries.
type DeadLetterResponse struct {
	Total   uint64              `json:"total"`
	Letters []engine.DeadLetter `json:"letters"`
}

func (s *Server) handleDeadLetter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, DeadLetterResponse{
		Total:   s.letters.Total(),
		Letters: s.letters.List(),
	})
}

// handleWebSocket streams aggregate snapshots at the configured interval
// until the client disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err.Error())
		return
	}
	defer ws.Close()

	s.logger.Debug("websocket client connected", "remote_addr", r.RemoteAddr)

	// Detect client disconnect; inbound data is ignored
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.config.SnapshotInterval)
	defer ticker.Stop()

	// First snapshot immediately
	if err := s.writeSnapshot(ws); err != nil {
		return
	}

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.writeSnapshot(ws); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeSnapshot(ws *websocket.Conn) error {
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteJSON(s.aggregator.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

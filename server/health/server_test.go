// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Mukprojects/streaming-analytics-platform/group"
)

func newRegistry() *group.Registry {
	return group.NewRegistry("", group.DefaultStateConfig(), nil)
}

// haltGroup forces the double-dispatch invariant violation on a fresh group.
func haltGroup(t *testing.T, registry *group.Registry, name string) {
	t.Helper()

	state, err := registry.GetOrCreate(name)
	if err != nil {
		t.Fatalf("failed to create group: %v", err)
	}
	if err := state.Dispatch("c1", []uint64{1}); err != nil {
		t.Fatalf("first dispatch failed: %v", err)
	}
	if err := state.Dispatch("c2", []uint64{1}); err == nil {
		t.Fatal("expected double dispatch to fail")
	}
	if !state.Halted() {
		t.Fatal("expected group to be halted")
	}
}

func TestAddrWithoutListener(t *testing.T) {
	server := New(Config{}, newRegistry(), slog.Default())
	if server.Addr() != "" {
		t.Fatalf("expected empty address before listen, got %q", server.Addr())
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := New(Config{}, newRegistry(), slog.Default())

	tests := []struct {
		name           string
		method         string
		expectedStatus int
		expectedBody   HealthResponse
	}{
		{
			name:           "GET request returns healthy",
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedBody:   HealthResponse{Status: "healthy"},
		},
		{
			name:           "POST request not allowed",
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
		{
			name:           "PUT request not allowed",
			method:         http.MethodPut,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://test/health", nil)
			rec := httptest.NewRecorder()

			server.handleHealth(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}

			if tt.expectedStatus == http.StatusOK {
				var response HealthResponse
				if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}

				if response.Status != tt.expectedBody.Status {
					t.Errorf("expected status %q, got %q", tt.expectedBody.Status, response.Status)
				}
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	healthy := newRegistry()
	if _, err := healthy.GetOrCreate("analytics"); err != nil {
		t.Fatalf("failed to create group: %v", err)
	}

	halted := newRegistry()
	haltGroup(t, halted, "analytics")

	tests := []struct {
		name           string
		registry       *group.Registry
		method         string
		expectedStatus int
		expectedReady  bool
		expectedReason string
	}{
		{
			name:           "registry nil - not ready",
			registry:       nil,
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReady:  false,
			expectedReason: "registry not initialized",
		},
		{
			name:           "no groups - ready",
			registry:       newRegistry(),
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedReady:  true,
		},
		{
			name:           "healthy group - ready",
			registry:       healthy,
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedReady:  true,
		},
		{
			name:           "halted group - not ready",
			registry:       halted,
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReady:  false,
			expectedReason: "group analytics halted",
		},
		{
			name:           "POST request not allowed",
			registry:       newRegistry(),
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(Config{}, tt.registry, slog.Default())

			req := httptest.NewRequest(tt.method, "http://test/ready", nil)
			rec := httptest.NewRecorder()

			server.handleReady(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}

			if tt.expectedStatus == http.StatusOK || tt.expectedStatus == http.StatusServiceUnavailable {
				var response ReadyResponse
				if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}

				if tt.expectedReady && response.Status != "ready" {
					t.Errorf("expected ready status, got %q", response.Status)
				}

				if !tt.expectedReady && response.Status != "not_ready" {
					t.Errorf("expected not_ready status, got %q", response.Status)
				}

				if tt.expectedReason != "" && response.Details != tt.expectedReason {
					t.Errorf("expected details %q, got %q", tt.expectedReason, response.Details)
				}
			}
		})
	}
}

func TestContentTypeHeaders(t *testing.T) {
	server := New(Config{}, newRegistry(), slog.Default())

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{name: "/health", handler: server.handleHealth},
		{name: "/ready", handler: server.handleReady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://test"+tt.name, nil)
			rec := httptest.NewRecorder()

			tt.handler(rec, req)

			contentType := rec.Header().Get("Content-Type")
			if contentType != "application/json" {
				t.Errorf("expected Content-Type application/json, got %q", contentType)
			}

			body, err := io.ReadAll(rec.Body)
			if err != nil {
				t.Fatalf("failed to read body: %v", err)
			}

			var data map[string]interface{}
			if err := json.Unmarshal(body, &data); err != nil {
				t.Errorf("response is not valid JSON: %v", err)
			}
		})
	}
}

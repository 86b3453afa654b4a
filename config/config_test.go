// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Test stream defaults
	if cfg.Stream.Compression != "s2" {
		t.Errorf("expected default compression s2, got %s", cfg.Stream.Compression)
	}
	if cfg.Stream.FsyncInterval != 1*time.Second {
		t.Errorf("expected fsync interval 1s, got %v", cfg.Stream.FsyncInterval)
	}

	// Test engine defaults
	if cfg.Engine.Group != "analytics" {
		t.Errorf("expected default group analytics, got %s", cfg.Engine.Group)
	}
	if cfg.Engine.MaxDeliveries != 5 {
		t.Errorf("expected max deliveries 5, got %d", cfg.Engine.MaxDeliveries)
	}
	if cfg.Engine.Workers != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.Engine.Workers)
	}

	// Test log defaults
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}

	// Defaults must validate
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "unknown compression",
			modify: func(c *Config) {
				c.Stream.Compression = "lz77"
			},
			wantErr: true,
		},
		{
			name: "empty group name",
			modify: func(c *Config) {
				c.Engine.Group = ""
			},
			wantErr: true,
		},
		{
			name: "zero workers",
			modify: func(c *Config) {
				c.Engine.Workers = 0
			},
			wantErr: true,
		},
		{
			name: "zero batch size",
			modify: func(c *Config) {
				c.Engine.BatchSize = 0
			},
			wantErr: true,
		},
		{
			name: "non-positive idle threshold",
			modify: func(c *Config) {
				c.Engine.IdleThreshold = 0
			},
			wantErr: true,
		},
		{
			name: "zero max deliveries",
			modify: func(c *Config) {
				c.Engine.MaxDeliveries = 0
			},
			wantErr: true,
		},
		{
			name: "heartbeat timeout below period",
			modify: func(c *Config) {
				c.Engine.HeartbeatTimeout = 500 * time.Millisecond
			},
			wantErr: true,
		},
		{
			name: "dedup window below redelivery horizon",
			modify: func(c *Config) {
				c.Aggregator.DedupWindow = 10
			},
			wantErr: true,
		},
		{
			name: "producer enabled with zero rate",
			modify: func(c *Config) {
				c.Producer.Enabled = true
				c.Producer.Rate = 0
			},
			wantErr: true,
		},
		{
			name: "malformed ratio out of range",
			modify: func(c *Config) {
				c.Producer.Enabled = true
				c.Producer.MalformedRatio = 1.5
			},
			wantErr: true,
		},
		{
			name: "api enabled without addr",
			modify: func(c *Config) {
				c.Server.APIAddr = ""
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
		},
		{
			name: "invalid trace sample rate",
			modify: func(c *Config) {
				c.Server.OtelTraceSampleRate = 2.0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config and no error when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}

	if cfg.Engine.Group != "analytics" {
		t.Errorf("expected default config, got group %s", cfg.Engine.Group)
	}
}

func TestSaveLoad(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"

	// Create custom config
	cfg := Default()
	cfg.Engine.Group = "billing"
	cfg.Engine.MaxDeliveries = 3
	cfg.Log.Level = "debug"

	// Save
	if err := cfg.Save(tmpfile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Load
	loaded, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Verify
	if loaded.Engine.Group != "billing" {
		t.Errorf("expected group billing, got %s", loaded.Engine.Group)
	}
	if loaded.Engine.MaxDeliveries != 3 {
		t.Errorf("expected max deliveries 3, got %d", loaded.Engine.MaxDeliveries)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Log.Level)
	}
}

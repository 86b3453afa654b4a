// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the streaming analytics platform.
type Config struct {
	Stream     StreamConfig     `yaml:"stream"`
	Registry   RegistryConfig   `yaml:"registry"`
	Engine     EngineConfig     `yaml:"engine"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Producer   ProducerConfig   `yaml:"producer"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
}

// StreamConfig holds durable log configuration.
type StreamConfig struct {
	// Dir is the log directory. Empty selects the in-memory log.
	Dir           string        `yaml:"dir"`
	Compression   string        `yaml:"compression"` // none, s2, zstd
	FsyncInterval time.Duration `yaml:"fsync_interval"`
	MaxEntryBytes int           `yaml:"max_entry_bytes"`
}

// RegistryConfig holds consumer group persistence configuration.
type RegistryConfig struct {
	// Dir is the group state directory. Empty keeps groups memory-only.
	Dir              string `yaml:"dir"`
	CompactThreshold int    `yaml:"compact_threshold"`
}

// EngineConfig holds dispatcher, worker and reclaimer configuration.
type EngineConfig struct {
	Group            string        `yaml:"group"`
	Workers          int           `yaml:"workers"`
	BatchSize        int           `yaml:"batch_size"`
	FetchBlock       time.Duration `yaml:"fetch_block"`
	HeartbeatPeriod  time.Duration `yaml:"heartbeat_period"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	IdleThreshold    time.Duration `yaml:"idle_threshold"`
	ReclaimInterval  time.Duration `yaml:"reclaim_interval"`
	MaxDeliveries    int           `yaml:"max_deliveries"`

	// Dead-letter handling
	DeadLetterLimit int           `yaml:"dead_letter_limit"`
	AlertWebhookURL string        `yaml:"alert_webhook_url"`
	AlertTimeout    time.Duration `yaml:"alert_timeout"`
}

// AggregatorConfig holds aggregate store configuration.
type AggregatorConfig struct {
	// BadgerDir is the aggregate store directory. Empty keeps aggregates
	// memory-only.
	BadgerDir   string `yaml:"badger_dir"`
	DedupWindow int    `yaml:"dedup_window"`
}

// ProducerConfig holds synthetic event producer configuration.
type ProducerConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Rate           float64 `yaml:"rate"` // events per second
	Burst          int     `yaml:"burst"`
	MalformedRatio float64 `yaml:"malformed_ratio"` // 0.0 to 1.0, for demos
}

// ServerConfig holds HTTP server and telemetry configuration.
type ServerConfig struct {
	APIAddr          string        `yaml:"api_addr"`
	APIEnabled       bool          `yaml:"api_enabled"`
	HealthAddr       string        `yaml:"health_addr"`
	HealthEnabled    bool          `yaml:"health_enabled"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"` // websocket push period

	// OpenTelemetry configuration
	OtelEndpoint        string  `yaml:"otel_endpoint"`
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Stream: StreamConfig{
			Dir:           "/tmp/streaming/log",
			Compression:   "s2",
			FsyncInterval: 1 * time.Second,
			MaxEntryBytes: 1024 * 1024, // 1MB
		},
		Registry: RegistryConfig{
			Dir:              "/tmp/streaming/groups",
			CompactThreshold: 10000,
		},
		Engine: EngineConfig{
			Group:            "analytics",
			Workers:          4,
			BatchSize:        64,
			FetchBlock:       2 * time.Second,
			HeartbeatPeriod:  1 * time.Second,
			HeartbeatTimeout: 5 * time.Second,
			IdleThreshold:    10 * time.Second,
			ReclaimInterval:  2 * time.Second,
			MaxDeliveries:    5,
			DeadLetterLimit:  1000,
			AlertTimeout:     5 * time.Second,
		},
		Aggregator: AggregatorConfig{
			BadgerDir:   "/tmp/streaming/aggregates",
			DedupWindow: 100000,
		},
		Producer: ProducerConfig{
			Enabled: false,
			Rate:    100,
			Burst:   10,
		},
		Server: ServerConfig{
			APIAddr:          ":8080",
			APIEnabled:       true,
			HealthAddr:       ":8081",
			HealthEnabled:    true,
			ShutdownTimeout:  30 * time.Second,
			SnapshotInterval: 1 * time.Second,

			OtelEndpoint:        "localhost:4317",
			OtelServiceName:     "streaming-analytics",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  false,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Stream.Compression {
	case "", "none", "s2", "zstd":
	default:
		return fmt.Errorf("stream.compression must be one of: none, s2, zstd")
	}
	if c.Stream.FsyncInterval < 0 {
		return fmt.Errorf("stream.fsync_interval cannot be negative")
	}

	if c.Registry.CompactThreshold < 1 {
		return fmt.Errorf("registry.compact_threshold must be at least 1")
	}

	if c.Engine.Group == "" {
		return fmt.Errorf("engine.group cannot be empty")
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1")
	}
	if c.Engine.BatchSize < 1 {
		return fmt.Errorf("engine.batch_size must be at least 1")
	}
	if c.Engine.IdleThreshold <= 0 {
		return fmt.Errorf("engine.idle_threshold must be positive")
	}
	if c.Engine.ReclaimInterval <= 0 {
		return fmt.Errorf("engine.reclaim_interval must be positive")
	}
	if c.Engine.MaxDeliveries < 1 {
		return fmt.Errorf("engine.max_deliveries must be at least 1")
	}
	if c.Engine.HeartbeatTimeout <= c.Engine.HeartbeatPeriod {
		return fmt.Errorf("engine.heartbeat_timeout must exceed engine.heartbeat_period")
	}

	if c.Aggregator.DedupWindow < 1 {
		return fmt.Errorf("aggregator.dedup_window must be at least 1")
	}
	// The window must absorb every entry that can still be redelivered,
	// or a late replay would double-count.
	horizon := c.Engine.Workers * c.Engine.BatchSize * c.Engine.MaxDeliveries
	if c.Aggregator.DedupWindow < horizon {
		return fmt.Errorf("aggregator.dedup_window %d does not cover the redelivery horizon %d",
			c.Aggregator.DedupWindow, horizon)
	}

	if c.Producer.Enabled {
		if c.Producer.Rate <= 0 {
			return fmt.Errorf("producer.rate must be positive")
		}
		if c.Producer.Burst < 1 {
			return fmt.Errorf("producer.burst must be at least 1")
		}
		if c.Producer.MalformedRatio < 0 || c.Producer.MalformedRatio > 1 {
			return fmt.Errorf("producer.malformed_ratio must be between 0.0 and 1.0")
		}
	}

	if c.Server.APIEnabled && c.Server.APIAddr == "" {
		return fmt.Errorf("server.api_addr required when the API server is enabled")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when the health server is enabled")
	}
	if c.Server.OtelTraceSampleRate < 0 || c.Server.OtelTraceSampleRate > 1 {
		return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be one of: text, json")
	}

	return nil
}

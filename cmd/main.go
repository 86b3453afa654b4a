// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Mukprojects/streaming-analytics-platform/aggregate"
	"github.com/Mukprojects/streaming-analytics-platform/config"
	"github.com/Mukprojects/streaming-analytics-platform/engine"
	"github.com/Mukprojects/streaming-analytics-platform/group"
	"github.com/Mukprojects/streaming-analytics-platform/producer"
	"github.com/Mukprojects/streaming-analytics-platform/server/api"
	"github.com/Mukprojects/streaming-analytics-platform/server/health"
	"github.com/Mukprojects/streaming-analytics-platform/server/otel"
	"github.com/Mukprojects/streaming-analytics-platform/stream"
	"github.com/google/uuid"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	instanceID := uuid.New().String()[:8]

	slog.Info("Starting stream engine", "version", "0.1.0", "instance_id", instanceID)
	slog.Info("Configuration loaded",
		"stream_dir", cfg.Stream.Dir,
		"registry_dir", cfg.Registry.Dir,
		"group", cfg.Engine.Group,
		"workers", cfg.Engine.Workers,
		"aggregate_dir", cfg.Aggregator.BadgerDir,
		"api_enabled", cfg.Server.APIEnabled,
		"health_enabled", cfg.Server.HealthEnabled,
		"producer_enabled", cfg.Producer.Enabled,
		"log_level", cfg.Log.Level)

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics

	if cfg.Server.OtelMetricsEnabled || cfg.Server.OtelTracesEnabled {
		shutdown, err := otel.InitProvider(cfg.Server, instanceID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.OtelEndpoint)

		if cfg.Server.OtelMetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
			slog.Info("OTel metrics enabled")
		}

		if cfg.Server.OtelTracesEnabled {
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Server.OtelTraceSampleRate)
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	var log stream.Log
	if cfg.Stream.Dir == "" {
		log = stream.NewMemoryLog()
		slog.Info("Using in-memory log")
	} else {
		compression, err := stream.ParseCompression(cfg.Stream.Compression)
		if err != nil {
			slog.Error("Invalid compression type", "error", err)
			os.Exit(1)
		}

		fileCfg := stream.DefaultFileConfig()
		fileCfg.Compression = compression
		fileCfg.FsyncInterval = cfg.Stream.FsyncInterval
		if cfg.Stream.MaxEntryBytes > 0 {
			fileCfg.MaxEntryBytes = cfg.Stream.MaxEntryBytes
		}

		fileLog, err := stream.OpenFileLog(cfg.Stream.Dir, fileCfg, logger)
		if err != nil {
			slog.Error("Failed to open log", "dir", cfg.Stream.Dir, "error", err)
			os.Exit(1)
		}
		log = fileLog
		slog.Info("Using file-backed log",
			"dir", cfg.Stream.Dir,
			"compression", cfg.Stream.Compression,
			"entries", fileLog.Len())
	}
	defer log.Close()

	stateCfg := group.DefaultStateConfig()
	if cfg.Registry.CompactThreshold > 0 {
		stateCfg.CompactThreshold = cfg.Registry.CompactThreshold
	}
	registry := group.NewRegistry(cfg.Registry.Dir, stateCfg, logger)
	defer registry.Close()

	state, err := registry.GetOrCreate(cfg.Engine.Group)
	if err != nil {
		slog.Error("Failed to open consumer group", "group", cfg.Engine.Group, "error", err)
		os.Exit(1)
	}

	store, err := aggregate.OpenStore(cfg.Aggregator.BadgerDir)
	if err != nil {
		slog.Error("Failed to open aggregate store", "dir", cfg.Aggregator.BadgerDir, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	aggregator, err := aggregate.NewAggregator(state, store, cfg.Aggregator.DedupWindow, metrics, logger)
	if err != nil {
		slog.Error("Failed to initialize aggregator", "error", err)
		os.Exit(1)
	}

	engCfg := engine.Config{
		Workers:          cfg.Engine.Workers,
		BatchSize:        cfg.Engine.BatchSize,
		FetchBlock:       cfg.Engine.FetchBlock,
		HeartbeatPeriod:  cfg.Engine.HeartbeatPeriod,
		HeartbeatTimeout: cfg.Engine.HeartbeatTimeout,
		IdleThreshold:    cfg.Engine.IdleThreshold,
		ReclaimInterval:  cfg.Engine.ReclaimInterval,
		MaxDeliveries:    cfg.Engine.MaxDeliveries,
		DeadLetterLimit:  cfg.Engine.DeadLetterLimit,
		AlertWebhookURL:  cfg.Engine.AlertWebhookURL,
		AlertTimeout:     cfg.Engine.AlertTimeout,
	}
	eng := engine.New(log, state, aggregator, engCfg, metrics, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng.Start(ctx)

	var wg sync.WaitGroup
	serverErr := make(chan error, 4)

	if cfg.Producer.Enabled {
		p := producer.New(log, producer.Config{
			Rate:           cfg.Producer.Rate,
			Burst:          cfg.Producer.Burst,
			MalformedRatio: cfg.Producer.MalformedRatio,
		}, metrics, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Run(ctx)
		}()
	}

	if cfg.Server.APIEnabled {
		apiCfg := api.Config{
			Address:          cfg.Server.APIAddr,
			ShutdownTimeout:  cfg.Server.ShutdownTimeout,
			SnapshotInterval: cfg.Server.SnapshotInterval,
		}
		apiServer := api.New(apiCfg, aggregator, registry, eng.DeadLetters(), logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Server.HealthEnabled {
		healthCfg := health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}
		healthServer := health.New(healthCfg, registry, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Stream engine started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	// Stop intake and processing first so pending work drains before the
	// stores close.
	cancel()
	eng.Stop()
	wg.Wait()

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("Stream engine stopped")
}

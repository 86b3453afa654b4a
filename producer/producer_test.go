// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package producer

import (
	"context"
	"testing"
	"time"

	"github.com/Mukprojects/streaming-analytics-platform/aggregate"
	"github.com/Mukprojects/streaming-analytics-platform/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProducer_EmitsParseableEvents(t *testing.T) {
	log := stream.NewMemoryLog()
	defer log.Close()

	cfg := DefaultConfig()
	cfg.Rate = 1000
	cfg.Burst = 100

	p := New(log, cfg, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	require.Greater(t, log.Len(), uint64(0))

	entries, err := log.ReadAfter(context.Background(), 0, int(log.Len()), 0)
	require.NoError(t, err)

	for _, e := range entries {
		ev, err := aggregate.ParseEvent(e)
		require.NoError(t, err, "entry %d should parse", e.ID)
		assert.NotEmpty(t, ev.Type)
		assert.NotEmpty(t, ev.ID)
		assert.NotEmpty(t, ev.SessionID)
		assert.False(t, ev.Timestamp.IsZero())
		if ev.Type == "purchase" {
			assert.True(t, ev.HasValue)
			assert.NotEmpty(t, ev.Product)
		}
	}
}

func TestProducer_MalformedRatio(t *testing.T) {
	log := stream.NewMemoryLog()
	defer log.Close()

	cfg := DefaultConfig()
	cfg.Rate = 1000
	cfg.Burst = 100
	cfg.MalformedRatio = 1.0

	p := New(log, cfg, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	require.Greater(t, log.Len(), uint64(0))

	entries, err := log.ReadAfter(context.Background(), 0, int(log.Len()), 0)
	require.NoError(t, err)
	for _, e := range entries {
		_, err := aggregate.ParseEvent(e)
		assert.ErrorIs(t, err, aggregate.ErrMalformedEntry)
	}
}

func TestProducer_StopsOnClosedLog(t *testing.T) {
	log := stream.NewMemoryLog()
	require.NoError(t, log.Close())

	cfg := DefaultConfig()
	cfg.Rate = 1000
	cfg.Burst = 1

	p := New(log, cfg, nil, nil)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not stop on closed log")
	}
}

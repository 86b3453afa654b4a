// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	srvotel "github.com/Mukprojects/streaming-analytics-platform/server/otel"
	"github.com/Mukprojects/streaming-analytics-platform/stream"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Config holds producer configuration.
type Config struct {
	Rate  float64 // events per second
	Burst int

	// MalformedRatio injects unparseable entries at the given ratio, for
	// exercising the fail-open path in demos and load tests.
	MalformedRatio float64
}

// DefaultConfig returns default producer configuration.
func DefaultConfig() Config {
	return Config{
		Rate:  100,
		Burst: 10,
	}
}

// Weighted event type distribution, heaviest first.
var eventTypes = []struct {
	name   string
	weight float64
}{
	{"click", 0.35},
	{"view", 0.30},
	{"search", 0.15},
	{"purchase", 0.10},
	{"signup", 0.05},
	{"logout", 0.05},
}

var products = []string{
	"laptop", "phone", "headphones", "monitor", "keyboard",
	"mouse", "tablet", "camera", "speaker", "charger",
}

// Producer appends synthetic analytics events to the log at a steady,
// token-bucket limited rate.
type Producer struct {
	log     stream.Log
	config  Config
	limiter *rate.Limiter
	metrics *srvotel.Metrics
	logger  *slog.Logger
	rng     *rand.Rand

	sessions []string
}

// New creates a producer writing to log.
func New(log stream.Log, config Config, metrics *srvotel.Metrics, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}

	// Small rotating pool so session aggregates accumulate
	sessions := make([]string, 20)
	for i := range sessions {
		sessions[i] = "session-" + uuid.New().String()[:8]
	}

	return &Producer{
		log:      log,
		config:   config,
		limiter:  rate.NewLimiter(rate.Limit(config.Rate), config.Burst),
		metrics:  metrics,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sessions: sessions,
	}
}

// Run emits events until the context is cancelled.
func (p *Producer) Run(ctx context.Context) {
	p.logger.Info("producer started",
		slog.Float64("rate", p.config.Rate),
		slog.Int("burst", p.config.Burst))
	defer p.logger.Info("producer stopped")

	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}

		if _, err := p.log.Append(ctx, p.nextEvent()); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, stream.ErrLogClosed) {
				return
			}
			p.logger.Error("failed to append event", slog.String("error", err.Error()))
			continue
		}
		p.metrics.RecordAppended(1)
	}
}

// nextEvent builds the field set of one synthetic event.
func (p *Producer) nextEvent() []stream.Field {
	if p.config.MalformedRatio > 0 && p.rng.Float64() < p.config.MalformedRatio {
		// No event_type: downstream must count and skip it
		return stream.Fields(
			"event_id", uuid.New().String(),
			"garbage", strconv.Itoa(p.rng.Int()),
		)
	}

	eventType := p.pickType()
	fields := stream.Fields(
		"event_id", uuid.New().String(),
		"event_type", eventType,
		"user_id", fmt.Sprintf("user-%d", p.rng.Intn(1000)),
		"session_id", p.sessions[p.rng.Intn(len(p.sessions))],
		"timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10),
	)

	switch eventType {
	case "purchase":
		fields = append(fields,
			stream.Field{Key: "product", Value: products[p.rng.Intn(len(products))]},
			stream.Field{Key: "value", Value: strconv.FormatFloat(5+p.rng.Float64()*495, 'f', 2, 64)},
		)
	case "view", "click":
		fields = append(fields,
			stream.Field{Key: "product", Value: products[p.rng.Intn(len(products))]},
		)
	}

	return fields
}

func (p *Producer) pickType() string {
	r := p.rng.Float64()
	acc := 0.0
	for _, et := range eventTypes {
		acc += et.weight
		if r < acc {
			return et.name
		}
	}
	return eventTypes[len(eventTypes)-1].name
}

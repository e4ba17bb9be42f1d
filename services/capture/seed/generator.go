// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package seed generates deterministic synthetic telemetry sessions.
//
// # Description
//
// A seed session is a stored session whose traces, metrics and logs are
// produced from a named call-tree pattern and a PRNG seed. Two runs with the
// same pattern, duration, rate, error rate and seed write byte-identical
// shard payloads.
package seed

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/chaosreplay/services/capture/codec"
	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
	"github.com/AleutianAI/chaosreplay/services/capture/storage"
)

// CreatedBy is stamped on every generated session.
const CreatedBy = "seed-generator"

// DefaultStartTime anchors generated timestamps when SeedConfig.StartTime
// is zero.
var DefaultStartTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// DefaultShardSize is the number of records per shard.
const DefaultShardSize = 1000

// SeedConfig describes one synthetic session.
type SeedConfig struct {
	Pattern     string        `json:"pattern" validate:"required,oneof=linear fanout diamond ecommerce"`
	Duration    time.Duration `json:"duration" validate:"gt=0"`
	Rate        float64       `json:"rate" validate:"gt=0,lte=10000"`
	ErrorRate   float64       `json:"errorRate" validate:"gte=0,lte=1"`
	Seed        int64         `json:"seed"`
	StartTime   time.Time     `json:"startTime,omitempty"`
	SessionID   string        `json:"sessionId,omitempty"`
	Description string        `json:"description,omitempty"`
	ShardSize   int           `json:"shardSize,omitempty" validate:"gte=0"`
}

// Validate checks field bounds.
func (c SeedConfig) Validate() error {
	if err := datatypes.Validator().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", datatypes.ErrInvalidConfiguration, err)
	}
	return nil
}

// Dataset is the generated telemetry before encoding.
type Dataset struct {
	Traces     []codec.Record
	Metrics    []codec.Record
	Logs       []codec.Record
	TraceCount int
	ErrorCount int
}

// Synthesize produces the telemetry for cfg without touching storage.
//
// # Description
//
// Trace i starts at StartTime + i/Rate plus a jitter below one interval.
// Each trace walks one call tree of the pattern, emitting one span per hop.
// Leaf spans fail with probability ErrorRate and failures propagate to
// every ancestor. Metrics are per-service, per-second request and error
// counts. One log record is emitted for every failed span.
//
// # Outputs
//
//   - Dataset: Records in timestamp order per signal.
//   - error: ErrInvalidConfiguration on bad input.
func Synthesize(cfg SeedConfig) (Dataset, error) {
	if err := cfg.Validate(); err != nil {
		return Dataset{}, err
	}
	start := cfg.StartTime
	if start.IsZero() {
		start = DefaultStartTime
	}

	s := &synth{
		rng:       rand.New(rand.NewPCG(uint64(cfg.Seed), uint64(cfg.Seed)^0x9e3779b97f4a7c15)),
		errorRate: cfg.ErrorRate,
		counts:    make(map[int64]map[string]*bucket),
	}
	trees := patterns[cfg.Pattern]()
	interval := time.Duration(float64(time.Second) / cfg.Rate)
	total := int(cfg.Duration.Seconds() * cfg.Rate)

	for i := 0; i < total; i++ {
		traceStart := start.Add(time.Duration(i) * interval)
		traceStart = traceStart.Add(time.Duration(s.rng.Int64N(int64(max(interval, 1)))))
		tree := trees[0]
		if len(trees) > 1 {
			tree = trees[s.rng.IntN(len(trees))]
		}
		s.emit(tree, s.hexID(16), "", traceStart)
		s.traceCount++
	}

	sort.SliceStable(s.traces, func(i, j int) bool { return s.traces[i].Timestamp < s.traces[j].Timestamp })
	sort.SliceStable(s.logs, func(i, j int) bool { return s.logs[i].Timestamp < s.logs[j].Timestamp })

	return Dataset{
		Traces:     s.traces,
		Metrics:    s.metricRecords(),
		Logs:       s.logs,
		TraceCount: s.traceCount,
		ErrorCount: s.errorCount,
	}, nil
}

type bucket struct {
	requests int64
	errors   int64
}

type synth struct {
	rng        *rand.Rand
	errorRate  float64
	traces     []codec.Record
	logs       []codec.Record
	counts     map[int64]map[string]*bucket // unix second -> service -> counts
	traceCount int
	errorCount int
}

func (s *synth) hexID(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(s.rng.UintN(256))
	}
	return hex.EncodeToString(b)
}

// emit appends spans for n and its subtree. It returns the span duration
// and whether the span failed.
func (s *synth) emit(n *node, traceID, parentID string, at time.Time) (time.Duration, bool) {
	spanID := s.hexID(8)
	idx := len(s.traces)
	s.traces = append(s.traces, codec.Record{}) // parent precedes children

	self := time.Duration(float64(n.latency) * (0.5 + s.rng.Float64()))
	failed := false
	if len(n.children) == 0 && s.rng.Float64() < s.errorRate {
		failed = true
		self *= 3
	}

	elapsed := self / 2
	for _, c := range n.children {
		d, childFailed := s.emit(c, traceID, spanID, at.Add(elapsed))
		elapsed += d
		failed = failed || childFailed
	}
	duration := elapsed + self/2

	status := "ok"
	if failed {
		status = "error"
		s.errorCount++
		s.logs = append(s.logs, codec.Record{
			Signal:    datatypes.SignalLogs,
			Timestamp: at.Add(duration).UnixNano(),
			TraceID:   traceID,
			SpanID:    spanID,
			Service:   n.service,
			Name:      n.operation + " failed",
			Status:    "ERROR",
		})
	}
	s.traces[idx] = codec.Record{
		Signal:        datatypes.SignalTraces,
		Timestamp:     at.UnixNano(),
		TraceID:       traceID,
		SpanID:        spanID,
		ParentID:      parentID,
		Service:       n.service,
		Name:          n.operation,
		DurationNanos: int64(duration),
		Status:        status,
	}

	sec := at.Unix()
	perSvc, ok := s.counts[sec]
	if !ok {
		perSvc = make(map[string]*bucket)
		s.counts[sec] = perSvc
	}
	b, ok := perSvc[n.service]
	if !ok {
		b = &bucket{}
		perSvc[n.service] = b
	}
	b.requests++
	if failed {
		b.errors++
	}
	return duration, failed
}

func (s *synth) metricRecords() []codec.Record {
	secs := make([]int64, 0, len(s.counts))
	for sec := range s.counts {
		secs = append(secs, sec)
	}
	sort.Slice(secs, func(i, j int) bool { return secs[i] < secs[j] })

	var out []codec.Record
	for _, sec := range secs {
		perSvc := s.counts[sec]
		services := make([]string, 0, len(perSvc))
		for svc := range perSvc {
			services = append(services, svc)
		}
		sort.Strings(services)
		ts := time.Unix(sec, 0).UnixNano()
		for _, svc := range services {
			b := perSvc[svc]
			out = append(out,
				codec.Record{Signal: datatypes.SignalMetrics, Timestamp: ts, Service: svc, Name: "requests_total", Value: float64(b.requests)},
				codec.Record{Signal: datatypes.SignalMetrics, Timestamp: ts, Service: svc, Name: "errors_total", Value: float64(b.errors)},
			)
		}
	}
	return out
}

// =============================================================================
// Generator
// =============================================================================

// Generator writes seed sessions to the Session Store.
type Generator struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewGenerator creates a Generator.
func NewGenerator(store storage.Store, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{store: store, logger: logger, now: time.Now}
}

// Generate synthesizes cfg and writes it as a completed seed session.
//
// # Description
//
// Shards are written first and metadata.json last, so a partially written
// session is never listed. The content digest covers every shard payload
// in traces, metrics, logs order.
//
// # Inputs
//
//   - ctx: Bounds every store write.
//   - cfg: Generation parameters. An empty SessionID becomes "seed-<uuid>".
//
// # Outputs
//
//   - datatypes.CaptureSessionMetadata: The stored metadata.
//   - error: ErrInvalidConfiguration for bad input or an existing id,
//     ErrStorageUnavailable for write failures.
func (g *Generator) Generate(ctx context.Context, cfg SeedConfig) (datatypes.CaptureSessionMetadata, error) {
	ds, err := Synthesize(cfg)
	if err != nil {
		return datatypes.CaptureSessionMetadata{}, err
	}

	id := cfg.SessionID
	if id == "" {
		id = "seed-" + uuid.NewString()
	}
	if _, err := g.store.Get(ctx, storage.MetadataKey(id)); err == nil {
		return datatypes.CaptureSessionMetadata{}, fmt.Errorf("%w: session %s already exists", datatypes.ErrInvalidConfiguration, id)
	} else if !errors.Is(err, storage.ErrObjectNotFound) {
		return datatypes.CaptureSessionMetadata{}, err
	}

	shardSize := cfg.ShardSize
	if shardSize <= 0 {
		shardSize = DefaultShardSize
	}

	var payloads [][]byte
	var totalBytes int64
	signals := []struct {
		name    string
		records []codec.Record
	}{
		{datatypes.SignalTraces, ds.Traces},
		{datatypes.SignalMetrics, ds.Metrics},
		{datatypes.SignalLogs, ds.Logs},
	}
	for _, sig := range signals {
		for n, off := 0, 0; off < len(sig.records); n, off = n+1, off+shardSize {
			end := min(off+shardSize, len(sig.records))
			payload, err := codec.EncodeShard(sig.records[off:end])
			if err != nil {
				return datatypes.CaptureSessionMetadata{}, fmt.Errorf("encode %s shard %d: %w", sig.name, n, err)
			}
			if err := g.store.Put(ctx, storage.ShardKey(id, sig.name, n), payload); err != nil {
				return datatypes.CaptureSessionMetadata{}, fmt.Errorf("write %s shard %d: %w", sig.name, n, err)
			}
			payloads = append(payloads, payload)
			totalBytes += int64(len(payload))
		}
	}

	start := cfg.StartTime
	if start.IsZero() {
		start = DefaultStartTime
	}
	end := start.Add(cfg.Duration)
	seed := cfg.Seed
	meta := datatypes.CaptureSessionMetadata{
		SessionID:       id,
		StartTime:       start,
		EndTime:         &end,
		Status:          datatypes.CaptureCompleted,
		EnabledFlags:    []string{},
		CapturedTraces:  int64(ds.TraceCount),
		CapturedMetrics: int64(len(ds.Metrics)),
		CapturedLogs:    int64(len(ds.Logs)),
		TotalSizeBytes:  totalBytes,
		StoragePrefix:   storage.SessionPrefix(id),
		CreatedBy:       CreatedBy,
		Description:     cfg.Description,
		CreatedAt:       g.now().UTC(),
		Type:            datatypes.SessionTypeSeed,
		ContentDigest:   codec.Digest(payloads...),
		Pattern:         cfg.Pattern,
		Seed:            &seed,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return datatypes.CaptureSessionMetadata{}, fmt.Errorf("encode metadata: %w", err)
	}
	if err := g.store.Put(ctx, storage.MetadataKey(id), data); err != nil {
		return datatypes.CaptureSessionMetadata{}, fmt.Errorf("write metadata: %w", err)
	}

	g.logger.Info("Seed session generated",
		slog.String("session_id", id),
		slog.String("pattern", cfg.Pattern),
		slog.Int("traces", ds.TraceCount),
		slog.Int("errors", ds.ErrorCount),
		slog.Int64("bytes", totalBytes))
	return meta, nil
}

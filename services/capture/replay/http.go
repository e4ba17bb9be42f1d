// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/chaosreplay/services/capture/codec"
	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
	"github.com/AleutianAI/chaosreplay/services/capture/storage"
	"github.com/AleutianAI/chaosreplay/services/capture/tasks"
)

const (
	// DefaultBatchSize is the number of records per sink call.
	DefaultBatchSize = 100

	// DefaultFlushInterval bounds how long a partial batch is held while
	// waiting for the next record's send time.
	DefaultFlushInterval = 200 * time.Millisecond

	// maxConsecutiveFailures marks a replay failed after this many sink
	// errors in a row.
	maxConsecutiveFailures = 5
)

// HTTPServiceOptions configures an HTTPService.
type HTTPServiceOptions struct {
	// DefaultEndpoint is the OTLP/HTTP base URL used when a ReplayConfig
	// carries no TargetEndpoint.
	DefaultEndpoint string

	// NewSink builds the sink for an endpoint. Defaults to NewOTLPHTTPSink
	// with an otelhttp client.
	NewSink func(endpoint string) Sink

	// Extra sinks receive every batch alongside the endpoint sink, for
	// example an InfluxSink for the metrics signal.
	Extra []Sink

	// MaxRecordsPerSecond caps throughput regardless of speed. 0 disables.
	MaxRecordsPerSecond float64

	BatchSize     int
	FlushInterval time.Duration
	Logger        *slog.Logger
}

type run struct {
	status datatypes.ReplayStatus
}

// HTTPService is the production replay delegate.
//
// # Description
//
// StartReplay lists the session's shards synchronously so a missing
// session fails fast, then streams in a background task: shards are
// loaded and decoded, records merged in timestamp order, timestamps
// adjusted per TimestampMode, and each record held until its recorded
// offset divided by SpeedMultiplier has elapsed. Batches per signal go to
// the sink. Sink errors count records as failed; five in a row fail the
// replay.
//
// # Thread Safety
//
// Safe for concurrent use.
type HTTPService struct {
	store    storage.Store
	opts     HTTPServiceOptions
	tasks    *tasks.Registry
	logger   *slog.Logger
	recorded metric.Int64Counter

	mu   sync.Mutex
	runs map[string]*run
}

// NewHTTPService creates the delegate.
//
// # Inputs
//
//   - store: Session Store holding shards.
//   - opts: Endpoint, sinks and pacing.
//
// # Outputs
//
//   - *HTTPService: Ready to use.
//   - error: Non-nil if the records counter cannot be created.
func NewHTTPService(store storage.Store, opts HTTPServiceOptions) (*HTTPService, error) {
	if opts.NewSink == nil {
		client := NewHTTPClient(10 * time.Second)
		opts.NewSink = func(endpoint string) Sink { return NewOTLPHTTPSink(endpoint, client) }
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	counter, err := otel.Meter("github.com/AleutianAI/chaosreplay/services/capture/replay").Int64Counter(
		"chaosreplay.replay.records_sent",
		metric.WithDescription("Records delivered to a replay sink"),
	)
	if err != nil {
		return nil, fmt.Errorf("create records counter: %w", err)
	}

	s := &HTTPService{
		store:    store,
		opts:     opts,
		logger:   logger,
		recorded: counter,
		runs:     make(map[string]*run),
	}
	s.tasks = tasks.NewRegistry(func(p tasks.PanicInfo) {
		logger.Error("Replay stream panicked", slog.String("session_id", p.Key), slog.Any("panic", p.PanicValue), slog.String("stack", p.Stack))
		s.update(p.Key, func(st *datatypes.ReplayStatus) {
			st.Status = datatypes.ReplayFailed
			st.Error = fmt.Sprintf("panic: %v", p.PanicValue)
		})
	})
	return s, nil
}

// StartReplay implements Service.
func (s *HTTPService) StartReplay(ctx context.Context, cfg datatypes.ReplayConfig) (datatypes.ReplayStatus, error) {
	endpoint := cfg.TargetEndpoint
	if endpoint == "" {
		endpoint = s.opts.DefaultEndpoint
	}
	if endpoint == "" && len(s.opts.Extra) == 0 {
		return datatypes.ReplayStatus{}, fmt.Errorf("%w: no target endpoint for %s", datatypes.ErrInvalidConfiguration, cfg.SessionID)
	}

	s.mu.Lock()
	if r, ok := s.runs[cfg.SessionID]; ok && (r.status.Status == datatypes.ReplayRunning || r.status.Status == datatypes.ReplayPending) {
		st := r.status
		s.mu.Unlock()
		return st, nil
	}
	s.mu.Unlock()

	keys, err := s.shardKeys(ctx, cfg)
	if err != nil {
		return datatypes.ReplayStatus{}, err
	}

	now := time.Now()
	st := datatypes.ReplayStatus{
		SessionID: cfg.SessionID,
		Status:    datatypes.ReplayPending,
		StartedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	if r, ok := s.runs[cfg.SessionID]; ok && (r.status.Status == datatypes.ReplayRunning || r.status.Status == datatypes.ReplayPending) {
		cur := r.status
		s.mu.Unlock()
		return cur, nil
	}
	s.runs[cfg.SessionID] = &run{status: st}
	s.mu.Unlock()

	var sink Sink = MultiSink(s.opts.Extra)
	if endpoint != "" {
		sink = append(MultiSink{s.opts.NewSink(endpoint)}, s.opts.Extra...)
	}

	s.tasks.Go(context.Background(), cfg.SessionID, func(tctx context.Context) {
		s.stream(tctx, cfg, keys, sink)
	})

	s.logger.Info("Replay stream started",
		slog.String("session_id", cfg.SessionID),
		slog.String("endpoint", endpoint),
		slog.Int("shards", len(keys)),
		slog.Float64("speed_multiplier", cfg.SpeedMultiplier),
		slog.String("timestamp_mode", string(cfg.TimestampMode)))
	return st, nil
}

// GetReplayStatus implements Service.
func (s *HTTPService) GetReplayStatus(ctx context.Context, sessionID string) (datatypes.ReplayStatus, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.ReplayStatus{}, datatypes.ClassifyContextError(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[sessionID]
	if !ok {
		return datatypes.ReplayStatus{}, fmt.Errorf("%w: no replay stream for %s", datatypes.ErrSessionNotFound, sessionID)
	}
	return r.status, nil
}

// StopReplay implements Service. It cancels the stream and waits for it to
// return until ctx is done.
func (s *HTTPService) StopReplay(ctx context.Context, sessionID string) error {
	if !s.tasks.Cancel(sessionID) {
		return nil
	}
	if err := s.tasks.Wait(ctx, sessionID); err != nil {
		return datatypes.ClassifyContextError(err)
	}
	return nil
}

// Close cancels every stream.
func (s *HTTPService) Close(ctx context.Context) error {
	return s.tasks.CancelAll(ctx)
}

// shardKeys lists the shards of the enabled signals in key order.
func (s *HTTPService) shardKeys(ctx context.Context, cfg datatypes.ReplayConfig) ([]string, error) {
	objs, err := s.store.List(ctx, storage.SessionPrefix(cfg.SessionID))
	if err != nil {
		return nil, fmt.Errorf("list shards for %s: %w", cfg.SessionID, err)
	}
	signals := cfg.Signals
	if signals.None() {
		signals = datatypes.AllSignals()
	}
	var keys []string
	var found bool
	for _, o := range objs {
		found = true
		if storage.IsShardKey(o.Key) && signals.Enabled(storage.SignalFromShardKey(o.Key)) {
			keys = append(keys, o.Key)
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: no objects for %s", datatypes.ErrSessionNotFound, cfg.SessionID)
	}
	sort.Strings(keys)
	return keys, nil
}

type sourced struct {
	codec.Record
	key string
}

func (s *HTTPService) load(ctx context.Context, keys []string) ([]sourced, error) {
	var out []sourced
	for _, k := range keys {
		data, err := s.store.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("read shard %s: %w", k, err)
		}
		recs, err := codec.DecodeShard(data)
		if err != nil {
			return nil, fmt.Errorf("decode shard %s: %w", k, err)
		}
		for _, r := range recs {
			out = append(out, sourced{Record: r, key: k})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (s *HTTPService) stream(ctx context.Context, cfg datatypes.ReplayConfig, keys []string, sink Sink) {
	id := cfg.SessionID
	recs, err := s.load(ctx, keys)
	if err != nil {
		s.finish(ctx, id, err)
		return
	}
	s.update(id, func(st *datatypes.ReplayStatus) {
		st.Status = datatypes.ReplayRunning
		st.TotalRecords = int64(len(recs))
	})
	if len(recs) == 0 {
		s.finish(ctx, id, nil)
		return
	}

	speed := cfg.SpeedMultiplier
	if speed <= 0 {
		speed = 1
	}
	var limiter *rate.Limiter
	if s.opts.MaxRecordsPerSecond > 0 {
		burst := max(int(s.opts.MaxRecordsPerSecond), 1)
		limiter = rate.NewLimiter(rate.Limit(s.opts.MaxRecordsPerSecond), burst)
	}

	start := time.Now()
	first := recs[0].Timestamp
	pending := make(map[string][]codec.Record)
	failures := 0

	flush := func(signal string) bool {
		batch := pending[signal]
		if len(batch) == 0 {
			return true
		}
		delete(pending, signal)
		err := sink.Send(ctx, signal, batch)
		n := int64(len(batch))
		s.update(id, func(st *datatypes.ReplayStatus) {
			if err != nil {
				st.FailedRecords += n
			} else {
				st.ProcessedRecords += n
			}
		})
		if err != nil {
			failures++
			s.logger.Warn("Replay batch failed",
				slog.String("session_id", id),
				slog.String("signal", signal),
				slog.Int64("records", n),
				slog.String("error", err.Error()))
			if failures >= maxConsecutiveFailures {
				s.finish(ctx, id, fmt.Errorf("%w: %d consecutive batch failures: %w", datatypes.ErrTransportFailure, failures, err))
				return false
			}
			return true
		}
		failures = 0
		s.recorded.Add(ctx, n, metric.WithAttributes(attribute.String("signal", signal)))
		return true
	}
	flushAll := func() bool {
		for _, sig := range datatypes.Signals {
			if !flush(sig) {
				return false
			}
		}
		return true
	}

	for _, r := range recs {
		due := start.Add(time.Duration(float64(r.Timestamp-first) / speed))
		if wait := time.Until(due); wait > 0 {
			if wait > s.opts.FlushInterval && !flushAll() {
				return
			}
			if !tasks.Sleep(ctx, wait) {
				s.stopped(id)
				return
			}
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				s.stopped(id)
				return
			}
		}

		rec := r.Record
		switch cfg.TimestampMode {
		case datatypes.TimestampRelative, "":
			rec.Timestamp = start.UnixNano() + (r.Timestamp - first)
		case datatypes.TimestampCurrent:
			rec.Timestamp = time.Now().UnixNano()
		}
		pending[rec.Signal] = append(pending[rec.Signal], rec)
		s.update(id, func(st *datatypes.ReplayStatus) { st.CurrentFile = r.key })

		if len(pending[rec.Signal]) >= s.opts.BatchSize && !flush(rec.Signal) {
			return
		}
	}
	if !flushAll() {
		return
	}
	if ctx.Err() != nil {
		s.stopped(id)
		return
	}
	s.finish(ctx, id, nil)
}

func (s *HTTPService) update(id string, fn func(*datatypes.ReplayStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[id]; ok {
		fn(&r.status)
		r.status.UpdatedAt = time.Now()
	}
}

// stopped records a cancelled stream as completed with whatever progress
// it made.
func (s *HTTPService) stopped(id string) {
	s.update(id, func(st *datatypes.ReplayStatus) {
		if st.Status == datatypes.ReplayRunning || st.Status == datatypes.ReplayPending {
			st.Status = datatypes.ReplayCompleted
		}
	})
	s.logger.Info("Replay stream stopped", slog.String("session_id", id))
}

func (s *HTTPService) finish(ctx context.Context, id string, err error) {
	if err != nil && ctx.Err() != nil {
		s.stopped(id)
		return
	}
	s.update(id, func(st *datatypes.ReplayStatus) {
		if err != nil {
			st.Status = datatypes.ReplayFailed
			st.Error = err.Error()
			return
		}
		st.Status = datatypes.ReplayCompleted
	})
	if err != nil {
		s.logger.Error("Replay stream failed", slog.String("session_id", id), slog.String("error", err.Error()))
		return
	}
	s.logger.Info("Replay stream completed", slog.String("session_id", id))
}

var _ Service = (*HTTPService)(nil)

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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
	"github.com/AleutianAI/chaosreplay/services/capture/events"
	"github.com/AleutianAI/chaosreplay/services/capture/observability"
	"github.com/AleutianAI/chaosreplay/services/capture/storage"
	"github.com/AleutianAI/chaosreplay/services/capture/tasks"
)

const (
	// DefaultLoopPollInterval is how often a loop watcher polls the
	// delegate for completion.
	DefaultLoopPollInterval = 5 * time.Second

	// DefaultCallTimeout bounds every delegate call.
	DefaultCallTimeout = 10 * time.Second

	durationTaskSuffix = "-duration"
	loopTaskSuffix     = "-loop"

	// reasonOrphaned is recorded on records reconciled after a restart.
	reasonOrphaned = "orchestrator restarted while replay was active"
)

// SessionResolver looks sessions up for StartReplay. *sessions.Manager
// satisfies it.
type SessionResolver interface {
	SelectSession(ctx context.Context, strategy datatypes.SelectionStrategy, filter datatypes.SessionFilter) (datatypes.CaptureSessionMetadata, error)
	GetSession(ctx context.Context, id string) (datatypes.CaptureSessionMetadata, error)
}

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	// LoopPollInterval defaults to DefaultLoopPollInterval.
	LoopPollInterval time.Duration

	// CallTimeout defaults to DefaultCallTimeout.
	CallTimeout time.Duration

	// Store receives a durable status record on every transition. nil
	// keeps state in memory only.
	Store storage.Store

	Metrics *observability.Metrics
	Events  events.Publisher
	Logger  *slog.Logger
}

type entry struct {
	status datatypes.OrchestratorStatus
	gen    uint64
}

// Orchestrator is the Replay Orchestrator.
//
// # Description
//
// Holds one OrchestratorStatus per session id. Every status change is a
// compare-and-transition on that key under a single map mutex; no lock is
// held across delegate calls. Each run owns up to two background tasks,
// "<id>-duration" (hard cap) and "<id>-loop" (restart on completion).
// Runs are tagged with a generation number so a task belonging to an
// earlier run never stops a later one.
//
// Pause and resume only flip the orchestrator-level status. The delegate
// keeps streaming and the duration cap keeps counting while paused.
//
// # Thread Safety
//
// Safe for concurrent use.
type Orchestrator struct {
	resolver SessionResolver
	delegate Service
	tasks    *tasks.Registry

	pollInterval time.Duration
	callTimeout  time.Duration
	store        storage.Store
	metrics      *observability.Metrics
	events       events.Publisher
	logger       *slog.Logger
	tracer       trace.Tracer

	mu      sync.Mutex
	entries map[string]*entry
	nextGen uint64
}

// NewOrchestrator creates an Orchestrator.
//
// # Inputs
//
//   - resolver: Session lookup and auto-selection.
//   - delegate: The replay delegate.
//   - opts: Timing, persistence and instrumentation.
//
// # Outputs
//
//   - *Orchestrator: Ready to use. Call Shutdown before exit.
func NewOrchestrator(resolver SessionResolver, delegate Service, opts OrchestratorOptions) *Orchestrator {
	o := &Orchestrator{
		resolver:     resolver,
		delegate:     delegate,
		pollInterval: opts.LoopPollInterval,
		callTimeout:  opts.CallTimeout,
		store:        opts.Store,
		metrics:      opts.Metrics,
		events:       opts.Events,
		logger:       opts.Logger,
		tracer:       otel.Tracer("github.com/AleutianAI/chaosreplay/services/capture/replay"),
		entries:      make(map[string]*entry),
	}
	if o.pollInterval <= 0 {
		o.pollInterval = DefaultLoopPollInterval
	}
	if o.callTimeout <= 0 {
		o.callTimeout = DefaultCallTimeout
	}
	if o.events == nil {
		o.events = events.NopPublisher{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.tasks = tasks.NewRegistry(o.onTaskPanic)
	return o
}

// =============================================================================
// Public Operations
// =============================================================================

// StartReplay resolves a session and starts replaying it.
//
// # Description
//
// SessionID "auto" selects a session with cfg.Strategy (default latest)
// and cfg.Filter. Otherwise the id is looked up directly. A session whose
// status is running, paused or stopping is busy and the call fails without
// touching the existing run. The new run is reserved in the status map
// before the delegate is called; if the delegate fails the previous record
// is restored.
//
// # Inputs
//
//   - ctx: Bounds resolution and the delegate start call.
//   - cfg: Replay parameters.
//
// # Outputs
//
//   - datatypes.OrchestratorStatus: The new running status.
//   - error: ErrInvalidConfiguration, ErrSessionNotFound,
//     ErrSessionAlreadyRunning, or ErrTransportFailure from the delegate.
func (o *Orchestrator) StartReplay(ctx context.Context, cfg datatypes.OrchestratorConfig) (_ datatypes.OrchestratorStatus, err error) {
	ctx, span := o.tracer.Start(ctx, "replay.StartReplay",
		trace.WithAttributes(attribute.String("session.requested", cfg.SessionID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := cfg.Validate(); err != nil {
		return datatypes.OrchestratorStatus{}, err
	}
	meta, err := o.resolve(ctx, cfg)
	if err != nil {
		return datatypes.OrchestratorStatus{}, err
	}
	id := meta.SessionID
	span.SetAttributes(attribute.String("session.id", id))

	// Reserve.
	now := time.Now()
	o.mu.Lock()
	prev, existed := o.entries[id]
	if existed && prev.status.Status.Active() {
		o.mu.Unlock()
		return datatypes.OrchestratorStatus{}, fmt.Errorf("%w: replay for %s is %s", datatypes.ErrSessionAlreadyRunning, id, prev.status.Status)
	}
	o.nextGen++
	gen := o.nextGen
	cur := &entry{
		gen: gen,
		status: datatypes.OrchestratorStatus{
			SessionID:         id,
			Status:            datatypes.OrchestratorRunning,
			StartedAt:         now,
			RemainingDuration: cfg.MaxDuration,
			MaxDuration:       cfg.MaxDuration,
			LoopEnabled:       cfg.LoopEnabled,
			UpdatedAt:         now,
		},
	}
	o.entries[id] = cur
	o.mu.Unlock()
	o.metrics.ReplayActiveDelta(1)

	rc := cfg.ReplayConfigFor(id)
	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	rs, err := o.delegate.StartReplay(callCtx, rc)
	cancel()
	if err != nil {
		// A stop that claimed the reserved run owns its record and the
		// gauge decrement.
		o.mu.Lock()
		unclaimed := o.entries[id] == cur &&
			(cur.status.Status == datatypes.OrchestratorRunning || cur.status.Status == datatypes.OrchestratorPaused)
		if unclaimed {
			if existed {
				o.entries[id] = prev
			} else {
				delete(o.entries, id)
			}
		}
		o.mu.Unlock()
		if unclaimed {
			o.metrics.ReplayActiveDelta(-1)
		}
		return datatypes.OrchestratorStatus{}, delegateError("start replay", id, err)
	}

	o.mu.Lock()
	if o.entries[id] != cur || cur.status.Status != datatypes.OrchestratorRunning {
		// Stopped while the delegate was starting.
		snap := cur.status.Clone()
		o.mu.Unlock()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.callTimeout)
		_ = o.delegate.StopReplay(stopCtx, id)
		cancel()
		return snap, nil
	}
	cur.status.ReplayStatus = &rs
	cur.status.UpdatedAt = time.Now()
	snap := cur.status.Clone()
	o.mu.Unlock()
	o.transitioned(ctx, snap)

	if cfg.MaxDuration > 0 {
		limit := cfg.MaxDuration
		o.tasks.Go(context.Background(), id+durationTaskSuffix, func(tctx context.Context) {
			if tasks.Sleep(tctx, limit) {
				o.logger.Info("Replay reached max duration",
					slog.String("session_id", id),
					slog.Duration("max_duration", limit))
				if err := o.stop(context.Background(), id, gen, ""); err != nil {
					o.logger.Warn("Duration cap stop failed", slog.String("session_id", id), slog.String("error", err.Error()))
				}
			}
		})
	}
	if cfg.LoopEnabled {
		o.tasks.Go(context.Background(), id+loopTaskSuffix, func(tctx context.Context) {
			o.loop(tctx, id, gen, rc)
		})
	}

	o.logger.Info("Replay started",
		slog.String("session_id", id),
		slog.Duration("max_duration", cfg.MaxDuration),
		slog.Bool("loop_enabled", cfg.LoopEnabled),
		slog.Float64("speed_multiplier", rc.SpeedMultiplier))
	return snap, nil
}

// StopReplay stops the replay for id.
//
// # Description
//
// running or paused moves to stopping, the session's background tasks are
// cancelled, the delegate is asked to stop (best effort, bounded by the
// call timeout), and the status becomes stopped with stoppedAt and
// runDuration recorded. When several callers race only one performs the
// transition; the others return nil. Stopping a stopped replay is a no-op.
//
// # Outputs
//
//   - error: ErrSessionNotFound if id has never been started.
func (o *Orchestrator) StopReplay(ctx context.Context, id string) (err error) {
	ctx, span := o.tracer.Start(ctx, "replay.StopReplay", trace.WithAttributes(attribute.String("session.id", id)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return o.stop(ctx, id, 0, "")
}

// PauseReplay marks a running replay paused. Pausing a paused replay is a
// no-op. The delegate stream is not paused.
func (o *Orchestrator) PauseReplay(ctx context.Context, id string) (datatypes.OrchestratorStatus, error) {
	return o.flip(ctx, id, datatypes.OrchestratorRunning, datatypes.OrchestratorPaused)
}

// ResumeReplay marks a paused replay running again. Resuming a running
// replay is a no-op.
func (o *Orchestrator) ResumeReplay(ctx context.Context, id string) (datatypes.OrchestratorStatus, error) {
	return o.flip(ctx, id, datatypes.OrchestratorPaused, datatypes.OrchestratorRunning)
}

// GetStatus returns the orchestrator status for id.
//
// # Description
//
// While running or paused the delegate is read for a fresh ReplayStatus.
// If the delegate is unreachable the last known snapshot is returned
// instead of an error. A non-looping run whose delegate reports completed
// or failed is stopped here.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (datatypes.OrchestratorStatus, error) {
	o.mu.Lock()
	e, ok := o.entries[id]
	if !ok {
		o.mu.Unlock()
		return datatypes.OrchestratorStatus{}, fmt.Errorf("%w: no replay for %s", datatypes.ErrSessionNotFound, id)
	}
	gen := e.gen
	state := e.status.Status
	o.mu.Unlock()

	if state != datatypes.OrchestratorRunning && state != datatypes.OrchestratorPaused {
		return o.snapshot(id)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	rs, err := o.delegate.GetReplayStatus(callCtx, id)
	cancel()
	if err != nil {
		o.logger.Debug("Replay status unavailable, returning last known",
			slog.String("session_id", id),
			slog.String("error", err.Error()))
		return o.snapshot(id)
	}

	o.mu.Lock()
	var finished bool
	var reason string
	if cur := o.entries[id]; cur != nil && cur.gen == gen {
		cur.status.ReplayStatus = &rs
		cur.status.UpdatedAt = time.Now()
		if !cur.status.LoopEnabled && (rs.Status == datatypes.ReplayCompleted || rs.Status == datatypes.ReplayFailed) {
			finished = true
			if rs.Status == datatypes.ReplayFailed {
				reason = "replay failed: " + rs.Error
			}
		}
	}
	o.mu.Unlock()

	if finished {
		if err := o.stop(ctx, id, gen, reason); err != nil {
			return datatypes.OrchestratorStatus{}, err
		}
	}
	return o.snapshot(id)
}

// ListStatuses returns every known status, most recently started first.
func (o *Orchestrator) ListStatuses() []datatypes.OrchestratorStatus {
	o.mu.Lock()
	out := make([]datatypes.OrchestratorStatus, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, o.withTimings(e.status))
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Reconcile loads durable records after a restart. Records left active by
// a previous process have no live task and are marked stopped with an
// error. It returns how many records were reconciled.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	if o.store == nil {
		return 0, nil
	}
	objs, err := o.store.List(ctx, storage.ReplaysPrefix)
	if err != nil {
		return 0, fmt.Errorf("list replay records: %w", err)
	}

	reconciled := 0
	for _, obj := range objs {
		data, err := o.store.Get(ctx, obj.Key)
		if err != nil {
			o.logger.Warn("Skipping unreadable replay record", slog.String("key", obj.Key), slog.String("error", err.Error()))
			continue
		}
		var st datatypes.OrchestratorStatus
		if err := json.Unmarshal(data, &st); err != nil || st.SessionID == "" {
			o.logger.Warn("Skipping undecodable replay record", slog.String("key", obj.Key))
			continue
		}

		orphan := st.Status.Active()
		if orphan {
			now := time.Now()
			st.Status = datatypes.OrchestratorStopped
			st.StoppedAt = &now
			st.RunDuration = now.Sub(st.StartedAt)
			st.RemainingDuration = 0
			st.Error = reasonOrphaned
			st.UpdatedAt = now
		}

		o.mu.Lock()
		if _, live := o.entries[st.SessionID]; live {
			o.mu.Unlock()
			continue
		}
		o.nextGen++
		o.entries[st.SessionID] = &entry{status: st, gen: o.nextGen}
		o.mu.Unlock()

		if orphan {
			reconciled++
			o.persist(ctx, st)
			o.logger.Warn("Reconciled orphaned replay", slog.String("session_id", st.SessionID))
		}
	}
	return reconciled, nil
}

// Shutdown stops every active replay concurrently and waits for background
// tasks until ctx is done.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	var active []string
	for id, e := range o.entries {
		if e.status.Status == datatypes.OrchestratorRunning || e.status.Status == datatypes.OrchestratorPaused {
			active = append(active, id)
		}
	}
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range active {
		g.Go(func() error {
			return o.stop(gctx, id, 0, "")
		})
	}
	stopErr := g.Wait()
	return errors.Join(stopErr, o.tasks.CancelAll(ctx))
}

// =============================================================================
// Internals
// =============================================================================

func (o *Orchestrator) resolve(ctx context.Context, cfg datatypes.OrchestratorConfig) (datatypes.CaptureSessionMetadata, error) {
	if cfg.SessionID == datatypes.AutoSessionID {
		strategy := cfg.Strategy
		if strategy == "" {
			strategy = datatypes.StrategyLatest
		}
		meta, err := o.resolver.SelectSession(ctx, strategy, cfg.Filter)
		if err != nil {
			return datatypes.CaptureSessionMetadata{}, fmt.Errorf("auto-select session: %w", err)
		}
		return meta, nil
	}
	meta, err := o.resolver.GetSession(ctx, cfg.SessionID)
	if err != nil {
		return datatypes.CaptureSessionMetadata{}, fmt.Errorf("look up session: %w", err)
	}
	return meta, nil
}

// stop performs the running/paused -> stopping -> stopped sequence. gen 0
// matches any run; a non-zero gen only stops that run.
func (o *Orchestrator) stop(ctx context.Context, id string, gen uint64, reason string) error {
	o.mu.Lock()
	e, ok := o.entries[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: no replay for %s", datatypes.ErrSessionNotFound, id)
	}
	if gen != 0 && e.gen != gen {
		o.mu.Unlock()
		return nil
	}
	if e.status.Status != datatypes.OrchestratorRunning && e.status.Status != datatypes.OrchestratorPaused {
		o.mu.Unlock()
		return nil
	}
	runGen := e.gen
	e.status.Status = datatypes.OrchestratorStopping
	e.status.UpdatedAt = time.Now()
	if reason != "" {
		e.status.Error = reason
	}
	stopping := e.status.Clone()
	o.mu.Unlock()
	o.transitioned(ctx, stopping)

	o.tasks.Cancel(id + durationTaskSuffix)
	o.tasks.Cancel(id + loopTaskSuffix)

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.callTimeout)
	if err := o.delegate.StopReplay(callCtx, id); err != nil {
		o.logger.Warn("Replay delegate stop failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()))
	}
	cancel()

	o.mu.Lock()
	if e.gen != runGen || e.status.Status != datatypes.OrchestratorStopping || o.entries[id] != e {
		o.mu.Unlock()
		return nil
	}
	now := time.Now()
	e.status.Status = datatypes.OrchestratorStopped
	e.status.StoppedAt = &now
	e.status.RunDuration = now.Sub(e.status.StartedAt)
	e.status.RemainingDuration = 0
	e.status.UpdatedAt = now
	stopped := e.status.Clone()
	o.mu.Unlock()

	o.metrics.ReplayActiveDelta(-1)
	o.transitioned(ctx, stopped)
	o.logger.Info("Replay stopped",
		slog.String("session_id", id),
		slog.Duration("run_duration", stopped.RunDuration),
		slog.Int("loop_count", stopped.LoopCount))
	return nil
}

func (o *Orchestrator) flip(ctx context.Context, id string, from, to datatypes.OrchestratorState) (datatypes.OrchestratorStatus, error) {
	o.mu.Lock()
	e, ok := o.entries[id]
	if !ok {
		o.mu.Unlock()
		return datatypes.OrchestratorStatus{}, fmt.Errorf("%w: no replay for %s", datatypes.ErrSessionNotFound, id)
	}
	switch e.status.Status {
	case to:
		snap := o.withTimings(e.status)
		o.mu.Unlock()
		return snap, nil
	case from:
		e.status.Status = to
		e.status.UpdatedAt = time.Now()
		snap := o.withTimings(e.status)
		o.mu.Unlock()
		o.transitioned(ctx, snap)
		return snap, nil
	default:
		state := e.status.Status
		o.mu.Unlock()
		return datatypes.OrchestratorStatus{}, fmt.Errorf("%w: replay for %s is %s, expected %s", datatypes.ErrInvalidConfiguration, id, state, from)
	}
}

// loop restarts the delegate each time it reports completed. It exits when
// the run is stopping, stopped or superseded.
func (o *Orchestrator) loop(ctx context.Context, id string, gen uint64, rc datatypes.ReplayConfig) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		o.mu.Lock()
		e := o.entries[id]
		if e == nil || e.gen != gen {
			o.mu.Unlock()
			return
		}
		state := e.status.Status
		o.mu.Unlock()
		switch state {
		case datatypes.OrchestratorStopping, datatypes.OrchestratorStopped, datatypes.OrchestratorIdle:
			return
		case datatypes.OrchestratorPaused:
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
		rs, err := o.delegate.GetReplayStatus(callCtx, id)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Debug("Loop watcher status read failed", slog.String("session_id", id), slog.String("error", err.Error()))
			continue
		}
		o.recordReplayStatus(id, gen, rs)

		switch rs.Status {
		case datatypes.ReplayCompleted:
			if !o.stillRunning(id, gen) {
				return
			}
			callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
			next, err := o.delegate.StartReplay(callCtx, rc)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				o.logger.Warn("Loop restart failed", slog.String("session_id", id), slog.String("error", err.Error()))
				continue
			}
			o.mu.Lock()
			var count int
			if e := o.entries[id]; e != nil && e.gen == gen {
				e.status.LoopCount++
				e.status.ReplayStatus = &next
				e.status.UpdatedAt = time.Now()
				count = e.status.LoopCount
			}
			o.mu.Unlock()
			o.metrics.ReplayLoop()
			events.Emit(ctx, o.events, o.logger, events.Event{
				Type: events.TypeReplayLoop, SessionID: id, Status: string(datatypes.OrchestratorRunning),
				Detail: map[string]any{"loopCount": count},
			})
			o.logger.Info("Replay loop restarted", slog.String("session_id", id), slog.Int("loop_count", count))

		case datatypes.ReplayFailed:
			_ = o.stop(context.Background(), id, gen, "replay failed: "+rs.Error)
			return
		}
	}
}

func (o *Orchestrator) stillRunning(id string, gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	e := o.entries[id]
	return e != nil && e.gen == gen && e.status.Status == datatypes.OrchestratorRunning
}

func (o *Orchestrator) recordReplayStatus(id string, gen uint64, rs datatypes.ReplayStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e := o.entries[id]; e != nil && e.gen == gen {
		e.status.ReplayStatus = &rs
		e.status.UpdatedAt = time.Now()
	}
}

func (o *Orchestrator) snapshot(id string) (datatypes.OrchestratorStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[id]
	if !ok {
		return datatypes.OrchestratorStatus{}, fmt.Errorf("%w: no replay for %s", datatypes.ErrSessionNotFound, id)
	}
	return o.withTimings(e.status), nil
}

// withTimings fills runDuration and remainingDuration for live runs.
// Caller holds o.mu.
func (o *Orchestrator) withTimings(st datatypes.OrchestratorStatus) datatypes.OrchestratorStatus {
	out := st.Clone()
	if out.Status == datatypes.OrchestratorRunning || out.Status == datatypes.OrchestratorPaused {
		out.RunDuration = time.Since(out.StartedAt)
		if out.MaxDuration > 0 {
			out.RemainingDuration = max(out.MaxDuration-out.RunDuration, 0)
		}
	}
	return out
}

func (o *Orchestrator) transitioned(ctx context.Context, st datatypes.OrchestratorStatus) {
	o.metrics.ReplayStatus(string(st.Status))
	o.persist(ctx, st)
	detail := map[string]any{"loopCount": st.LoopCount}
	if st.Error != "" {
		detail["error"] = st.Error
	}
	events.Emit(ctx, o.events, o.logger, events.Event{
		Type: events.TypeReplayStatus, SessionID: st.SessionID, Status: string(st.Status), Detail: detail,
	})
}

// persist writes the durable record. Failures are logged and never change
// in-memory state.
func (o *Orchestrator) persist(ctx context.Context, st datatypes.OrchestratorStatus) {
	if o.store == nil {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		o.logger.Warn("Failed to encode replay record", slog.String("session_id", st.SessionID), slog.String("error", err.Error()))
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.callTimeout)
	defer cancel()
	if err := o.store.Put(pctx, storage.ReplayStatusKey(st.SessionID), data); err != nil {
		o.logger.Warn("Failed to persist replay record", slog.String("session_id", st.SessionID), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) onTaskPanic(p tasks.PanicInfo) {
	o.logger.Error("Replay task panicked",
		slog.String("task", p.Key),
		slog.Any("panic", p.PanicValue),
		slog.String("stack", p.Stack))
	for _, suffix := range []string{durationTaskSuffix, loopTaskSuffix} {
		if id, ok := strings.CutSuffix(p.Key, suffix); ok && id != "" {
			_ = o.stop(context.Background(), id, 0, fmt.Sprintf("background task panicked: %v", p.PanicValue))
			return
		}
	}
}

// delegateError keeps taxonomy errors from the delegate and classifies the
// rest as transport failures.
func delegateError(op, id string, err error) error {
	err = datatypes.ClassifyContextError(err)
	if datatypes.ErrorCode(err) != "internal" {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	return fmt.Errorf("%w: %s %s: %w", datatypes.ErrTransportFailure, op, id, err)
}

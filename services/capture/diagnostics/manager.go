// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diagnostics drives fault-injection experiments.
//
// # Description
//
// A Manager runs the diagnostics phase machine
// created → started → flag_enabled → capturing → completed, toggling a
// feature flag and writing test.phase.* annotations that link the phases to
// the capture by session id. RunTraining executes the labelled
// baseline → anomaly → recovery timeline used to assemble training data.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/chaosreplay/services/capture/annotations"
	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
	"github.com/AleutianAI/chaosreplay/services/capture/events"
	"github.com/AleutianAI/chaosreplay/services/capture/flags"
	"github.com/AleutianAI/chaosreplay/services/capture/observability"
	"github.com/AleutianAI/chaosreplay/services/capture/tasks"
)

const (
	// DefaultCallTimeout bounds every flag and annotation call.
	DefaultCallTimeout = 10 * time.Second

	// annotationSource is recorded on every marker this package writes.
	annotationSource = "diagnostics-manager"

	phaseTaskSuffix = "-phases"
	idPrefix        = "diag-"
)

// CaptureRecorder tracks the capture session linked to a diagnostics run.
// *sessions.Manager satisfies it.
type CaptureRecorder interface {
	BeginCapture(ctx context.Context, meta datatypes.CaptureSessionMetadata) (datatypes.CaptureSessionMetadata, error)
	CompleteCapture(ctx context.Context, id string) (datatypes.CaptureSessionMetadata, error)
	FailCapture(ctx context.Context, id string, cause error) (datatypes.CaptureSessionMetadata, error)
}

// Options configures a Manager.
type Options struct {
	// CallTimeout defaults to DefaultCallTimeout.
	CallTimeout time.Duration

	// Captures, if set, gets an active capture record on start and a
	// terminal one when the run ends.
	Captures CaptureRecorder

	Metrics *observability.Metrics
	Events  events.Publisher
	Logger  *slog.Logger
}

type record struct {
	session datatypes.DiagnosticsSession

	// stopping is set once StopSession has claimed the session. The
	// background task never transitions a stopping session.
	stopping bool
	stopDone chan struct{}

	// flagTouched is set once EnableFlag has been attempted.
	flagTouched bool

	// recovered is set once the runner has written its recovery marker.
	recovered bool
}

// Manager is the Diagnostics Session Manager.
//
// # Description
//
// Sessions live in an append-only registry keyed by id. Each started
// session owns one background task "<id>-phases". Phase changes go through
// datatypes.CanTransition under the registry mutex; the mutex is never held
// across flag or annotation calls.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager struct {
	flags       flags.Controller
	annotations annotations.Service
	captures    CaptureRecorder
	tasks       *tasks.Registry
	callTimeout time.Duration
	metrics     *observability.Metrics
	events      events.Publisher
	logger      *slog.Logger
	tracer      trace.Tracer

	mu      sync.Mutex
	records map[string]*record
}

// NewManager creates a Manager.
//
// # Inputs
//
//   - fc: Feature Flag Controller.
//   - as: Annotation Service.
//   - opts: Timeouts, capture tracking and instrumentation.
//
// # Outputs
//
//   - *Manager: Ready to use. Call Shutdown before exit.
func NewManager(fc flags.Controller, as annotations.Service, opts Options) *Manager {
	m := &Manager{
		flags:       fc,
		annotations: as,
		captures:    opts.Captures,
		callTimeout: opts.CallTimeout,
		metrics:     opts.Metrics,
		events:      opts.Events,
		logger:      opts.Logger,
		tracer:      otel.Tracer("github.com/AleutianAI/chaosreplay/services/capture/diagnostics"),
		records:     make(map[string]*record),
	}
	if m.callTimeout <= 0 {
		m.callTimeout = DefaultCallTimeout
	}
	if m.events == nil {
		m.events = events.NopPublisher{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.tasks = tasks.NewRegistry(m.onTaskPanic)
	return m
}

// =============================================================================
// Public Operations
// =============================================================================

// CreateSession registers a new session in phase created. No external
// service is called.
//
// # Outputs
//
//   - datatypes.DiagnosticsSession: The new session.
//   - error: ErrInvalidConfiguration for an empty flag name or negative
//     durations.
func (m *Manager) CreateSession(_ context.Context, cfg datatypes.DiagnosticsConfig) (datatypes.DiagnosticsSession, error) {
	if err := cfg.Validate(); err != nil {
		return datatypes.DiagnosticsSession{}, err
	}
	now := time.Now().UTC()
	name := cfg.Name
	if name == "" {
		name = cfg.FlagName
	}
	sess := datatypes.DiagnosticsSession{
		ID:              idPrefix + uuid.NewString(),
		FlagName:        cfg.FlagName,
		Name:            name,
		Phase:           datatypes.PhaseCreated,
		StartTime:       now,
		CaptureInterval: cfg.CaptureInterval,
		WarmupDelay:     cfg.WarmupDelay,
		TestDuration:    cfg.TestDuration,
		Metadata:        cfg.Metadata,
		Annotations:     []datatypes.Annotation{},
		PhaseHistory:    []datatypes.PhaseTransition{{Phase: datatypes.PhaseCreated, At: now}},
	}

	m.mu.Lock()
	m.records[sess.ID] = &record{session: sess}
	out := sess.Clone()
	m.mu.Unlock()

	m.metrics.Phase(string(datatypes.PhaseCreated))
	m.logger.Info("Diagnostics session created",
		slog.String("session_id", sess.ID),
		slog.String("flag_name", sess.FlagName),
		slog.Duration("warmup_delay", sess.WarmupDelay),
		slog.Duration("test_duration", sess.TestDuration))
	return out, nil
}

// StartSession moves a created session to started and launches its phase
// runner.
//
// # Description
//
// The runner enables the flag and writes the baseline marker
// (flag_enabled), waits warmupDelay, writes the anomaly marker
// (capturing), waits testDuration, then disables the flag, writes the
// recovery marker and completes. Any failure disables the flag
// (best effort) and moves the session to failed.
//
// # Outputs
//
//   - datatypes.DiagnosticsSession: The session in phase started.
//   - error: ErrSessionNotFound, ErrSessionAlreadyRunning if it was already
//     started, ErrInvalidConfiguration if it has finished.
func (m *Manager) StartSession(ctx context.Context, id string) (datatypes.DiagnosticsSession, error) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return datatypes.DiagnosticsSession{}, fmt.Errorf("%w: diagnostics session %s", datatypes.ErrSessionNotFound, id)
	}
	switch {
	case rec.session.Phase.IsTerminal() || rec.stopping:
		phase := rec.session.Phase
		m.mu.Unlock()
		return datatypes.DiagnosticsSession{}, fmt.Errorf("%w: diagnostics session %s is %s", datatypes.ErrInvalidConfiguration, id, phase)
	case rec.session.Phase != datatypes.PhaseCreated:
		phase := rec.session.Phase
		m.mu.Unlock()
		return datatypes.DiagnosticsSession{}, fmt.Errorf("%w: diagnostics session %s is %s", datatypes.ErrSessionAlreadyRunning, id, phase)
	}
	m.setPhaseLocked(rec, datatypes.PhaseStarted)
	snap := rec.session.Clone()
	// Registered under m.mu so a StopSession that follows always finds the
	// runner to cancel and wait for.
	m.tasks.Go(context.Background(), id+phaseTaskSuffix, func(tctx context.Context) {
		m.runPhases(tctx, id)
	})
	m.mu.Unlock()

	m.phaseChanged(ctx, snap)
	return snap, nil
}

// StopSession ends a session early.
//
// # Description
//
// The phase runner is cancelled and awaited, the flag is disabled, a
// recovery marker is written if the flag had been enabled, and the session
// is forced to completed with endTime set. Calling it on a finished
// session returns the session unchanged. Concurrent callers wait for the
// first one to finish.
//
// # Outputs
//
//   - datatypes.DiagnosticsSession: The final session.
//   - error: ErrSessionNotFound, or ctx's error if ctx ends while waiting.
func (m *Manager) StopSession(ctx context.Context, id string) (datatypes.DiagnosticsSession, error) {
	ctx, span := m.tracer.Start(ctx, "diagnostics.StopSession", trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return datatypes.DiagnosticsSession{}, fmt.Errorf("%w: diagnostics session %s", datatypes.ErrSessionNotFound, id)
	}
	if rec.session.Phase.IsTerminal() {
		snap := rec.session.Clone()
		m.mu.Unlock()
		return snap, nil
	}
	if rec.stopping {
		done := rec.stopDone
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return datatypes.DiagnosticsSession{}, datatypes.ClassifyContextError(ctx.Err())
		}
		return m.GetSession(ctx, id)
	}
	rec.stopping = true
	rec.stopDone = make(chan struct{})
	m.mu.Unlock()
	defer close(rec.stopDone)

	m.tasks.Cancel(id + phaseTaskSuffix)
	if err := m.tasks.Wait(ctx, id+phaseTaskSuffix); err != nil {
		m.logger.Warn("Phase runner did not exit before stop deadline",
			slog.String("session_id", id),
			slog.String("error", err.Error()))
	}

	m.mu.Lock()
	sess := rec.session.Clone()
	touched := rec.flagTouched && !rec.recovered
	m.mu.Unlock()

	var stopErr error
	if err := m.disableFlag(ctx, sess.FlagName); err != nil {
		stopErr = err
		m.logger.Error("Failed to disable flag on stop",
			slog.String("session_id", id),
			slog.String("flag_name", sess.FlagName),
			slog.String("error", err.Error()))
	} else if touched {
		m.annotate(ctx, id, datatypes.PhaseKeyRecovery, annotations.PhaseMarker{
			SessionID: id, FlagName: sess.FlagName, FlagValue: false, Phase: datatypes.TrainingRecovery,
		})
	}

	m.mu.Lock()
	if !rec.session.Phase.IsTerminal() {
		now := time.Now().UTC()
		rec.session.EndTime = &now
		if stopErr != nil {
			rec.session.Error = "flag disable failed: " + stopErr.Error()
		}
		m.setPhaseLocked(rec, datatypes.PhaseCompleted)
	}
	snap := rec.session.Clone()
	m.mu.Unlock()

	m.phaseChanged(ctx, snap)
	m.endCapture(ctx, snap, nil)
	m.logger.Info("Diagnostics session stopped",
		slog.String("session_id", id),
		slog.String("flag_name", snap.FlagName))
	return snap, nil
}

// GetSession returns a copy of the session.
func (m *Manager) GetSession(_ context.Context, id string) (datatypes.DiagnosticsSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return datatypes.DiagnosticsSession{}, fmt.Errorf("%w: diagnostics session %s", datatypes.ErrSessionNotFound, id)
	}
	return rec.session.Clone(), nil
}

// ListSessions returns every session, newest first.
func (m *Manager) ListSessions(_ context.Context) []datatypes.DiagnosticsSession {
	m.mu.Lock()
	out := make([]datatypes.DiagnosticsSession, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.session.Clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

// GetSessionAnnotations queries the Annotation Service for test.phase.*
// markers whose value mentions the session id.
func (m *Manager) GetSessionAnnotations(ctx context.Context, id string) ([]datatypes.Annotation, error) {
	if _, err := m.GetSession(ctx, id); err != nil {
		return nil, err
	}
	qctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	entries, err := m.annotations.Query(qctx, annotations.Filter{
		KeyPrefix:     datatypes.PhaseAnnotationPrefix,
		ValueContains: id,
	})
	if err != nil {
		return nil, fmt.Errorf("query annotations for %s: %w", id, datatypes.ClassifyContextError(err))
	}
	return entries, nil
}

// Shutdown stops every unfinished session concurrently.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	var live []string
	for id, rec := range m.records {
		if !rec.session.Phase.IsTerminal() && rec.session.Phase != datatypes.PhaseCreated {
			live = append(live, id)
		}
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range live {
		g.Go(func() error {
			_, err := m.StopSession(gctx, id)
			return err
		})
	}
	return errors.Join(g.Wait(), m.tasks.CancelAll(ctx))
}

// =============================================================================
// Phase Runner
// =============================================================================

func (m *Manager) runPhases(ctx context.Context, id string) {
	ctx, span := m.tracer.Start(ctx, "diagnostics.runPhases", trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	sess, err := m.GetSession(ctx, id)
	if err != nil {
		return
	}
	flag := sess.FlagName
	m.beginCapture(ctx, sess)

	// Baseline: remember the pre-value, then enable.
	pre, err := m.flagValue(ctx, flag)
	if err != nil {
		m.fail(ctx, id, fmt.Errorf("read flag %s: %w", flag, err))
		return
	}
	m.mu.Lock()
	if rec := m.records[id]; rec != nil {
		rec.flagTouched = true
	}
	m.mu.Unlock()
	if err := m.enableFlag(ctx, flag); err != nil {
		m.fail(ctx, id, fmt.Errorf("enable flag %s: %w", flag, err))
		return
	}
	if err := m.annotateStrict(ctx, id, datatypes.PhaseKeyBaseline, annotations.PhaseMarker{
		SessionID: id, FlagName: flag, FlagValue: pre, Phase: datatypes.TrainingBaseline,
	}); err != nil {
		m.fail(ctx, id, err)
		return
	}
	if !m.advance(ctx, id, datatypes.PhaseFlagEnabled) {
		return
	}

	if !tasks.Sleep(ctx, sess.WarmupDelay) {
		return
	}
	if !m.advance(ctx, id, datatypes.PhaseCapturing) {
		return
	}
	if err := m.annotateStrict(ctx, id, datatypes.PhaseKeyAnomaly, annotations.PhaseMarker{
		SessionID: id, FlagName: flag, FlagValue: true, Phase: datatypes.TrainingAnomaly,
	}); err != nil {
		m.fail(ctx, id, err)
		return
	}

	if !tasks.Sleep(ctx, sess.TestDuration) {
		return
	}
	if err := m.disableFlag(ctx, flag); err != nil {
		m.fail(ctx, id, fmt.Errorf("disable flag %s: %w", flag, err))
		return
	}
	if err := m.annotateStrict(ctx, id, datatypes.PhaseKeyRecovery, annotations.PhaseMarker{
		SessionID: id, FlagName: flag, FlagValue: false, Phase: datatypes.TrainingRecovery,
	}); err != nil {
		m.fail(ctx, id, err)
		return
	}

	m.mu.Lock()
	rec := m.records[id]
	if rec != nil {
		rec.recovered = true
	}
	if rec == nil || rec.stopping || rec.session.Phase.IsTerminal() {
		m.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	rec.session.EndTime = &now
	m.setPhaseLocked(rec, datatypes.PhaseCompleted)
	snap := rec.session.Clone()
	m.mu.Unlock()

	m.phaseChanged(ctx, snap)
	m.endCapture(ctx, snap, nil)
	m.logger.Info("Diagnostics session completed",
		slog.String("session_id", id),
		slog.String("flag_name", flag),
		slog.Duration("elapsed", now.Sub(snap.StartTime)))
}

// advance moves a session forward one phase unless it is being stopped.
func (m *Manager) advance(ctx context.Context, id string, to datatypes.Phase) bool {
	m.mu.Lock()
	rec := m.records[id]
	if rec == nil || rec.stopping || !datatypes.CanTransition(rec.session.Phase, to) {
		m.mu.Unlock()
		return false
	}
	m.setPhaseLocked(rec, to)
	snap := rec.session.Clone()
	m.mu.Unlock()
	m.phaseChanged(ctx, snap)
	return true
}

// fail disables the flag (best effort) and moves the session to failed.
// A runner cancelled by StopSession leaves the outcome to StopSession.
func (m *Manager) fail(ctx context.Context, id string, cause error) {
	if ctx.Err() != nil {
		return
	}
	m.mu.Lock()
	rec := m.records[id]
	if rec == nil || rec.stopping || rec.session.Phase.IsTerminal() {
		m.mu.Unlock()
		return
	}
	flag := rec.session.FlagName
	m.mu.Unlock()

	if err := m.disableFlag(context.WithoutCancel(ctx), flag); err != nil {
		m.logger.Error("Compensating flag disable failed",
			slog.String("session_id", id),
			slog.String("flag_name", flag),
			slog.String("error", err.Error()))
	}

	m.mu.Lock()
	if rec.stopping || rec.session.Phase.IsTerminal() {
		m.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	rec.session.EndTime = &now
	rec.session.Error = cause.Error()
	m.setPhaseLocked(rec, datatypes.PhaseFailed)
	snap := rec.session.Clone()
	m.mu.Unlock()

	m.phaseChanged(ctx, snap)
	m.endCapture(ctx, snap, cause)
	m.logger.Error("Diagnostics session failed",
		slog.String("session_id", id),
		slog.String("flag_name", flag),
		slog.String("error", cause.Error()))
}

// setPhaseLocked records a transition. Caller holds m.mu.
func (m *Manager) setPhaseLocked(rec *record, to datatypes.Phase) {
	rec.session.Phase = to
	rec.session.PhaseHistory = append(rec.session.PhaseHistory, datatypes.PhaseTransition{Phase: to, At: time.Now().UTC()})
}

func (m *Manager) phaseChanged(ctx context.Context, s datatypes.DiagnosticsSession) {
	m.metrics.Phase(string(s.Phase))
	detail := map[string]any{"flagName": s.FlagName}
	if s.Error != "" {
		detail["error"] = s.Error
	}
	events.Emit(ctx, m.events, m.logger, events.Event{
		Type: events.TypeDiagnosticsPhase, SessionID: s.ID, Status: string(s.Phase), Detail: detail,
	})
	m.logger.Debug("Diagnostics phase changed",
		slog.String("session_id", s.ID),
		slog.String("phase", string(s.Phase)))
}

func (m *Manager) onTaskPanic(p tasks.PanicInfo) {
	m.logger.Error("Diagnostics phase runner panicked",
		slog.String("task", p.Key),
		slog.Any("panic", p.PanicValue),
		slog.String("stack", p.Stack))
	id := p.Key[:len(p.Key)-len(phaseTaskSuffix)]
	m.fail(context.Background(), id, fmt.Errorf("phase runner panicked: %v", p.PanicValue))
}

// =============================================================================
// Collaborator Calls
// =============================================================================

func (m *Manager) flagValue(ctx context.Context, name string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	v, err := m.flags.GetFlagValue(cctx, name)
	return v, flagError(err)
}

func (m *Manager) enableFlag(ctx context.Context, name string) error {
	cctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	return flagError(m.flags.EnableFlag(cctx, name))
}

func (m *Manager) disableFlag(ctx context.Context, name string) error {
	cctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	return flagError(m.flags.DisableFlag(cctx, name))
}

// flagError keeps unknown-flag configuration errors and classifies the rest
// as flag service failures.
func flagError(err error) error {
	if err == nil || errors.Is(err, datatypes.ErrFlagServiceUnavailable) || errors.Is(err, datatypes.ErrInvalidConfiguration) {
		return err
	}
	return fmt.Errorf("%w: %w", datatypes.ErrFlagServiceUnavailable, datatypes.ClassifyContextError(err))
}

// annotateStrict writes a marker and records it on the session.
func (m *Manager) annotateStrict(ctx context.Context, id, key string, marker annotations.PhaseMarker) error {
	entry, err := annotations.NewPhaseEntry(key, annotationSource, marker)
	if err != nil {
		return fmt.Errorf("encode %s marker: %w", key, err)
	}
	cctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	stored, err := m.annotations.Annotate(cctx, entry)
	if err != nil {
		return fmt.Errorf("write %s annotation: %w", key, datatypes.ClassifyContextError(err))
	}
	m.mu.Lock()
	if rec := m.records[id]; rec != nil {
		rec.session.Annotations = append(rec.session.Annotations, stored)
	}
	m.mu.Unlock()
	return nil
}

// annotate is annotateStrict with failures logged.
func (m *Manager) annotate(ctx context.Context, id, key string, marker annotations.PhaseMarker) {
	if err := m.annotateStrict(ctx, id, key, marker); err != nil {
		m.logger.Warn("Failed to write phase annotation",
			slog.String("session_id", id),
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
}

func (m *Manager) beginCapture(ctx context.Context, s datatypes.DiagnosticsSession) {
	if m.captures == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	_, err := m.captures.BeginCapture(cctx, datatypes.CaptureSessionMetadata{
		SessionID:           s.ID,
		DiagnosticSessionID: s.ID,
		StartTime:           s.StartTime,
		EnabledFlags:        []string{s.FlagName},
		CreatedBy:           annotationSource,
		Description:         s.Name,
		Type:                datatypes.SessionTypeCapture,
	})
	if err != nil {
		m.logger.Warn("Failed to open capture record", slog.String("session_id", s.ID), slog.String("error", err.Error()))
	}
}

func (m *Manager) endCapture(ctx context.Context, s datatypes.DiagnosticsSession, cause error) {
	if m.captures == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.callTimeout)
	defer cancel()
	var err error
	if cause != nil {
		_, err = m.captures.FailCapture(cctx, s.ID, cause)
	} else {
		_, err = m.captures.CompleteCapture(cctx, s.ID)
	}
	if err != nil {
		m.logger.Warn("Failed to close capture record", slog.String("session_id", s.ID), slog.String("error", err.Error()))
	}
}

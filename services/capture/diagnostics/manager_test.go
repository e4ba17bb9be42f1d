// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package diagnostics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/chaosreplay/services/capture/annotations"
	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
	"github.com/AleutianAI/chaosreplay/services/capture/events"
	"github.com/AleutianAI/chaosreplay/services/capture/flags"
	"github.com/AleutianAI/chaosreplay/services/capture/observability"
	"github.com/AleutianAI/chaosreplay/services/capture/sessions"
	"github.com/AleutianAI/chaosreplay/services/capture/storage"
)

const testFlag = "paymentServiceFailure"

type fixture struct {
	mgr     *Manager
	flags   *flags.MemoryController
	notes   *annotations.MemoryService
	events  *events.Recorder
	metrics *observability.Metrics
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		flags:   flags.NewMemoryController(map[string]bool{testFlag: false}),
		notes:   annotations.NewMemoryService(),
		events:  &events.Recorder{},
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = 100 * time.Millisecond
	}
	opts.Events = f.events
	opts.Metrics = f.metrics
	f.mgr = NewManager(f.flags, f.notes, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.mgr.Shutdown(ctx)
	})
	return f
}

func (f *fixture) phase(t *testing.T, id string) datatypes.Phase {
	t.Helper()
	s, err := f.mgr.GetSession(context.Background(), id)
	require.NoError(t, err)
	return s.Phase
}

func (f *fixture) waitPhase(t *testing.T, id string, want datatypes.Phase) datatypes.DiagnosticsSession {
	t.Helper()
	require.Eventually(t, func() bool { return f.phase(t, id) == want }, 5*time.Second, 2*time.Millisecond,
		"phase %s not reached", want)
	s, _ := f.mgr.GetSession(context.Background(), id)
	return s
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t, Options{})
	s, err := f.mgr.CreateSession(context.Background(), datatypes.DiagnosticsConfig{FlagName: testFlag, TestDuration: time.Second})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s.ID, "diag-"))
	assert.Equal(t, datatypes.PhaseCreated, s.Phase)
	assert.Equal(t, testFlag, s.Name)
	assert.Empty(t, f.flags.Calls(), "no external calls on create")

	_, err = f.mgr.CreateSession(context.Background(), datatypes.DiagnosticsConfig{})
	assert.ErrorIs(t, err, datatypes.ErrInvalidConfiguration)
	_, err = f.mgr.CreateSession(context.Background(), datatypes.DiagnosticsConfig{FlagName: testFlag, TestDuration: -time.Second})
	assert.ErrorIs(t, err, datatypes.ErrInvalidConfiguration)
}

func TestCreateSession_ConcurrentAreIndependent(t *testing.T) {
	f := newFixture(t, Options{})
	var wg sync.WaitGroup
	ids := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := f.mgr.CreateSession(context.Background(), datatypes.DiagnosticsConfig{FlagName: testFlag})
			assert.NoError(t, err)
			ids <- s.ID
		}()
	}
	wg.Wait()
	close(ids)
	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 20)
	assert.Len(t, f.mgr.ListSessions(context.Background()), 20)
}

func TestSession_SuccessfulRun(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	s, err := f.mgr.CreateSession(ctx, datatypes.DiagnosticsConfig{
		FlagName: testFlag, WarmupDelay: 40 * time.Millisecond, TestDuration: 60 * time.Millisecond,
	})
	require.NoError(t, err)

	started, err := f.mgr.StartSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.PhaseStarted, started.Phase)

	f.waitPhase(t, s.ID, datatypes.PhaseFlagEnabled)
	assert.True(t, f.flags.Value(testFlag))

	final := f.waitPhase(t, s.ID, datatypes.PhaseCompleted)
	assert.Equal(t, []datatypes.Phase{
		datatypes.PhaseCreated, datatypes.PhaseStarted, datatypes.PhaseFlagEnabled, datatypes.PhaseCapturing, datatypes.PhaseCompleted,
	}, final.Phases())
	require.NotNil(t, final.EndTime)
	assert.GreaterOrEqual(t, final.EndTime.Sub(final.StartTime), 100*time.Millisecond)
	assert.False(t, f.flags.Value(testFlag))
	assert.Len(t, final.Annotations, 3)

	notes, err := f.mgr.GetSessionAnnotations(ctx, s.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(notes), 2)
	keys := make([]string, 0, len(notes))
	for _, n := range notes {
		assert.True(t, strings.HasPrefix(n.Key, datatypes.PhaseAnnotationPrefix))
		keys = append(keys, n.Key)
	}
	assert.Equal(t, []string{datatypes.PhaseKeyBaseline, datatypes.PhaseKeyAnomaly, datatypes.PhaseKeyRecovery}, keys)

	baseline, err := annotations.DecodePhaseMarker(notes[0])
	require.NoError(t, err)
	assert.Equal(t, s.ID, baseline.SessionID)
	assert.False(t, baseline.FlagValue, "pre-value")
	anomaly, err := annotations.DecodePhaseMarker(notes[1])
	require.NoError(t, err)
	assert.True(t, anomaly.FlagValue)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PhaseTransitions.WithLabelValues("completed")))
	assert.Len(t, f.events.Events(events.TypeDiagnosticsPhase), 4)
}

func TestSession_AnnotationsAreScopedToSession(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	var ids []string
	for i := 0; i < 2; i++ {
		s, err := f.mgr.CreateSession(ctx, datatypes.DiagnosticsConfig{FlagName: testFlag})
		require.NoError(t, err)
		_, err = f.mgr.StartSession(ctx, s.ID)
		require.NoError(t, err)
		f.waitPhase(t, s.ID, datatypes.PhaseCompleted)
		ids = append(ids, s.ID)
	}
	for _, id := range ids {
		notes, err := f.mgr.GetSessionAnnotations(ctx, id)
		require.NoError(t, err)
		assert.Len(t, notes, 3)
		for _, n := range notes {
			assert.Contains(t, n.Value, id)
		}
	}
}

func TestStartSession_Errors(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.mgr.StartSession(ctx, "diag-missing")
	assert.ErrorIs(t, err, datatypes.ErrSessionNotFound)

	s, err := f.mgr.CreateSession(ctx, datatypes.DiagnosticsConfig{FlagName: testFlag, TestDuration: time.Hour})
	require.NoError(t, err)
	_, err = f.mgr.StartSession(ctx, s.ID)
	require.NoError(t, err)
	_, err = f.mgr.StartSession(ctx, s.ID)
	assert.ErrorIs(t, err, datatypes.ErrSessionAlreadyRunning)

	_, err = f.mgr.StopSession(ctx, s.ID)
	require.NoError(t, err)
	_, err = f.mgr.StartSession(ctx, s.ID)
	assert.ErrorIs(t, err, datatypes.ErrInvalidConfiguration)
}

func TestStopSession_MidRun(t *testing.T) {
	for _, at := range []datatypes.Phase{datatypes.PhaseFlagEnabled, datatypes.PhaseCapturing} {
		t.Run(string(at), func(t *testing.T) {
			f := newFixture(t, Options{})
			ctx := context.Background()
			warmup := time.Hour
			if at == datatypes.PhaseCapturing {
				warmup = 0
			}
			s, err := f.mgr.CreateSession(ctx, datatypes.DiagnosticsConfig{FlagName: testFlag, WarmupDelay: warmup, TestDuration: time.Hour})
			require.NoError(t, err)
			_, err = f.mgr.StartSession(ctx, s.ID)
			require.NoError(t, err)
			f.waitPhase(t, s.ID, at)
			require.True(t, f.flags.Value(testFlag))

			final, err := f.mgr.StopSession(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, datatypes.PhaseCompleted, final.Phase)
			require.NotNil(t, final.EndTime)
			assert.False(t, f.flags.Value(testFlag))

			// Idempotent.
			calls := len(f.flags.Calls())
			again, err := f.mgr.StopSession(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, final.EndTime, again.EndTime)
			assert.Len(t, f.flags.Calls(), calls)
		})
	}
}

func TestStopSession_BeforeStartAndImmediately(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	s, err := f.mgr.CreateSession(ctx, datatypes.DiagnosticsConfig{FlagName: testFlag})
	require.NoError(t, err)
	final, err := f.mgr.StopSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.PhaseCompleted, final.Phase)

	// Start then stop with no gap: the flag must still end disabled.
	for i := 0; i < 20; i++ {
		s, err := f.mgr.CreateSession(ctx, datatypes.DiagnosticsConfig{FlagName: testFlag, TestDuration: time.Hour})
		require.NoError(t, err)
		_, err = f.mgr.StartSession(ctx, s.ID)
		require.NoError(t, err)
		final, err := f.mgr.StopSession(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, datatypes.PhaseCompleted, final.Phase)
		assert.False(t, f.flags.Value(testFlag), "iteration %d", i)
	}

	_, err = f.mgr.StopSession(ctx, "diag-missing")
	assert.ErrorIs(t, err, datatypes.ErrSessionNotFound)
}

func TestStopSession_ConcurrentCallers(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	s, err := f.mgr.CreateSession(ctx, datatypes.DiagnosticsConfig{FlagName: testFlag, TestDuration: time.Hour})
	require.NoError(t, err)
	_, err = f.mgr.StartSession(ctx, s.ID)
	require.NoError(t, err)
	f.waitPhase(t, s.ID, datatypes.PhaseCapturing)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.mgr.StopSession(ctx, s.ID)
			assert.NoError(t, err)
			assert.Equal(t, datatypes.PhaseCompleted, out.Phase)
		}()
	}
	wg.Wait()

	final, _ := f.mgr.GetSession(ctx, s.ID)
	completed := 0
	for _, p := range final.Phases() {
		if p == datatypes.PhaseCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}

func TestSession_FlagServiceUnavailable(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.flags.FailOn("enable", errors.New("flagd down"))

	s, err := f.mgr.CreateSession(ctx, datatypes.DiagnosticsConfig{FlagName: testFlag, TestDuration: time.Hour})
	require.NoError(t, err)
	_, err = f.mgr.StartSession(ctx, s.ID)
	require.NoError(t, err)

	final := f.waitPhase(t, s.ID, datatypes.PhaseFailed)
	assert.Contains(t, final.Error, "flagd down")
	require.NotNil(t, final.EndTime)
	assert.False(t, f.flags.Value(testFlag))

	var disables int
	for _, c := range f.flags.Calls() {
		if c.Op == "disable" {
			disables++
		}
	}
	assert.Equal(t, 1, disables, "compensating disable attempted")
}

func TestSession_FlagCallTimeout(t *testing.T) {
	f := newFixture(t, Options{CallTimeout: 30 * time.Millisecond})
	ctx := context.Background()
	f.flags.Block("enable", true)

	s, err := f.mgr.CreateSession(ctx, datatypes.DiagnosticsConfig{FlagName: testFlag})
	require.NoError(t, err)
	_, err = f.mgr.StartSession(ctx, s.ID)
	require.NoError(t, err)

	final := f.waitPhase(t, s.ID, datatypes.PhaseFailed)
	assert.Contains(t, final.Error, "timeout")
}

func TestSession_AnnotationFailureDisablesFlag(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.notes.FailAnnotate(errors.New("index offline"))

	s, err := f.mgr.CreateSession(ctx, datatypes.DiagnosticsConfig{FlagName: testFlag, TestDuration: time.Hour})
	require.NoError(t, err)
	_, err = f.mgr.StartSession(ctx, s.ID)
	require.NoError(t, err)

	final := f.waitPhase(t, s.ID, datatypes.PhaseFailed)
	assert.Contains(t, final.Error, "index offline")
	assert.False(t, f.flags.Value(testFlag))
}

func TestSession_StopWhileFlagCallHangs(t *testing.T) {
	f := newFixture(t, Options{CallTimeout: time.Hour})
	ctx := context.Background()
	f.flags.Block("enable", true)

	s, err := f.mgr.CreateSession(ctx, datatypes.DiagnosticsConfig{FlagName: testFlag})
	require.NoError(t, err)
	_, err = f.mgr.StartSession(ctx, s.ID)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	final, err := f.mgr.StopSession(stopCtx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.PhaseCompleted, final.Phase)
	assert.False(t, f.flags.Value(testFlag))
}

func TestSession_CaptureRecordLinked(t *testing.T) {
	store := storage.NewMemoryStore()
	sm, err := sessions.NewManager(store, sessions.Options{})
	require.NoError(t, err)
	defer sm.Close()

	f := newFixture(t, Options{Captures: sm})
	ctx := context.Background()
	s, err := f.mgr.CreateSession(ctx, datatypes.DiagnosticsConfig{FlagName: testFlag})
	require.NoError(t, err)
	_, err = f.mgr.StartSession(ctx, s.ID)
	require.NoError(t, err)
	f.waitPhase(t, s.ID, datatypes.PhaseCompleted)

	require.Eventually(t, func() bool {
		meta, err := sm.GetSession(ctx, s.ID)
		return err == nil && meta.Status == datatypes.CaptureCompleted
	}, time.Second, 5*time.Millisecond)
	meta, err := sm.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, meta.DiagnosticSessionID)
	assert.Equal(t, []string{testFlag}, meta.EnabledFlags)
	assert.Equal(t, datatypes.SessionTypeCapture, meta.Type)
}

func TestShutdown_StopsRunningSessions(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		s, err := f.mgr.CreateSession(ctx, datatypes.DiagnosticsConfig{FlagName: testFlag, TestDuration: time.Hour})
		require.NoError(t, err)
		_, err = f.mgr.StartSession(ctx, s.ID)
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}
	require.NoError(t, f.mgr.Shutdown(ctx))
	for _, id := range ids {
		assert.Equal(t, datatypes.PhaseCompleted, f.phase(t, id))
	}
	assert.False(t, f.flags.Value(testFlag))
}

// gatedRecovery stores every entry and holds the recovery marker's write
// open until release is closed.
type gatedRecovery struct {
	*annotations.MemoryService
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRecovery) Annotate(ctx context.Context, e annotations.Entry) (annotations.Entry, error) {
	stored, err := g.MemoryService.Annotate(ctx, e)
	if e.Key == datatypes.PhaseKeyRecovery {
		select {
		case <-g.entered:
		default:
			close(g.entered)
			<-g.release
		}
	}
	return stored, err
}

func TestStopSession_AfterRecoveryWritesOneMarker(t *testing.T) {
	f := newFixture(t, Options{})
	gate := &gatedRecovery{MemoryService: f.notes, entered: make(chan struct{}), release: make(chan struct{})}
	f.mgr = NewManager(f.flags, gate, Options{CallTimeout: time.Second, Events: f.events, Metrics: f.metrics})
	ctx := context.Background()

	s, err := f.mgr.CreateSession(ctx, datatypes.DiagnosticsConfig{FlagName: testFlag, TestDuration: 10 * time.Millisecond})
	require.NoError(t, err)
	_, err = f.mgr.StartSession(ctx, s.ID)
	require.NoError(t, err)
	<-gate.entered

	stopped := make(chan datatypes.DiagnosticsSession, 1)
	go func() {
		final, err := f.mgr.StopSession(ctx, s.ID)
		assert.NoError(t, err)
		stopped <- final
	}()
	require.Eventually(t, func() bool {
		f.mgr.mu.Lock()
		defer f.mgr.mu.Unlock()
		return f.mgr.records[s.ID].stopping
	}, 2*time.Second, time.Millisecond)
	close(gate.release)

	final := <-stopped
	assert.Equal(t, datatypes.PhaseCompleted, final.Phase)
	assert.False(t, f.flags.Value(testFlag))

	recovery, err := f.notes.Query(ctx, annotations.Filter{KeyPrefix: datatypes.PhaseKeyRecovery, ValueContains: s.ID})
	require.NoError(t, err)
	assert.Len(t, recovery, 1)
}

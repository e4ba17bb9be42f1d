// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/chaosreplay/services/capture/annotations"
	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
	"github.com/AleutianAI/chaosreplay/services/capture/diagnostics"
	"github.com/AleutianAI/chaosreplay/services/capture/flags"
	"github.com/AleutianAI/chaosreplay/services/capture/observability"
	"github.com/AleutianAI/chaosreplay/services/capture/replay"
	"github.com/AleutianAI/chaosreplay/services/capture/retention"
	"github.com/AleutianAI/chaosreplay/services/capture/seed"
	"github.com/AleutianAI/chaosreplay/services/capture/sessions"
	"github.com/AleutianAI/chaosreplay/services/capture/storage"
)

const testFlag = "paymentServiceFailure"

type stack struct {
	router   *gin.Engine
	store    *storage.MemoryStore
	flags    *flags.MemoryController
	delegate *replay.MemoryService
}

func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	s := &stack{
		store:    storage.NewMemoryStore(),
		flags:    flags.NewMemoryController(map[string]bool{testFlag: false}),
		delegate: replay.NewMemoryService(0),
	}
	mgr, err := sessions.NewManager(s.store, sessions.Options{})
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	diag := diagnostics.NewManager(s.flags, annotations.NewMemoryService(), diagnostics.Options{
		CallTimeout: 200 * time.Millisecond,
		Captures:    mgr,
		Metrics:     metrics,
	})
	orch := replay.NewOrchestrator(mgr, s.delegate, replay.OrchestratorOptions{
		LoopPollInterval: 10 * time.Millisecond,
		CallTimeout:      200 * time.Millisecond,
		Store:            s.store,
		Metrics:          metrics,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
		_ = diag.Shutdown(ctx)
	})

	s.router = NewRouter("chaosreplay-test", Dependencies{
		Diagnostics: diag,
		Replays:     orch,
		Sessions:    mgr,
		Seeds:       seed.NewGenerator(s.store, nil),
		Retention:   retention.NewService(s.store, retention.Config{}, retention.Options{Cache: mgr, Metrics: metrics}),
		Gatherer:    reg,
	})
	return s
}

func (s *stack) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (s *stack) seed(t *testing.T, id string) {
	t.Helper()
	w := s.do(t, http.MethodPost, "/v1/seeds", map[string]any{
		"pattern": "linear", "duration": "2s", "rate": 5, "seed": 7, "sessionId": id,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	s := newStack(t)
	w := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "_replay_active")
}

func TestDiagnosticsLifecycle(t *testing.T) {
	s := newStack(t)
	w := s.do(t, http.MethodPost, "/v1/diagnostics", map[string]any{
		"flagName": testFlag, "name": "checkout", "warmupDelay": "10ms", "testDuration": "10ms", "start": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[datatypes.DiagnosticsSession](t, w)
	assert.True(t, strings.HasPrefix(created.ID, "diag-"))

	require.Eventually(t, func() bool {
		w := s.do(t, http.MethodGet, "/v1/diagnostics/"+created.ID, nil)
		return decode[datatypes.DiagnosticsSession](t, w).Phase == datatypes.PhaseCompleted
	}, 2*time.Second, 5*time.Millisecond)

	w = s.do(t, http.MethodGet, "/v1/diagnostics/"+created.ID+"/annotations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	notes := decode[struct {
		Annotations []datatypes.Annotation `json:"annotations"`
	}](t, w)
	assert.Len(t, notes.Annotations, 3)

	w = s.do(t, http.MethodGet, "/v1/diagnostics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.ID)

	// Starting a finished session is rejected; stopping it is idempotent.
	w = s.do(t, http.MethodPost, "/v1/diagnostics/"+created.ID+"/start", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodPost, "/v1/diagnostics/"+created.ID+"/stop", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, s.flags.Value(testFlag))
}

func TestDiagnosticsErrors(t *testing.T) {
	s := newStack(t)
	w := s.do(t, http.MethodPost, "/v1/diagnostics", map[string]any{"name": "no flag"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_configuration", decode[map[string]string](t, w)["code"])

	w = s.do(t, http.MethodPost, "/v1/diagnostics", map[string]any{"flagName": testFlag, "warmupDelay": "soon"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/v1/diagnostics/diag-missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	s.flags.FailOn("get", datatypes.ErrFlagServiceUnavailable)
	w = s.do(t, http.MethodPost, "/v1/diagnostics", map[string]any{"flagName": testFlag, "start": true})
	// Start is accepted; the flag failure surfaces asynchronously.
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[datatypes.DiagnosticsSession](t, w).ID
	require.Eventually(t, func() bool {
		w := s.do(t, http.MethodGet, "/v1/diagnostics/"+id, nil)
		return decode[datatypes.DiagnosticsSession](t, w).Phase == datatypes.PhaseFailed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReplayLifecycle(t *testing.T) {
	s := newStack(t)
	s.seed(t, "seed-a")

	w := s.do(t, http.MethodPost, "/v1/replays", map[string]any{"speedMultiplier": 2})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	st := decode[datatypes.OrchestratorStatus](t, w)
	assert.Equal(t, "seed-a", st.SessionID)
	assert.Equal(t, datatypes.OrchestratorRunning, st.Status)

	w = s.do(t, http.MethodPost, "/v1/replays", map[string]any{"sessionId": "seed-a"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/v1/replays/seed-a/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, datatypes.OrchestratorPaused, decode[datatypes.OrchestratorStatus](t, w).Status)
	w = s.do(t, http.MethodPost, "/v1/replays/seed-a/resume", nil)
	assert.Equal(t, datatypes.OrchestratorRunning, decode[datatypes.OrchestratorStatus](t, w).Status)

	w = s.do(t, http.MethodGet, "/v1/replays", nil)
	assert.Contains(t, w.Body.String(), `"seed-a"`)

	w = s.do(t, http.MethodPost, "/v1/replays/seed-a/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, datatypes.OrchestratorStopped, decode[datatypes.OrchestratorStatus](t, w).Status)
	w = s.do(t, http.MethodPost, "/v1/replays/seed-a/stop", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, s.delegate.Stops("seed-a"))
}

func TestReplayErrors(t *testing.T) {
	s := newStack(t)
	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"no sessions for auto", map[string]any{}, http.StatusNotFound},
		{"unknown session", map[string]any{"sessionId": "ghost"}, http.StatusNotFound},
		{"negative speed", map[string]any{"sessionId": "ghost", "speedMultiplier": -1}, http.StatusBadRequest},
		{"bad duration", map[string]any{"sessionId": "ghost", "maxDuration": "forever"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/v1/replays", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	s.seed(t, "seed-b")
	s.delegate.FailStart(datatypes.ErrTransportFailure)
	w := s.do(t, http.MethodPost, "/v1/replays", map[string]any{"sessionId": "seed-b"})
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = s.do(t, http.MethodGet, "/v1/replays/seed-b", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodPost, "/v1/replays/seed-b/pause", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionsEndpoints(t *testing.T) {
	s := newStack(t)
	s.seed(t, "seed-1")
	s.seed(t, "seed-2")

	w := s.do(t, http.MethodGet, "/v1/sessions?type=seed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Sessions []datatypes.CaptureSessionMetadata `json:"sessions"`
		Count    int                                `json:"count"`
	}](t, w)
	assert.Equal(t, 2, list.Count)

	w = s.do(t, http.MethodGet, "/v1/sessions/select?strategy=latest", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, []string{"seed-1", "seed-2"}, decode[datatypes.CaptureSessionMetadata](t, w).SessionID)

	w = s.do(t, http.MethodGet, "/v1/sessions/seed-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, datatypes.CaptureCompleted, decode[datatypes.CaptureSessionMetadata](t, w).Status)

	w = s.do(t, http.MethodGet, "/v1/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/v1/sessions/select?strategy=oldest", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/v1/seeds", map[string]any{"pattern": "spiral", "duration": "1s", "rate": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodPost, "/v1/seeds", map[string]any{"pattern": "linear", "duration": "1s", "rate": 1, "sessionId": "seed-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRetentionEndpoints(t *testing.T) {
	s := newStack(t)
	s.seed(t, "seed-young")

	w := s.do(t, http.MethodPost, "/v1/retention/continuous", map[string]any{"olderThanDays": 365})
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[retention.CleanupResult](t, w)
	assert.Equal(t, 0, res.DeletedObjects)
	assert.Contains(t, res.ProcessedPaths, "continuous/")
	assert.Empty(t, res.Errors)

	w = s.do(t, http.MethodPost, "/v1/retention/sessions", map[string]any{"olderThanDays": 30})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[retention.CleanupResult](t, w).DeletedObjects)

	w = s.do(t, http.MethodPost, "/v1/retention/archive", map[string]any{"olderThanDays": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	s.store.FailOn("list", "continuous/", datatypes.ErrStorageUnavailable)
	w = s.do(t, http.MethodPost, "/v1/retention/continuous", map[string]any{"olderThanDays": 1})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

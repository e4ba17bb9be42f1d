// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{fmt.Errorf("x: %w", datatypes.ErrSessionNotFound), http.StatusNotFound},
		{datatypes.ErrSessionAlreadyRunning, http.StatusConflict},
		{datatypes.ErrInvalidConfiguration, http.StatusBadRequest},
		{datatypes.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{datatypes.ErrFlagServiceUnavailable, http.StatusServiceUnavailable},
		{datatypes.ErrTransportFailure, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{datatypes.ErrCancelled, StatusClientClosedRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), fmt.Sprint(tt.err))
	}
}

// scriptedReplays returns statuses from a script, one per GetStatus call,
// repeating the last entry.
type scriptedReplays struct {
	mu     sync.Mutex
	script []datatypes.OrchestratorState
	calls  int
}

func (s *scriptedReplays) GetStatus(_ context.Context, id string) (datatypes.OrchestratorStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "s1" {
		return datatypes.OrchestratorStatus{}, datatypes.ErrSessionNotFound
	}
	i := min(s.calls, len(s.script)-1)
	s.calls++
	return datatypes.OrchestratorStatus{SessionID: id, Status: s.script[i]}, nil
}

func (s *scriptedReplays) StartReplay(context.Context, datatypes.OrchestratorConfig) (datatypes.OrchestratorStatus, error) {
	return datatypes.OrchestratorStatus{}, errors.New("not scripted")
}
func (s *scriptedReplays) StopReplay(context.Context, string) error { return nil }
func (s *scriptedReplays) PauseReplay(context.Context, string) (datatypes.OrchestratorStatus, error) {
	return datatypes.OrchestratorStatus{}, nil
}
func (s *scriptedReplays) ResumeReplay(context.Context, string) (datatypes.OrchestratorStatus, error) {
	return datatypes.OrchestratorStatus{}, nil
}
func (s *scriptedReplays) ListStatuses() []datatypes.OrchestratorStatus { return nil }

func watchServer(t *testing.T, api ReplayAPI) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/replays/:id/watch", WatchReplay(api))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestWatchReplay_StreamsUntilStopped(t *testing.T) {
	api := &scriptedReplays{script: []datatypes.OrchestratorState{
		datatypes.OrchestratorRunning,
		datatypes.OrchestratorPaused,
		datatypes.OrchestratorStopping,
		datatypes.OrchestratorStopped,
	}}
	srv := watchServer(t, api)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/replays/s1/watch?interval=10ms"), nil)
	require.NoError(t, err)
	defer ws.Close()

	var seen []datatypes.OrchestratorState
	for {
		var st datatypes.OrchestratorStatus
		if err := ws.ReadJSON(&st); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
			break
		}
		seen = append(seen, st.Status)
	}
	assert.Equal(t, api.script, seen)
}

func TestWatchReplay_Errors(t *testing.T) {
	srv := watchServer(t, &scriptedReplays{script: []datatypes.OrchestratorState{datatypes.OrchestratorRunning}})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/replays/ghost/watch"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv, "/replays/s1/watch?interval=often"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWatchReplay_ClientDisconnect(t *testing.T) {
	api := &scriptedReplays{script: []datatypes.OrchestratorState{datatypes.OrchestratorRunning}}
	srv := watchServer(t, api)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/replays/s1/watch?interval=10ms"), nil)
	require.NoError(t, err)
	var st datatypes.OrchestratorStatus
	require.NoError(t, ws.ReadJSON(&st))
	require.NoError(t, ws.Close())

	// The server notices the disconnect and stops polling.
	time.Sleep(100 * time.Millisecond)
	api.mu.Lock()
	calls := api.calls
	api.mu.Unlock()
	time.Sleep(100 * time.Millisecond)
	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, calls, api.calls)
}

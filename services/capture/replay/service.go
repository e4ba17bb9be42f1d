// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package replay streams stored sessions to a telemetry endpoint and
// orchestrates replays.
//
// # Description
//
// Service is the replay delegate: it streams one session and reports
// progress. HTTPService is the production delegate and MemoryService the
// test double. Orchestrator wraps a delegate with session auto-selection,
// a hard duration cap, loop-on-completion, pause bookkeeping and durable
// status records.
package replay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
)

// Service is the replay delegate port.
//
// StartReplay on a session that is already streaming returns its current
// status without restarting it. GetReplayStatus on an unknown session
// returns datatypes.ErrSessionNotFound. StopReplay is idempotent.
type Service interface {
	StartReplay(ctx context.Context, cfg datatypes.ReplayConfig) (datatypes.ReplayStatus, error)
	GetReplayStatus(ctx context.Context, sessionID string) (datatypes.ReplayStatus, error)
	StopReplay(ctx context.Context, sessionID string) error
}

// =============================================================================
// MemoryService
// =============================================================================

// MemoryService is a scripted delegate for tests.
//
// # Description
//
// A started replay is "running" until CompleteAfter elapses (if set), a
// test calls SetState, or it is stopped. Failure injection and blocking
// cover the orchestrator's error paths.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryService struct {
	mu            sync.Mutex
	statuses      map[string]datatypes.ReplayStatus
	starts        map[string]int
	stops         map[string]int
	configs       map[string][]datatypes.ReplayConfig
	completeAfter time.Duration
	startErr      error
	statusErr     error
	blockStatus   bool
	blockStop     bool
}

// NewMemoryService creates a delegate. A positive completeAfter makes every
// started replay report completed once that much time has passed.
func NewMemoryService(completeAfter time.Duration) *MemoryService {
	return &MemoryService{
		statuses:      make(map[string]datatypes.ReplayStatus),
		starts:        make(map[string]int),
		stops:         make(map[string]int),
		configs:       make(map[string][]datatypes.ReplayConfig),
		completeAfter: completeAfter,
	}
}

// FailStart makes StartReplay fail with err. nil clears it.
func (m *MemoryService) FailStart(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// FailStatus makes GetReplayStatus fail with err. nil clears it.
func (m *MemoryService) FailStatus(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusErr = err
}

// BlockStatus makes GetReplayStatus wait for ctx cancellation.
func (m *MemoryService) BlockStatus(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockStatus = on
}

// BlockStop makes StopReplay wait for ctx cancellation.
func (m *MemoryService) BlockStop(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockStop = on
}

// SetState overrides the reported state of a session.
func (m *MemoryService) SetState(sessionID string, state datatypes.ReplayState, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.statuses[sessionID]
	st.SessionID = sessionID
	st.Status = state
	st.Error = errMsg
	st.UpdatedAt = time.Now()
	m.statuses[sessionID] = st
}

// Starts returns how many times StartReplay actually (re)started id.
func (m *MemoryService) Starts(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts[sessionID]
}

// Stops returns how many times StopReplay was called for id.
func (m *MemoryService) Stops(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops[sessionID]
}

// Configs returns every config StartReplay received for id.
func (m *MemoryService) Configs(sessionID string) []datatypes.ReplayConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]datatypes.ReplayConfig(nil), m.configs[sessionID]...)
}

// StartReplay implements Service.
func (m *MemoryService) StartReplay(ctx context.Context, cfg datatypes.ReplayConfig) (datatypes.ReplayStatus, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.ReplayStatus{}, datatypes.ClassifyContextError(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return datatypes.ReplayStatus{}, m.startErr
	}
	m.configs[cfg.SessionID] = append(m.configs[cfg.SessionID], cfg)
	if st, ok := m.statuses[cfg.SessionID]; ok && st.Status == datatypes.ReplayRunning && !m.expired(st) {
		return st, nil
	}
	now := time.Now()
	st := datatypes.ReplayStatus{
		SessionID:    cfg.SessionID,
		Status:       datatypes.ReplayRunning,
		TotalRecords: 100,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	m.statuses[cfg.SessionID] = st
	m.starts[cfg.SessionID]++
	return st, nil
}

func (m *MemoryService) expired(st datatypes.ReplayStatus) bool {
	return m.completeAfter > 0 && time.Since(st.StartedAt) >= m.completeAfter
}

// GetReplayStatus implements Service.
func (m *MemoryService) GetReplayStatus(ctx context.Context, sessionID string) (datatypes.ReplayStatus, error) {
	m.mu.Lock()
	blocked := m.blockStatus
	m.mu.Unlock()
	if blocked {
		<-ctx.Done()
	}
	if err := ctx.Err(); err != nil {
		return datatypes.ReplayStatus{}, datatypes.ClassifyContextError(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return datatypes.ReplayStatus{}, m.statusErr
	}
	st, ok := m.statuses[sessionID]
	if !ok {
		return datatypes.ReplayStatus{}, fmt.Errorf("%w: replay %s", datatypes.ErrSessionNotFound, sessionID)
	}
	if st.Status == datatypes.ReplayRunning && m.expired(st) {
		st.Status = datatypes.ReplayCompleted
		st.ProcessedRecords = st.TotalRecords
		st.UpdatedAt = time.Now()
		m.statuses[sessionID] = st
	}
	return st, nil
}

// StopReplay implements Service.
func (m *MemoryService) StopReplay(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	m.stops[sessionID]++
	blocked := m.blockStop
	m.mu.Unlock()
	if blocked {
		<-ctx.Done()
		return datatypes.ClassifyContextError(ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.statuses[sessionID]; ok && st.Status == datatypes.ReplayRunning {
		st.Status = datatypes.ReplayCompleted
		st.UpdatedAt = time.Now()
		m.statuses[sessionID] = st
	}
	return nil
}

var _ Service = (*MemoryService)(nil)

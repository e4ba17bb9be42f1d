// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"time"
)

// AutoSessionID asks the orchestrator to pick a session via the Session
// Manager.
const AutoSessionID = "auto"

// =============================================================================
// Replay Delegate Records
// =============================================================================

// ReplayState is the delegate-owned replay state.
type ReplayState string

const (
	ReplayPending   ReplayState = "pending"
	ReplayRunning   ReplayState = "running"
	ReplayCompleted ReplayState = "completed"
	ReplayFailed    ReplayState = "failed"
)

// ReplayStatus is the progress record reported by the Replay Service.
//
// Read-only from the orchestrator's perspective.
type ReplayStatus struct {
	SessionID        string      `json:"sessionId"`
	Status           ReplayState `json:"status"`
	TotalRecords     int64       `json:"totalRecords"`
	ProcessedRecords int64       `json:"processedRecords"`
	FailedRecords    int64       `json:"failedRecords"`
	CurrentFile      string      `json:"currentFile"`
	Error            string      `json:"error,omitempty"`
	StartedAt        time.Time   `json:"startedAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// TimestampMode controls how recorded timestamps are rewritten on replay.
type TimestampMode string

const (
	// TimestampNone sends recorded timestamps unchanged.
	TimestampNone TimestampMode = "none"

	// TimestampRelative shifts every record so the first one lands at the
	// replay start while keeping recorded deltas.
	TimestampRelative TimestampMode = "relative"

	// TimestampCurrent stamps every record with its send time.
	TimestampCurrent TimestampMode = "current"
)

// SignalToggles selects which signals are replayed.
type SignalToggles struct {
	Traces  bool `json:"traces" yaml:"traces"`
	Metrics bool `json:"metrics" yaml:"metrics"`
	Logs    bool `json:"logs" yaml:"logs"`
}

// AllSignals enables every signal.
func AllSignals() SignalToggles {
	return SignalToggles{Traces: true, Metrics: true, Logs: true}
}

// Enabled reports whether signal is toggled on.
func (t SignalToggles) Enabled(signal string) bool {
	switch signal {
	case SignalTraces:
		return t.Traces
	case SignalMetrics:
		return t.Metrics
	case SignalLogs:
		return t.Logs
	}
	return false
}

// None reports whether every signal is disabled.
func (t SignalToggles) None() bool {
	return !t.Traces && !t.Metrics && !t.Logs
}

// ReplayConfig is the delegate input built by the orchestrator.
type ReplayConfig struct {
	SessionID       string        `json:"sessionId"`
	SpeedMultiplier float64       `json:"speedMultiplier"`
	TargetEndpoint  string        `json:"targetEndpoint,omitempty"`
	Signals         SignalToggles `json:"signals"`
	TimestampMode   TimestampMode `json:"timestampMode"`
}

// =============================================================================
// Orchestrator Records
// =============================================================================

// OrchestratorConfig is the immutable per-call input of StartReplay.
//
// # Description
//
// SessionID may be AutoSessionID, in which case Strategy and Filter drive
// selection. MaxDuration of zero means unbounded. A zero SpeedMultiplier is
// treated as 1. Signals with every toggle off is treated as AllSignals.
type OrchestratorConfig struct {
	SessionID       string            `json:"sessionId" validate:"required"`
	Strategy        SelectionStrategy `json:"selectionStrategy,omitempty" validate:"omitempty,oneof=latest random largest smallest"`
	Filter          SessionFilter     `json:"sessionFilter"`
	MaxDuration     time.Duration     `json:"maxDuration" validate:"gte=0"`
	LoopEnabled     bool              `json:"loopEnabled"`
	SpeedMultiplier float64           `json:"speedMultiplier" validate:"gte=0"`
	TargetEndpoint  string            `json:"targetEndpoint,omitempty" validate:"omitempty,url"`
	Signals         SignalToggles     `json:"signals"`
	TimestampMode   TimestampMode     `json:"timestampMode,omitempty" validate:"omitempty,oneof=none relative current"`
}

// Validate checks the configuration.
//
// # Outputs
//
//   - error: Wraps ErrInvalidConfiguration when a field is out of range.
func (c OrchestratorConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return nil
}

// ReplayConfigFor builds the delegate config for a resolved session id,
// applying defaults.
func (c OrchestratorConfig) ReplayConfigFor(sessionID string) ReplayConfig {
	speed := c.SpeedMultiplier
	if speed <= 0 {
		speed = 1
	}
	signals := c.Signals
	if signals.None() {
		signals = AllSignals()
	}
	mode := c.TimestampMode
	if mode == "" {
		mode = TimestampRelative
	}
	return ReplayConfig{
		SessionID:       sessionID,
		SpeedMultiplier: speed,
		TargetEndpoint:  c.TargetEndpoint,
		Signals:         signals,
		TimestampMode:   mode,
	}
}

// OrchestratorState is the orchestrator-level replay state.
type OrchestratorState string

const (
	OrchestratorIdle     OrchestratorState = "idle"
	OrchestratorRunning  OrchestratorState = "running"
	OrchestratorPaused   OrchestratorState = "paused"
	OrchestratorStopping OrchestratorState = "stopping"
	OrchestratorStopped  OrchestratorState = "stopped"
)

// Active reports whether the state blocks a new StartReplay for the same id.
func (s OrchestratorState) Active() bool {
	return s == OrchestratorRunning || s == OrchestratorPaused || s == OrchestratorStopping
}

// OrchestratorStatus is the per-session record held by the orchestrator.
//
// # Description
//
// Owned exclusively by the orchestrator. A durable copy is written to the
// session store on every transition so a restarted process can reconcile
// orphaned runs.
type OrchestratorStatus struct {
	SessionID         string            `json:"sessionId"`
	Status            OrchestratorState `json:"status"`
	StartedAt         time.Time         `json:"startedAt"`
	StoppedAt         *time.Time        `json:"stoppedAt,omitempty"`
	ReplayStatus      *ReplayStatus     `json:"replayStatus,omitempty"`
	RunDuration       time.Duration     `json:"runDuration"`
	RemainingDuration time.Duration     `json:"remainingDuration"`
	MaxDuration       time.Duration     `json:"maxDuration"`
	LoopEnabled       bool              `json:"loopEnabled"`
	LoopCount         int               `json:"loopCount"`
	Error             string            `json:"error,omitempty"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy.
func (s OrchestratorStatus) Clone() OrchestratorStatus {
	out := s
	if s.StoppedAt != nil {
		t := *s.StoppedAt
		out.StoppedAt = &t
	}
	if s.ReplayStatus != nil {
		rs := *s.ReplayStatus
		out.ReplayStatus = &rs
	}
	return out
}

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

// =============================================================================
// Diagnostics Sessions
// =============================================================================

// Phase is a diagnostics session lifecycle stage.
type Phase string

const (
	PhaseCreated     Phase = "created"
	PhaseStarted     Phase = "started"
	PhaseFlagEnabled Phase = "flag_enabled"
	PhaseCapturing   Phase = "capturing"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
)

// phaseOrder ranks the forward phases. Terminal phases are handled
// separately by CanTransition.
var phaseOrder = map[Phase]int{
	PhaseCreated:     0,
	PhaseStarted:     1,
	PhaseFlagEnabled: 2,
	PhaseCapturing:   3,
	PhaseCompleted:   4,
}

// IsTerminal reports whether no further transition is allowed.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// CanTransition reports whether from → to is a legal phase change.
//
// # Description
//
// Forward moves are allowed one step at a time. PhaseFailed is reachable
// from any non-terminal phase, and PhaseCompleted may be forced from any
// non-terminal phase (early stop). Terminal phases never change.
func CanTransition(from, to Phase) bool {
	if from.IsTerminal() {
		return false
	}
	if to == PhaseFailed || to == PhaseCompleted {
		return true
	}
	fromRank, okFrom := phaseOrder[from]
	toRank, okTo := phaseOrder[to]
	return okFrom && okTo && toRank == fromRank+1
}

// PhaseTransition records one phase change.
type PhaseTransition struct {
	Phase Phase     `json:"phase"`
	At    time.Time `json:"at"`
}

// Annotation key prefix and per-phase keys used for diagnostics and
// training markers.
const (
	PhaseAnnotationPrefix = "test.phase."
	PhaseKeyBaseline      = PhaseAnnotationPrefix + "baseline"
	PhaseKeyAnomaly       = PhaseAnnotationPrefix + "anomaly"
	PhaseKeyRecovery      = PhaseAnnotationPrefix + "recovery"
)

// Annotation is one phase marker returned to callers.
type Annotation struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

// DiagnosticsConfig is the input of CreateSession.
//
// # Description
//
// FlagName is required. WarmupDelay and TestDuration must not be negative.
// CaptureInterval is informational for the capture process.
type DiagnosticsConfig struct {
	FlagName        string         `json:"flagName" validate:"required"`
	Name            string         `json:"name,omitempty"`
	CaptureInterval time.Duration  `json:"captureInterval" validate:"gte=0"`
	WarmupDelay     time.Duration  `json:"warmupDelay" validate:"gte=0"`
	TestDuration    time.Duration  `json:"testDuration" validate:"gte=0"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Validate checks the configuration.
func (c DiagnosticsConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return nil
}

// DiagnosticsSession is one fault-injection experiment.
//
// # Description
//
// Created by CreateSession. Phase is mutated only by the manager's own
// background task or by StopSession. The record is retained after
// completion for audit reads.
type DiagnosticsSession struct {
	ID              string            `json:"id"`
	FlagName        string            `json:"flagName"`
	Name            string            `json:"name"`
	Phase           Phase             `json:"phase"`
	StartTime       time.Time         `json:"startTime"`
	EndTime         *time.Time        `json:"endTime,omitempty"`
	CaptureInterval time.Duration     `json:"captureInterval"`
	WarmupDelay     time.Duration     `json:"warmupDelay"`
	TestDuration    time.Duration     `json:"testDuration"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
	Annotations     []Annotation      `json:"annotations"`
	PhaseHistory    []PhaseTransition `json:"phaseHistory"`
	Error           string            `json:"error,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (s DiagnosticsSession) Clone() DiagnosticsSession {
	out := s
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	out.Annotations = append([]Annotation(nil), s.Annotations...)
	out.PhaseHistory = append([]PhaseTransition(nil), s.PhaseHistory...)
	return out
}

// Phases returns the recorded phase sequence.
func (s DiagnosticsSession) Phases() []Phase {
	out := make([]Phase, 0, len(s.PhaseHistory))
	for _, t := range s.PhaseHistory {
		out = append(out, t.Phase)
	}
	return out
}

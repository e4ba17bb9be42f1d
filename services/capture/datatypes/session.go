// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the data model shared by the capture, replay,
// diagnostics and retention services.
//
// # Description
//
// Types in this package carry no behaviour beyond validation and small
// derived accessors. Ownership rules for each record are documented on the
// type: CaptureSessionMetadata is persisted in the session store,
// OrchestratorStatus and DiagnosticsSession live in memory and are owned by
// their managers.
package datatypes

import (
	"strings"
	"time"
)

// =============================================================================
// Capture Sessions
// =============================================================================

// CaptureStatus is the lifecycle state of a stored capture session.
type CaptureStatus string

const (
	// CaptureActive means the owning capture process is still writing.
	CaptureActive CaptureStatus = "active"

	// CaptureCompleted means the capture finished and the record is immutable.
	CaptureCompleted CaptureStatus = "completed"

	// CaptureFailed means the capture aborted and the record is immutable.
	CaptureFailed CaptureStatus = "failed"
)

// IsTerminal reports whether the status forbids further mutation.
func (s CaptureStatus) IsTerminal() bool {
	return s == CaptureCompleted || s == CaptureFailed
}

// SessionType classifies stored sessions for selection filters.
type SessionType string

const (
	SessionTypeSeed     SessionType = "seed"
	SessionTypeCapture  SessionType = "capture"
	SessionTypeTraining SessionType = "training"
)

// Signal names used in shard keys and replay toggles.
const (
	SignalTraces  = "traces"
	SignalMetrics = "metrics"
	SignalLogs    = "logs"
)

// Signals lists every telemetry signal in shard order.
var Signals = []string{SignalTraces, SignalMetrics, SignalLogs}

// CaptureSessionMetadata is the identity and accounting record for one
// stored session.
//
// # Description
//
// Written to sessions/<sessionId>/metadata.json. Created when a capture
// starts, mutated only by the owning capture process while Status is
// CaptureActive, immutable once Status is terminal.
//
// # Thread Safety
//
// Values are plain data. Managers hand out copies.
type CaptureSessionMetadata struct {
	SessionID           string        `json:"sessionId"`
	DiagnosticSessionID string        `json:"diagnosticSessionId,omitempty"`
	StartTime           time.Time     `json:"startTime"`
	EndTime             *time.Time    `json:"endTime,omitempty"`
	Status              CaptureStatus `json:"status"`
	EnabledFlags        []string      `json:"enabledFlags"`
	CapturedTraces      int64         `json:"capturedTraces"`
	CapturedMetrics     int64         `json:"capturedMetrics"`
	CapturedLogs        int64         `json:"capturedLogs"`
	TotalSizeBytes      int64         `json:"totalSizeBytes"`
	StoragePrefix       string        `json:"storagePrefix"`
	CreatedBy           string        `json:"createdBy"`
	Description         string        `json:"description,omitempty"`

	// CreatedAt is the wall-clock time the record was first written. It
	// orders sessions whose StartTime is equal, such as seeds generated
	// with the default start time.
	CreatedAt time.Time `json:"createdAt,omitzero"`

	// Type is the classification used by selection filters. Older records
	// without it are classified by Kind().
	Type SessionType `json:"sessionType,omitempty"`

	// ContentDigest is the blake3 digest over every shard payload in order.
	ContentDigest string `json:"contentDigest,omitempty"`

	// Pattern and Seed are set for generated sessions.
	Pattern string `json:"pattern,omitempty"`
	Seed    *int64 `json:"seed,omitempty"`

	// Error is the failure reason when Status is CaptureFailed.
	Error string `json:"error,omitempty"`
}

// Kind returns the session type, inferring it for records that predate the
// sessionType field.
//
// # Description
//
// Inference order: explicit Type, then CreatedBy, then the id prefix
// ("seed-" / "training-"). Everything else is a capture.
func (m CaptureSessionMetadata) Kind() SessionType {
	if m.Type != "" {
		return m.Type
	}
	createdBy := strings.ToLower(m.CreatedBy)
	switch {
	case strings.Contains(createdBy, "seed"):
		return SessionTypeSeed
	case strings.Contains(createdBy, "training"):
		return SessionTypeTraining
	case strings.HasPrefix(m.SessionID, "seed-"):
		return SessionTypeSeed
	case strings.HasPrefix(m.SessionID, "training-"):
		return SessionTypeTraining
	default:
		return SessionTypeCapture
	}
}

// HasFlag reports whether flag was enabled during the capture.
func (m CaptureSessionMetadata) HasFlag(flag string) bool {
	for _, f := range m.EnabledFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (m CaptureSessionMetadata) Clone() CaptureSessionMetadata {
	out := m
	if m.EndTime != nil {
		t := *m.EndTime
		out.EndTime = &t
	}
	if m.Seed != nil {
		s := *m.Seed
		out.Seed = &s
	}
	out.EnabledFlags = append([]string(nil), m.EnabledFlags...)
	return out
}

// =============================================================================
// Selection
// =============================================================================

// SelectionStrategy picks one session out of a candidate set.
type SelectionStrategy string

const (
	StrategyLatest   SelectionStrategy = "latest"
	StrategyRandom   SelectionStrategy = "random"
	StrategyLargest  SelectionStrategy = "largest"
	StrategySmallest SelectionStrategy = "smallest"
)

// Valid reports whether s is a known strategy. The empty strategy is valid
// and means StrategyLatest.
func (s SelectionStrategy) Valid() bool {
	switch s {
	case "", StrategyLatest, StrategyRandom, StrategyLargest, StrategySmallest:
		return true
	}
	return false
}

// SessionFilter narrows the candidate set before a strategy is applied.
//
// Zero-valued fields do not filter.
type SessionFilter struct {
	SessionType   SessionType   `json:"sessionType,omitempty" form:"sessionType"`
	Status        CaptureStatus `json:"status,omitempty" form:"status"`
	FlagName      string        `json:"flagName,omitempty" form:"flagName"`
	StartedAfter  time.Time     `json:"startedAfter,omitempty" form:"startedAfter"`
	StartedBefore time.Time     `json:"startedBefore,omitempty" form:"startedBefore"`
}

// Matches reports whether m passes every set field of the filter.
func (f SessionFilter) Matches(m CaptureSessionMetadata) bool {
	if f.SessionType != "" && m.Kind() != f.SessionType {
		return false
	}
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if f.FlagName != "" && !m.HasFlag(f.FlagName) {
		return false
	}
	if !f.StartedAfter.IsZero() && !m.StartTime.After(f.StartedAfter) {
		return false
	}
	if !f.StartedBefore.IsZero() && !m.StartTime.Before(f.StartedBefore) {
		return false
	}
	return true
}

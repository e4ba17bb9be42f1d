// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhaseCreated, PhaseStarted, true},
		{PhaseStarted, PhaseFlagEnabled, true},
		{PhaseFlagEnabled, PhaseCapturing, true},
		{PhaseCapturing, PhaseCompleted, true},
		{PhaseCreated, PhaseCapturing, false},
		{PhaseCapturing, PhaseStarted, false},
		{PhaseCreated, PhaseFailed, true},
		{PhaseFlagEnabled, PhaseCompleted, true},
		{PhaseCompleted, PhaseFailed, false},
		{PhaseFailed, PhaseCompleted, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_to_%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCaptureSessionMetadata_Kind(t *testing.T) {
	assert.Equal(t, SessionTypeTraining, CaptureSessionMetadata{Type: SessionTypeTraining, SessionID: "seed-1"}.Kind())
	assert.Equal(t, SessionTypeSeed, CaptureSessionMetadata{CreatedBy: "seed-generator"}.Kind())
	assert.Equal(t, SessionTypeTraining, CaptureSessionMetadata{SessionID: "training-42"}.Kind())
	assert.Equal(t, SessionTypeCapture, CaptureSessionMetadata{SessionID: "abc", CreatedBy: "collector"}.Kind())
}

func TestSessionFilter_Matches(t *testing.T) {
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	m := CaptureSessionMetadata{
		SessionID:    "s1",
		Type:         SessionTypeCapture,
		Status:       CaptureCompleted,
		EnabledFlags: []string{"paymentServiceFailure"},
		StartTime:    base,
	}

	assert.True(t, SessionFilter{}.Matches(m))
	assert.True(t, SessionFilter{SessionType: SessionTypeCapture, FlagName: "paymentServiceFailure"}.Matches(m))
	assert.False(t, SessionFilter{SessionType: SessionTypeSeed}.Matches(m))
	assert.False(t, SessionFilter{Status: CaptureActive}.Matches(m))
	assert.False(t, SessionFilter{FlagName: "cartFailure"}.Matches(m))
	assert.True(t, SessionFilter{StartedAfter: base.Add(-time.Hour)}.Matches(m))
	assert.False(t, SessionFilter{StartedBefore: base}.Matches(m))
}

func TestDiagnosticsConfig_Validate(t *testing.T) {
	require.NoError(t, DiagnosticsConfig{FlagName: "paymentServiceFailure", TestDuration: time.Second}.Validate())

	err := DiagnosticsConfig{FlagName: ""}.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	err = DiagnosticsConfig{FlagName: "x", TestDuration: -time.Second}.Validate()
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestOrchestratorConfig_ValidateAndDefaults(t *testing.T) {
	cfg := OrchestratorConfig{SessionID: AutoSessionID}
	require.NoError(t, cfg.Validate())

	rc := cfg.ReplayConfigFor("s1")
	assert.Equal(t, "s1", rc.SessionID)
	assert.Equal(t, 1.0, rc.SpeedMultiplier)
	assert.Equal(t, AllSignals(), rc.Signals)
	assert.Equal(t, TimestampRelative, rc.TimestampMode)

	bad := []OrchestratorConfig{
		{},
		{SessionID: "s", MaxDuration: -time.Second},
		{SessionID: "s", Strategy: "oldest"},
		{SessionID: "s", TimestampMode: "shifted"},
		{SessionID: "s", TargetEndpoint: "not a url"},
	}
	for i, c := range bad {
		assert.ErrorIs(t, c.Validate(), ErrInvalidConfiguration, "case %d", i)
	}
}

func TestTrainingSessionConfig_Validate(t *testing.T) {
	cfg := TrainingSessionConfig{
		SessionID: "training-1",
		FlagName:  "paymentServiceFailure",
		Phases:    DefaultTrainingPhases(time.Second, "high"),
	}
	require.NoError(t, cfg.Validate())

	cfg.Phases[0], cfg.Phases[1] = cfg.Phases[1], cfg.Phases[0]
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfiguration)
}

func TestClassifyContextError(t *testing.T) {
	assert.NoError(t, ClassifyContextError(nil))

	err := ClassifyContextError(fmt.Errorf("call: %w", context.DeadlineExceeded))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	err = ClassifyContextError(context.Canceled)
	assert.ErrorIs(t, err, ErrCancelled)

	plain := errors.New("boom")
	assert.Equal(t, plain, ClassifyContextError(plain))
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "session_not_found", ErrorCode(fmt.Errorf("%w: x", ErrSessionNotFound)))
	assert.Equal(t, "timeout", ErrorCode(context.DeadlineExceeded))
	assert.Equal(t, "internal", ErrorCode(errors.New("x")))
	assert.Equal(t, "", ErrorCode(nil))
	assert.True(t, IsRetryable(fmt.Errorf("%w: x", ErrStorageUnavailable)))
	assert.False(t, IsRetryable(ErrSessionNotFound))
}

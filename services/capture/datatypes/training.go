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
// Training Timelines
// =============================================================================

// Training phase names. Each maps to a test.phase.<name> annotation key.
const (
	TrainingBaseline = "baseline"
	TrainingAnomaly  = "anomaly"
	TrainingRecovery = "recovery"
)

// PhaseLabels is the ground truth attached to one training phase.
type PhaseLabels struct {
	HasAnomaly      bool   `json:"has_anomaly"`
	AnomalySeverity string `json:"anomaly_severity"`
	FlagValue       bool   `json:"flag_value"`
}

// PhaseSpec configures one phase of a training timeline.
type PhaseSpec struct {
	Name      string        `json:"name" validate:"required,oneof=baseline anomaly recovery"`
	FlagValue bool          `json:"flagValue"`
	Duration  time.Duration `json:"duration" validate:"gte=0"`
	Labels    PhaseLabels   `json:"labels"`
}

// TrainingSessionConfig describes a baseline → anomaly → recovery timeline.
type TrainingSessionConfig struct {
	SessionID string      `json:"sessionId" validate:"required"`
	FlagName  string      `json:"flagName" validate:"required"`
	Phases    []PhaseSpec `json:"phases" validate:"required,len=3,dive"`
}

// DefaultTrainingPhases returns the canonical three-phase timeline with the
// given per-phase duration.
func DefaultTrainingPhases(each time.Duration, severity string) []PhaseSpec {
	return []PhaseSpec{
		{Name: TrainingBaseline, FlagValue: false, Duration: each,
			Labels: PhaseLabels{HasAnomaly: false, AnomalySeverity: "none", FlagValue: false}},
		{Name: TrainingAnomaly, FlagValue: true, Duration: each,
			Labels: PhaseLabels{HasAnomaly: true, AnomalySeverity: severity, FlagValue: true}},
		{Name: TrainingRecovery, FlagValue: false, Duration: each,
			Labels: PhaseLabels{HasAnomaly: false, AnomalySeverity: "none", FlagValue: false}},
	}
}

// Validate checks the configuration, including phase order.
func (c TrainingSessionConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	want := []string{TrainingBaseline, TrainingAnomaly, TrainingRecovery}
	for i, p := range c.Phases {
		if p.Name != want[i] {
			return fmt.Errorf("%w: phase %d must be %q, got %q", ErrInvalidConfiguration, i, want[i], p.Name)
		}
	}
	return nil
}

// PhaseInfo ties one executed phase to the capture by session id and
// annotation key. No telemetry is duplicated.
type PhaseInfo struct {
	Name          string      `json:"name"`
	SessionID     string      `json:"sessionId"`
	AnnotationKey string      `json:"annotationKey"`
	StartTime     time.Time   `json:"startTime"`
	EndTime       time.Time   `json:"endTime"`
	Labels        PhaseLabels `json:"labels"`
}

// TrainingDataset is the metadata layered over one training capture.
type TrainingDataset struct {
	SessionID string      `json:"sessionId"`
	FlagName  string      `json:"flagName"`
	Phases    []PhaseInfo `json:"phases"`
	Complete  bool        `json:"complete"`
	Error     string      `json:"error,omitempty"`
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagnostics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/chaosreplay/services/capture/annotations"
	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
	"github.com/AleutianAI/chaosreplay/services/capture/events"
	"github.com/AleutianAI/chaosreplay/services/capture/tasks"
)

// RunTraining executes a labelled baseline → anomaly → recovery timeline.
//
// # Description
//
// For each phase the flag is set to the phase's FlagValue, a
// test.phase.<name> annotation carrying the ground-truth labels is
// written, and the phase duration elapses. The capture itself is referenced
// by cfg.SessionID only. Any failure or cancellation disables the flag
// (best effort) and returns the phases completed so far together with the
// error. The call blocks for the sum of the phase durations.
//
// # Inputs
//
//   - ctx: Cancels the timeline.
//   - cfg: Session id, flag and exactly three phases in order.
//
// # Outputs
//
//   - datatypes.TrainingDataset: Phase metadata; Complete is true only when
//     every phase ran.
//   - error: ErrInvalidConfiguration, ErrFlagServiceUnavailable, ErrCancelled
//     or an annotation failure.
//
// # Example
//
//	ds, err := mgr.RunTraining(ctx, datatypes.TrainingSessionConfig{
//	    SessionID: "train-001",
//	    FlagName:  "paymentServiceFailure",
//	    Phases:    datatypes.DefaultTrainingPhases(5*time.Minute, "high"),
//	})
func (m *Manager) RunTraining(ctx context.Context, cfg datatypes.TrainingSessionConfig) (datatypes.TrainingDataset, error) {
	ds := datatypes.TrainingDataset{SessionID: cfg.SessionID, FlagName: cfg.FlagName, Phases: []datatypes.PhaseInfo{}}
	if err := cfg.Validate(); err != nil {
		return ds, err
	}
	ctx, span := m.tracer.Start(ctx, "diagnostics.RunTraining", trace.WithAttributes(
		attribute.String("session.id", cfg.SessionID),
		attribute.String("flag.name", cfg.FlagName)))
	defer span.End()

	m.logger.Info("Training timeline started",
		slog.String("session_id", cfg.SessionID),
		slog.String("flag_name", cfg.FlagName))

	for _, phase := range cfg.Phases {
		info, err := m.runTrainingPhase(ctx, cfg, phase)
		if err != nil {
			if derr := m.disableFlag(context.WithoutCancel(ctx), cfg.FlagName); derr != nil {
				m.logger.Error("Compensating flag disable failed",
					slog.String("session_id", cfg.SessionID),
					slog.String("flag_name", cfg.FlagName),
					slog.String("error", derr.Error()))
			}
			span.RecordError(err)
			ds.Error = err.Error()
			m.logger.Error("Training timeline failed",
				slog.String("session_id", cfg.SessionID),
				slog.String("phase", phase.Name),
				slog.String("error", err.Error()))
			return ds, err
		}
		ds.Phases = append(ds.Phases, info)
	}

	ds.Complete = true
	m.logger.Info("Training timeline completed",
		slog.String("session_id", cfg.SessionID),
		slog.Int("phases", len(ds.Phases)))
	return ds, nil
}

func (m *Manager) runTrainingPhase(ctx context.Context, cfg datatypes.TrainingSessionConfig, phase datatypes.PhaseSpec) (datatypes.PhaseInfo, error) {
	var err error
	if phase.FlagValue {
		err = m.enableFlag(ctx, cfg.FlagName)
	} else {
		err = m.disableFlag(ctx, cfg.FlagName)
	}
	if err != nil {
		return datatypes.PhaseInfo{}, fmt.Errorf("set flag %s for %s: %w", cfg.FlagName, phase.Name, err)
	}

	key := datatypes.PhaseAnnotationPrefix + phase.Name
	labels := phase.Labels
	entry, err := annotations.NewPhaseEntry(key, annotationSource, annotations.PhaseMarker{
		SessionID: cfg.SessionID,
		FlagName:  cfg.FlagName,
		FlagValue: phase.FlagValue,
		Phase:     phase.Name,
		Labels:    &labels,
	})
	if err != nil {
		return datatypes.PhaseInfo{}, fmt.Errorf("encode %s marker: %w", key, err)
	}
	actx, cancel := context.WithTimeout(ctx, m.callTimeout)
	stored, err := m.annotations.Annotate(actx, entry)
	cancel()
	if err != nil {
		return datatypes.PhaseInfo{}, fmt.Errorf("write %s annotation: %w", key, datatypes.ClassifyContextError(err))
	}

	m.metrics.Phase(phase.Name)
	events.Emit(ctx, m.events, m.logger, events.Event{
		Type: events.TypeDiagnosticsPhase, SessionID: cfg.SessionID, Status: phase.Name,
		Detail: map[string]any{"flagName": cfg.FlagName, "flagValue": phase.FlagValue, "hasAnomaly": labels.HasAnomaly},
	})

	start := stored.Timestamp
	if start.IsZero() {
		start = time.Now().UTC()
	}
	if !tasks.Sleep(ctx, phase.Duration) {
		return datatypes.PhaseInfo{}, fmt.Errorf("%s phase: %w", phase.Name, datatypes.ClassifyContextError(ctx.Err()))
	}
	return datatypes.PhaseInfo{
		Name:          phase.Name,
		SessionID:     cfg.SessionID,
		AnnotationKey: key,
		StartTime:     start,
		EndTime:       time.Now().UTC(),
		Labels:        labels,
	}, nil
}

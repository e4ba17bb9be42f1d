// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
)

// Session retention actions.
const (
	SessionActionDelete  = "delete"
	SessionActionArchive = "archive"
)

// ScheduleConfig configures periodic retention. An empty schedule disables
// that job.
type ScheduleConfig struct {
	ContinuousSchedule string `yaml:"continuous_schedule" validate:"omitempty,cronspec"`
	ContinuousDays     int    `yaml:"continuous_days" validate:"gte=0"`
	SessionSchedule    string `yaml:"session_schedule" validate:"omitempty,cronspec"`
	SessionDays        int    `yaml:"session_days" validate:"gte=0"`
	SessionAction      string `yaml:"session_action" validate:"omitempty,oneof=archive delete"`
}

// ValidateSchedule reports whether expr is a standard five-field cron
// expression or descriptor such as "@daily".
func ValidateSchedule(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("%w: cron schedule %q: %w", datatypes.ErrInvalidConfiguration, expr, err)
	}
	return nil
}

// Scheduler runs retention operations on cron schedules.
//
// # Thread Safety
//
// Each job runs at most once at a time; a tick that arrives while the
// previous run is still going is skipped. RunNow waits for any in-flight
// scheduled run of the same job.
type Scheduler struct {
	svc    *Service
	cfg    ScheduleConfig
	logger *slog.Logger
	cron   *cron.Cron

	continuousMu sync.Mutex
	sessionMu    sync.Mutex

	mu     sync.Mutex
	jobCtx context.Context
	cancel context.CancelFunc
}

// NewScheduler validates cfg and registers its jobs.
func NewScheduler(svc *Service, cfg ScheduleConfig, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionAction == "" {
		cfg.SessionAction = SessionActionArchive
	}
	if cfg.SessionAction != SessionActionArchive && cfg.SessionAction != SessionActionDelete {
		return nil, fmt.Errorf("%w: sessionAction must be archive or delete, got %q", datatypes.ErrInvalidConfiguration, cfg.SessionAction)
	}

	cl := cronLogger{logger: logger}
	s := &Scheduler{
		svc:    svc,
		cfg:    cfg,
		logger: logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}

	if cfg.ContinuousSchedule != "" {
		if cfg.ContinuousDays < 1 {
			return nil, fmt.Errorf("%w: continuousDays must be at least 1", datatypes.ErrInvalidConfiguration)
		}
		if err := ValidateSchedule(cfg.ContinuousSchedule); err != nil {
			return nil, err
		}
		if _, err := s.cron.AddFunc(cfg.ContinuousSchedule, func() { s.scheduled(s.runContinuous) }); err != nil {
			return nil, fmt.Errorf("%w: %w", datatypes.ErrInvalidConfiguration, err)
		}
	}
	if cfg.SessionSchedule != "" {
		if cfg.SessionDays < 1 {
			return nil, fmt.Errorf("%w: sessionDays must be at least 1", datatypes.ErrInvalidConfiguration)
		}
		if err := ValidateSchedule(cfg.SessionSchedule); err != nil {
			return nil, err
		}
		if _, err := s.cron.AddFunc(cfg.SessionSchedule, func() { s.scheduled(s.runSessions) }); err != nil {
			return nil, fmt.Errorf("%w: %w", datatypes.ErrInvalidConfiguration, err)
		}
	}
	return s, nil
}

// Start begins running scheduled jobs. Jobs observe ctx for cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	s.jobCtx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.logger.Info("Retention scheduler started",
		slog.String("continuous_schedule", s.cfg.ContinuousSchedule),
		slog.String("session_schedule", s.cfg.SessionSchedule),
		slog.String("session_action", s.cfg.SessionAction))
}

// Stop halts scheduling, cancels running jobs and waits for them to
// return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return datatypes.ClassifyContextError(ctx.Err())
	}
}

// RunNow runs every configured job once, synchronously.
func (s *Scheduler) RunNow(ctx context.Context) ([]CleanupResult, error) {
	var (
		results []CleanupResult
		errs    []error
	)
	if s.cfg.ContinuousSchedule != "" {
		res, err := s.runContinuous(ctx)
		results = append(results, res)
		errs = append(errs, err)
	}
	if s.cfg.SessionSchedule != "" {
		res, err := s.runSessions(ctx)
		results = append(results, res)
		errs = append(errs, err)
	}
	return results, errors.Join(errs...)
}

func (s *Scheduler) scheduled(run func(context.Context) (CleanupResult, error)) {
	s.mu.Lock()
	ctx := s.jobCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	if _, err := run(ctx); err != nil {
		s.logger.Error("Scheduled retention failed", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) runContinuous(ctx context.Context) (CleanupResult, error) {
	s.continuousMu.Lock()
	defer s.continuousMu.Unlock()
	return s.svc.ApplyContinuousRetention(ctx, s.cfg.ContinuousDays)
}

func (s *Scheduler) runSessions(ctx context.Context) (CleanupResult, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if s.cfg.SessionAction == SessionActionDelete {
		return s.svc.ApplySessionRetention(ctx, s.cfg.SessionDays)
	}
	return s.svc.ArchiveOldSessions(ctx, s.cfg.SessionDays)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}

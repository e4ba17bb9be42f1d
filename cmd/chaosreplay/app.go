// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/chaosreplay/cmd/chaosreplay/config"
	"github.com/AleutianAI/chaosreplay/services/capture/annotations"
	"github.com/AleutianAI/chaosreplay/services/capture/diagnostics"
	"github.com/AleutianAI/chaosreplay/services/capture/events"
	"github.com/AleutianAI/chaosreplay/services/capture/flags"
	"github.com/AleutianAI/chaosreplay/services/capture/observability"
	"github.com/AleutianAI/chaosreplay/services/capture/replay"
	"github.com/AleutianAI/chaosreplay/services/capture/retention"
	"github.com/AleutianAI/chaosreplay/services/capture/routes"
	"github.com/AleutianAI/chaosreplay/services/capture/seed"
	"github.com/AleutianAI/chaosreplay/services/capture/sessions"
	"github.com/AleutianAI/chaosreplay/services/capture/storage"
)

// =============================================================================
// Application Wiring
// =============================================================================

// app holds the services built from one configuration.
//
// # Description
//
// newApp builds the storage-side services every command needs. The
// control plane (flags, annotations, diagnostics, replay) is added by
// withControlPlane, so one-shot commands like "seed" never open the
// annotation database or the flag file.
//
// Resources are released in reverse order by close.
type app struct {
	cfg     config.ChaosReplayConfig
	logger  *slog.Logger
	metrics *observability.Metrics

	store     storage.Store
	publisher events.Publisher
	sessions  *sessions.Manager
	seeds     *seed.Generator
	retention *retention.Service

	flags       flags.Controller
	annotations annotations.Service
	diagnostics *diagnostics.Manager
	delegate    replay.Service
	replays     *replay.Orchestrator

	closers []func(context.Context) error
}

// newApp builds the storage-side services.
//
// # Inputs
//
//   - ctx: Bounds backend connection setup.
//   - cfg: A validated configuration.
//   - reg: Registry for the service metrics.
//   - logger: Structured logger.
//
// # Outputs
//
//   - *app: Ready to use. Call close when done.
//   - error: Non-nil if a backend cannot be opened.
func newApp(ctx context.Context, cfg config.ChaosReplayConfig, reg prometheus.Registerer, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, metrics: observability.NewMetrics(reg)}
	defer func() {
		if err != nil {
			_ = a.close(context.WithoutCancel(ctx))
		}
	}()

	if a.store, err = openStore(ctx, cfg.Storage, a); err != nil {
		return nil, err
	}

	a.publisher = events.NopPublisher{}
	if cfg.Events.Backend == "nats" {
		p, err := events.ConnectNATS(ctx, cfg.Events.NATS)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.publisher = p
		a.onClose(func(context.Context) error { return p.Close() })
	}

	a.sessions, err = sessions.NewManager(a.store, sessions.Options{
		CacheMaxCost: cfg.Sessions.CacheMaxCost,
		CacheTTL:     cfg.Sessions.CacheTTL,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create session manager: %w", err)
	}
	a.onClose(func(context.Context) error { a.sessions.Close(); return nil })

	a.seeds = seed.NewGenerator(a.store, logger)
	a.retention = a.newRetention(cfg.Retention.Config)
	return a, nil
}

func (a *app) newRetention(cfg retention.Config) *retention.Service {
	return retention.NewService(a.store, cfg, retention.Options{
		Cache:   a.sessions,
		Metrics: a.metrics,
		Events:  a.publisher,
		Logger:  a.logger,
	})
}

// retentionDryRun rebuilds the retention service with dry_run forced on.
func (a *app) retentionDryRun() {
	cfg := a.cfg.Retention.Config
	cfg.DryRun = true
	a.retention = a.newRetention(cfg)
}

func openStore(ctx context.Context, cfg config.StorageConfig, a *app) (storage.Store, error) {
	var s storage.Store
	switch cfg.Backend {
	case "file":
		fs, err := storage.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		s = fs
	case "gcs":
		gs, err := storage.NewGCSStore(ctx, cfg.GCS)
		if err != nil {
			return nil, fmt.Errorf("open gcs store: %w", err)
		}
		a.onClose(func(context.Context) error { return gs.Close() })
		s = gs
	default:
		s = storage.NewMemoryStore()
	}
	return storage.WithRetry(s, cfg.Retry), nil
}

// withControlPlane adds the flag controller, annotation index,
// diagnostics manager and replay orchestrator.
func (a *app) withControlPlane(ctx context.Context) error {
	cfg := a.cfg

	switch cfg.Flags.Provider {
	case "file":
		fc, err := flags.NewFileController(cfg.Flags.File, a.logger)
		if err != nil {
			return fmt.Errorf("open flag file: %w", err)
		}
		if err := fc.Watch(); err != nil {
			a.logger.Warn("Flag file watch disabled", slog.String("path", cfg.Flags.File), slog.String("error", err.Error()))
		}
		a.onClose(func(context.Context) error { return fc.Close() })
		a.flags = fc
	default:
		a.flags = flags.NewMemoryController(nil)
	}

	switch cfg.Annotations.Backend {
	case "badger":
		bcfg := cfg.Annotations.Badger
		bcfg.Logger = a.logger
		bs, err := annotations.OpenBadgerService(bcfg)
		if err != nil {
			return fmt.Errorf("open annotation store: %w", err)
		}
		a.onClose(func(context.Context) error { return bs.Close() })
		a.annotations = bs
	default:
		a.annotations = annotations.NewMemoryService()
	}

	a.diagnostics = diagnostics.NewManager(a.flags, a.annotations, diagnostics.Options{
		CallTimeout: cfg.Diagnostics.CallTimeout,
		Captures:    a.sessions,
		Metrics:     a.metrics,
		Events:      a.publisher,
		Logger:      a.logger,
	})
	a.onClose(a.diagnostics.Shutdown)

	var extra []replay.Sink
	if cfg.Replay.Influx.URL != "" {
		is, err := replay.NewInfluxSink(cfg.Replay.Influx)
		if err != nil {
			return err
		}
		a.onClose(func(context.Context) error { is.Close(); return nil })
		extra = append(extra, is)
	}
	client := replay.NewHTTPClient(cfg.Replay.HTTPTimeout)
	delegate, err := replay.NewHTTPService(a.store, replay.HTTPServiceOptions{
		DefaultEndpoint:     cfg.Replay.DefaultEndpoint,
		NewSink:             func(endpoint string) replay.Sink { return replay.NewOTLPHTTPSink(endpoint, client) },
		Extra:               extra,
		MaxRecordsPerSecond: cfg.Replay.MaxRecordsPerSecond,
		BatchSize:           cfg.Replay.BatchSize,
		Logger:              a.logger,
	})
	if err != nil {
		return err
	}
	a.onClose(delegate.Close)
	a.delegate = delegate

	a.replays = replay.NewOrchestrator(a.sessions, delegate, replay.OrchestratorOptions{
		LoopPollInterval: cfg.Replay.LoopPollInterval,
		CallTimeout:      cfg.Replay.CallTimeout,
		Store:            a.store,
		Metrics:          a.metrics,
		Events:           a.publisher,
		Logger:           a.logger,
	})
	// Replays stop before their delegate closes.
	a.onClose(a.replays.Shutdown)

	if n, err := a.replays.Reconcile(ctx); err != nil {
		a.logger.Warn("Replay reconcile failed", slog.String("error", err.Error()))
	} else if n > 0 {
		a.logger.Info("Marked orphaned replays stopped", slog.Int("count", n))
	}
	return nil
}

// dependencies returns the route dependencies for the services built.
func (a *app) dependencies(g prometheus.Gatherer) routes.Dependencies {
	deps := routes.Dependencies{
		Sessions:  a.sessions,
		Seeds:     a.seeds,
		Retention: a.retention,
		Gatherer:  g,
	}
	if a.diagnostics != nil {
		deps.Diagnostics = a.diagnostics
	}
	if a.replays != nil {
		deps.Replays = a.replays
	}
	return deps
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// close releases every resource in reverse order of acquisition.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

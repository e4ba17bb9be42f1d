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
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/chaosreplay/cmd/chaosreplay/config"
	"github.com/AleutianAI/chaosreplay/services/capture/observability"
	"github.com/AleutianAI/chaosreplay/services/capture/retention"
	"github.com/AleutianAI/chaosreplay/services/capture/routes"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control surface and the retention scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger, err := newLogger(cmd, cfg)
			if err != nil {
				return err
			}
			defer logger.Close()

			ln, err := net.Listen("tcp", cfg.Server.Addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
			}
			return serve(cmd.Context(), cfg, ln, logger.Slog())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Override server.addr")
	return cmd
}

// serve runs the control surface on ln until ctx is cancelled.
//
// # Description
//
// Startup order: telemetry, storage-side services, control plane (which
// reconciles orphaned replays), retention scheduler, HTTP server. On
// cancellation the server drains for at most server.shutdown_timeout, then
// the scheduler, replays, diagnostics sessions and backends are stopped in
// that order within the same budget.
//
// # Inputs
//
//   - ctx: Cancelled on SIGINT or SIGTERM.
//   - cfg: A validated configuration.
//   - ln: The listener to serve on. serve closes it.
//   - logger: Structured logger.
//
// # Outputs
//
//   - error: Non-nil if startup fails or shutdown does not finish cleanly.
func serve(ctx context.Context, cfg config.ChaosReplayConfig, ln net.Listener, logger *slog.Logger) (err error) {
	shutdownTelemetry, err := observability.InitTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		ln.Close()
		return err
	}

	// Service metrics live in their own registry; the OpenTelemetry
	// Prometheus exporter registers on the default one.
	reg := prometheus.NewRegistry()
	gatherer := prometheus.Gatherers{reg, prometheus.DefaultGatherer}

	a, err := newApp(ctx, cfg, reg, logger)
	if err != nil {
		ln.Close()
		_ = shutdownTelemetry(context.WithoutCancel(ctx))
		return err
	}
	if err := a.withControlPlane(ctx); err != nil {
		ln.Close()
		_ = a.close(context.WithoutCancel(ctx))
		_ = shutdownTelemetry(context.WithoutCancel(ctx))
		return err
	}

	var scheduler *retention.Scheduler
	if cfg.Retention.Enabled {
		if scheduler, err = retention.NewScheduler(a.retention, cfg.Retention.ScheduleConfig, logger); err != nil {
			ln.Close()
			_ = a.close(context.WithoutCancel(ctx))
			_ = shutdownTelemetry(context.WithoutCancel(ctx))
			return err
		}
		scheduler.Start(ctx)
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Handler:           routes.NewRouter(cfg.Telemetry.ServiceName, a.dependencies(gatherer)),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting chaosreplay server", slog.String("address", ln.Addr().String()))
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err = <-serveErr:
		logger.Error("Server stopped unexpectedly", slog.String("error", err.Error()))
	case <-ctx.Done():
		logger.Info("Shutting down chaosreplay server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if scheduler != nil {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("retention scheduler: %w", err))
		}
	}
	if err := a.close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	if len(errs) == 0 {
		logger.Info("Server stopped")
	}
	return errors.Join(errs...)
}

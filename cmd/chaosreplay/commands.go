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
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/chaosreplay/cmd/chaosreplay/config"
	"github.com/AleutianAI/chaosreplay/pkg/logging"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "chaosreplay",
		Short: "Capture and replay telemetry around chaos experiments",
		Long: `chaosreplay records telemetry while a feature flag drives a
baseline, test and recovery timeline, stores the captures as sessions,
and replays them against an OTLP endpoint on demand.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"Path to the YAML config file (default $"+config.EnvConfigPath+")")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"Override logging.level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(opts),
		newSeedCmd(opts),
		newSessionsCmd(opts),
		newRetentionCmd(opts),
		newTrainCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

// load reads the configuration and applies flag overrides.
func (o *globalOptions) load() (config.ChaosReplayConfig, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, err
	}
	if o.logLevel != "" {
		if _, err := logging.ParseLevel(o.logLevel); err != nil {
			return cfg, err
		}
		cfg.Logging.Level = o.logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger. Text is used on a terminal and JSON
// otherwise, unless logging.json forces JSON.
func newLogger(cmd *cobra.Command, cfg config.ChaosReplayConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	stderr := cmd.ErrOrStderr()
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.LogDir,
		Service: cfg.Telemetry.ServiceName,
		JSON:    cfg.Logging.JSON || !isTerminal(stderr),
		Stderr:  stderr,
	}), nil
}

// withApp loads config, builds the storage-side services and runs fn.
// The app and logger are closed when fn returns.
func (o *globalOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) (err error) {
	cfg, err := o.load()
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, prometheus.NewRegistry(), logger.Slog())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, a)
}

// printJSON writes v as JSON, indented when w is a terminal.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if isTerminal(w) {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

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
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/chaosreplay/cmd/chaosreplay/config"
	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
	"github.com/AleutianAI/chaosreplay/services/capture/retention"
	"github.com/AleutianAI/chaosreplay/services/capture/seed"
)

// =============================================================================
// Seed
// =============================================================================

func newSeedCmd(opts *globalOptions) *cobra.Command {
	var sc seed.SeedConfig
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Generate a synthetic session into the configured storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				meta, err := a.seeds.Generate(ctx, sc)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), meta)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&sc.Pattern, "pattern", "linear", "Topology: linear, fanout, diamond or ecommerce")
	f.DurationVar(&sc.Duration, "duration", time.Minute, "Span of generated telemetry")
	f.Float64Var(&sc.Rate, "rate", 10, "Traces per second")
	f.Float64Var(&sc.ErrorRate, "error-rate", 0, "Fraction of traces that fail, between 0 and 1")
	f.Int64Var(&sc.Seed, "seed", 0, "Random seed; equal seeds produce identical sessions")
	f.StringVar(&sc.SessionID, "id", "", "Session id (default seed-<uuid>)")
	f.StringVar(&sc.Description, "description", "", "Free-form description")
	f.IntVar(&sc.ShardSize, "shard-size", 0, "Records per shard (0 uses the codec default)")
	return cmd
}

// =============================================================================
// Sessions
// =============================================================================

type filterFlags struct {
	sessionType string
	status      string
	flagName    string
	after       string
	before      string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.sessionType, "type", "", "Session type: seed, capture or training")
	cmd.Flags().StringVar(&f.status, "status", "", "Capture status: active, completed or failed")
	cmd.Flags().StringVar(&f.flagName, "flag", "", "Feature flag name")
	cmd.Flags().StringVar(&f.after, "after", "", "Only sessions started after this RFC3339 time")
	cmd.Flags().StringVar(&f.before, "before", "", "Only sessions started before this RFC3339 time")
}

func (f *filterFlags) filter() (datatypes.SessionFilter, error) {
	out := datatypes.SessionFilter{
		SessionType: datatypes.SessionType(f.sessionType),
		Status:      datatypes.CaptureStatus(f.status),
		FlagName:    f.flagName,
	}
	var err error
	if out.StartedAfter, err = parseTime("after", f.after); err != nil {
		return out, err
	}
	if out.StartedBefore, err = parseTime("before", f.before); err != nil {
		return out, err
	}
	return out, nil
}

func parseTime(name, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: --%s: %w", datatypes.ErrInvalidConfiguration, name, err)
	}
	return t, nil
}

func newSessionsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}

	var listFilter filterFlags
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions matching a filter, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := listFilter.filter()
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				found, err := a.sessions.ListSessions(ctx, filter)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), found)
			})
		},
	}
	listFilter.register(list)

	var selectFilter filterFlags
	var strategy string
	sel := &cobra.Command{
		Use:   "select",
		Short: "Pick one session by strategy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := selectFilter.filter()
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				meta, err := a.sessions.SelectSession(ctx, datatypes.SelectionStrategy(strategy), filter)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), meta)
			})
		},
	}
	selectFilter.register(sel)
	sel.Flags().StringVar(&strategy, "strategy", string(datatypes.StrategyLatest), "latest, random, largest or smallest")

	get := &cobra.Command{
		Use:   "get [session_id]",
		Short: "Show one session's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				meta, err := a.sessions.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), meta)
			})
		},
	}

	cmd.AddCommand(list, sel, get)
	return cmd
}

// =============================================================================
// Retention
// =============================================================================

func newRetentionCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Apply retention policies to the configured storage",
	}

	sweep := func(use, short string, days func(config.ChaosReplayConfig) int, run func(*retention.Service) func(context.Context, int) (retention.CleanupResult, error)) *cobra.Command {
		var olderThan int
		var dryRun bool
		c := &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.withApp(cmd, func(ctx context.Context, a *app) error {
					if dryRun {
						a.retentionDryRun()
					}
					if olderThan == 0 {
						olderThan = days(a.cfg)
					}
					res, err := run(a.retention)(ctx, olderThan)
					if errors.Is(err, datatypes.ErrInvalidConfiguration) {
						return err
					}
					// Failed sweeps still print what they managed.
					if perr := printJSON(cmd.OutOrStdout(), res); perr != nil && err == nil {
						err = perr
					}
					return err
				})
			},
		}
		c.Flags().IntVar(&olderThan, "days", 0, "Age threshold in days (default from retention config)")
		c.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be removed without removing it")
		return c
	}

	cmd.AddCommand(
		sweep("continuous", "Delete continuous capture objects older than the threshold",
			func(c config.ChaosReplayConfig) int { return c.Retention.ContinuousDays },
			func(s *retention.Service) func(context.Context, int) (retention.CleanupResult, error) {
				return s.ApplyContinuousRetention
			}),
		sweep("sessions", "Delete inactive sessions older than the threshold",
			func(c config.ChaosReplayConfig) int { return c.Retention.SessionDays },
			func(s *retention.Service) func(context.Context, int) (retention.CleanupResult, error) {
				return s.ApplySessionRetention
			}),
		sweep("archive", "Move inactive sessions older than the threshold to the archive prefix",
			func(c config.ChaosReplayConfig) int { return c.Retention.SessionDays },
			func(s *retention.Service) func(context.Context, int) (retention.CleanupResult, error) {
				return s.ArchiveOldSessions
			}),
		&cobra.Command{
			Use:   "run",
			Short: "Run every configured retention job once",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.withApp(cmd, func(ctx context.Context, a *app) error {
					sched, err := retention.NewScheduler(a.retention, a.cfg.Retention.ScheduleConfig, a.logger)
					if err != nil {
						return err
					}
					results, runErr := sched.RunNow(ctx)
					if err := printJSON(cmd.OutOrStdout(), results); err != nil {
						return err
					}
					return runErr
				})
			},
		},
	)
	return cmd
}

// =============================================================================
// Training
// =============================================================================

func newTrainCmd(opts *globalOptions) *cobra.Command {
	var (
		flagName  string
		sessionID string
		each      time.Duration
		severity  string
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run a baseline, anomaly and recovery timeline against a flag",
		Long: `train toggles the flag through three phases, writing a ground-truth
annotation at each boundary, and prints the resulting dataset. It blocks
for three times --phase-duration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sessionID == "" {
				sessionID = "training-" + uuid.NewString()
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.withControlPlane(ctx); err != nil {
					return err
				}
				ds, runErr := a.diagnostics.RunTraining(ctx, datatypes.TrainingSessionConfig{
					SessionID: sessionID,
					FlagName:  flagName,
					Phases:    datatypes.DefaultTrainingPhases(each, severity),
				})
				if errors.Is(runErr, datatypes.ErrInvalidConfiguration) {
					return runErr
				}
				if err := printJSON(cmd.OutOrStdout(), ds); err != nil {
					return err
				}
				return runErr
			})
		},
	}
	cmd.Flags().StringVar(&flagName, "flag", "", "Feature flag to toggle (required)")
	cmd.Flags().StringVar(&sessionID, "id", "", "Training session id (default training-<uuid>)")
	cmd.Flags().DurationVar(&each, "phase-duration", 30*time.Second, "Length of each phase")
	cmd.Flags().StringVar(&severity, "severity", "high", "Anomaly severity label for the anomaly phase")
	_ = cmd.MarkFlagRequired("flag")
	return cmd
}

// =============================================================================
// Config
// =============================================================================

func newConfigCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "init [path]",
			Short: "Write the default configuration if the file does not exist",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				created, err := config.WriteDefault(args[0])
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s already exists, left unchanged\n", args[0])
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "print",
			Short: "Print the effective configuration after file and environment overrides",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := opts.load()
				if err != nil {
					return err
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(cfg); err != nil {
					return fmt.Errorf("encode config: %w", err)
				}
				return enc.Close()
			},
		},
	)
	return cmd
}

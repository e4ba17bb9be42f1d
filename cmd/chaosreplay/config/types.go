// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"time"

	"github.com/AleutianAI/chaosreplay/services/capture/annotations"
	"github.com/AleutianAI/chaosreplay/services/capture/events"
	"github.com/AleutianAI/chaosreplay/services/capture/observability"
	"github.com/AleutianAI/chaosreplay/services/capture/replay"
	"github.com/AleutianAI/chaosreplay/services/capture/retention"
	"github.com/AleutianAI/chaosreplay/services/capture/storage"
)

type ChaosReplayConfig struct {
	// Server: the HTTP control surface
	Server ServerConfig `yaml:"server"`

	// Logging: level, format and optional file directory
	Logging LoggingConfig `yaml:"logging"`

	// Storage: where sessions, continuous captures and replay records live
	Storage StorageConfig `yaml:"storage"`

	// Flags: the feature flag provider driven by diagnostics sessions
	Flags FlagsConfig `yaml:"flags"`

	// Annotations: the phase marker index
	Annotations AnnotationsConfig `yaml:"annotations"`

	// Events: optional lifecycle event bus
	Events EventsConfig `yaml:"events"`

	Sessions    SessionsConfig    `yaml:"sessions"`
	Replay      ReplayConfig      `yaml:"replay"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Retention   RetentionConfig   `yaml:"retention"`

	Telemetry observability.TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`             // e.g. ":8088"
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`    // e.g. 30s
	ReadTimeout     time.Duration `yaml:"read_header_timeout" validate:"gte=0"` // e.g. 10s
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	JSON   bool   `yaml:"json"`
	LogDir string `yaml:"log_dir"`
}

type StorageConfig struct {
	// Backend is "memory", "file" or "gcs".
	Backend string              `yaml:"backend" validate:"required,oneof=memory file gcs"`
	Dir     string              `yaml:"dir" validate:"required_if=Backend file"`
	GCS     storage.GCSConfig   `yaml:"gcs"`
	Retry   storage.RetryPolicy `yaml:"retry"`
}

type FlagsConfig struct {
	// Provider is "memory" or "file" (a flagd JSON flag file).
	Provider string `yaml:"provider" validate:"required,oneof=memory file"`
	File     string `yaml:"file" validate:"required_if=Provider file"`
}

type AnnotationsConfig struct {
	// Backend is "memory" or "badger".
	Backend string                   `yaml:"backend" validate:"required,oneof=memory badger"`
	Badger  annotations.BadgerConfig `yaml:"badger"`
}

type EventsConfig struct {
	// Backend is "none" or "nats".
	Backend string            `yaml:"backend" validate:"required,oneof=none nats"`
	NATS    events.NATSConfig `yaml:"nats"`
}

type SessionsConfig struct {
	CacheMaxCost int64         `yaml:"cache_max_cost" validate:"gte=0"`
	CacheTTL     time.Duration `yaml:"cache_ttl" validate:"gte=0"`
}

type ReplayConfig struct {
	DefaultEndpoint     string              `yaml:"default_endpoint" validate:"omitempty,url"`
	HTTPTimeout         time.Duration       `yaml:"http_timeout" validate:"gte=0"`
	MaxRecordsPerSecond float64             `yaml:"max_records_per_second" validate:"gte=0"`
	BatchSize           int                 `yaml:"batch_size" validate:"gte=0"`
	LoopPollInterval    time.Duration       `yaml:"loop_poll_interval" validate:"gte=0"`
	CallTimeout         time.Duration       `yaml:"call_timeout" validate:"gte=0"`
	Influx              replay.InfluxConfig `yaml:"influx"`
}

type DiagnosticsConfig struct {
	CallTimeout time.Duration `yaml:"call_timeout" validate:"gte=0"`
}

type RetentionConfig struct {
	retention.Config         `yaml:",inline"`
	retention.ScheduleConfig `yaml:",inline"`

	// Enabled starts the scheduler under "serve".
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns a configuration that runs entirely in memory.
func DefaultConfig() ChaosReplayConfig {
	return ChaosReplayConfig{
		Server: ServerConfig{
			Addr:            ":8088",
			ShutdownTimeout: 30 * time.Second,
			ReadTimeout:     10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Storage: StorageConfig{
			Backend: "memory",
			Retry:   storage.DefaultRetryPolicy(),
		},
		Flags:       FlagsConfig{Provider: "memory"},
		Annotations: AnnotationsConfig{Backend: "memory"},
		Events:      EventsConfig{Backend: "none"},
		Sessions: SessionsConfig{
			CacheMaxCost: 8 << 20,
			CacheTTL:     10 * time.Minute,
		},
		Replay: ReplayConfig{
			HTTPTimeout:      10 * time.Second,
			BatchSize:        replay.DefaultBatchSize,
			LoopPollInterval: replay.DefaultLoopPollInterval,
			CallTimeout:      replay.DefaultCallTimeout,
		},
		Diagnostics: DiagnosticsConfig{CallTimeout: 10 * time.Second},
		Retention: RetentionConfig{
			ScheduleConfig: retention.ScheduleConfig{
				ContinuousSchedule: "0 3 * * *",
				ContinuousDays:     7,
				SessionSchedule:    "30 3 * * 0",
				SessionDays:        30,
				SessionAction:      retention.SessionActionArchive,
			},
		},
		Telemetry: observability.DefaultTelemetryConfig(),
	}
}

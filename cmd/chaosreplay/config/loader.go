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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
	"github.com/AleutianAI/chaosreplay/services/capture/retention"
)

// EnvConfigPath names the config file when --config is not given.
const EnvConfigPath = "CHAOSREPLAY_CONFIG"

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Load reads the YAML file at path over DefaultConfig, applies environment
// overrides and validates the result. An empty path falls back to
// $CHAOSREPLAY_CONFIG and then to the defaults alone.
func Load(path string) (ChaosReplayConfig, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read the config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: parse %s: %w", datatypes.ErrInvalidConfiguration, path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefault writes DefaultConfig as YAML, creating parent directories.
// An existing file is left untouched.
func WriteDefault(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("failed to create the config directory %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return false, err
	}
	return true, os.WriteFile(path, data, 0644)
}

// Validate checks struct tags and the cross-field rules tags cannot
// express.
func (c ChaosReplayConfig) Validate() error {
	if err := validatorFor().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", datatypes.ErrInvalidConfiguration, err)
	}
	if c.Storage.Backend == "gcs" && c.Storage.GCS.Bucket == "" {
		return fmt.Errorf("%w: storage.gcs.bucket is required for the gcs backend", datatypes.ErrInvalidConfiguration)
	}
	if c.Annotations.Backend == "badger" && !c.Annotations.Badger.InMemory && c.Annotations.Badger.Path == "" {
		return fmt.Errorf("%w: annotations.badger.path is required unless in_memory is set", datatypes.ErrInvalidConfiguration)
	}
	if c.Events.Backend == "nats" && c.Events.NATS.URL == "" {
		return fmt.Errorf("%w: events.nats.url is required for the nats backend", datatypes.ErrInvalidConfiguration)
	}
	return nil
}

func validatorFor() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("cronspec", func(fl validator.FieldLevel) bool {
			return retention.ValidateSchedule(fl.Field().String()) == nil
		})
	})
	return validate
}

// applyEnv overlays CHAOSREPLAY_* and standard OTEL_* variables.
func applyEnv(c *ChaosReplayConfig) {
	c.Server.Addr = getEnvOr("CHAOSREPLAY_ADDR", c.Server.Addr)
	c.Logging.Level = getEnvOr("CHAOSREPLAY_LOG_LEVEL", c.Logging.Level)
	c.Logging.JSON = getEnvBool("CHAOSREPLAY_LOG_JSON", c.Logging.JSON)

	c.Storage.Backend = getEnvOr("CHAOSREPLAY_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Dir = getEnvOr("CHAOSREPLAY_STORAGE_DIR", c.Storage.Dir)
	c.Storage.GCS.Bucket = getEnvOr("CHAOSREPLAY_GCS_BUCKET", c.Storage.GCS.Bucket)

	if v := os.Getenv("CHAOSREPLAY_FLAGS_FILE"); v != "" {
		c.Flags.Provider = "file"
		c.Flags.File = v
	}
	if v := os.Getenv("CHAOSREPLAY_NATS_URL"); v != "" {
		c.Events.Backend = "nats"
		c.Events.NATS.URL = v
	}

	c.Replay.DefaultEndpoint = getEnvOr("CHAOSREPLAY_REPLAY_ENDPOINT", c.Replay.DefaultEndpoint)
	c.Replay.Influx.Token = getEnvOr("CHAOSREPLAY_INFLUX_TOKEN", c.Replay.Influx.Token)
	c.Retention.Enabled = getEnvBool("CHAOSREPLAY_RETENTION_ENABLED", c.Retention.Enabled)
	c.Retention.DryRun = getEnvBool("CHAOSREPLAY_RETENTION_DRY_RUN", c.Retention.DryRun)

	c.Telemetry.ServiceName = getEnvOr("OTEL_SERVICE_NAME", c.Telemetry.ServiceName)
	c.Telemetry.OTLPEndpoint = getEnvOr("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	URL string `yaml:"url"`

	// Stream, when set, creates or updates a JetStream stream over
	// "chaosreplay.>" and publishes through it. Empty uses core NATS.
	Stream string `yaml:"stream"`

	// Name is the client connection name.
	Name string `yaml:"name"`
}

// NATSPublisher publishes JSON events to NATS.
type NATSPublisher struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// ConnectNATS dials the server and prepares the optional stream.
//
// # Inputs
//
//   - ctx: Bounds stream creation.
//   - cfg: Server URL and optional stream name.
//
// # Outputs
//
//   - *NATSPublisher: Ready to publish. Call Close when done.
//   - error: Non-nil if the connection or stream setup fails.
func ConnectNATS(ctx context.Context, cfg NATSConfig) (*NATSPublisher, error) {
	name := cfg.Name
	if name == "" {
		name = "chaosreplay"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	p := &NATSPublisher{nc: nc}
	if cfg.Stream != "" {
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("jetstream init: %w", err)
		}
		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     cfg.Stream,
			Subjects: []string{SubjectPrefix + ".>"},
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("jetstream stream create: %w", err)
		}
		p.js = js
	}

	slog.Info("nats connected", "url", cfg.URL, "stream", cfg.Stream)
	return p, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	subject := e.Subject()
	if p.js != nil {
		if _, err := p.js.Publish(ctx, subject, data); err != nil {
			return fmt.Errorf("nats publish %s: %w", subject, err)
		}
		return nil
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return err
	}
	return nil
}

var _ Publisher = (*NATSPublisher)(nil)

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events publishes session lifecycle events.
//
// Publishing is fire-and-forget from the caller's point of view: Emit logs
// failures and never returns them, so an unreachable broker cannot change
// session state.
package events

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Event types.
const (
	TypeDiagnosticsPhase = "diagnostics.phase"
	TypeReplayStatus     = "replay.status"
	TypeReplayLoop       = "replay.loop"
	TypeRetentionRun     = "retention.run"
	TypeSeedGenerated    = "seed.generated"
)

// SubjectPrefix is the root of every published subject.
const SubjectPrefix = "chaosreplay"

// Event is one lifecycle notification.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	Status    string         `json:"status"`
	Time      time.Time      `json:"time"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Subject returns "chaosreplay.<type>.<sessionId>". Characters that NATS
// treats as subject tokens are replaced.
func (e Event) Subject() string {
	id := e.SessionID
	if id == "" {
		id = "_"
	}
	id = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(id)
	return SubjectPrefix + "." + e.Type + "." + id
}

// Publisher is the lifecycle event port.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Emit publishes e with a bounded timeout and logs any failure.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, e Event) {
	if p == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := p.Publish(ctx, e); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("Failed to publish lifecycle event",
			slog.String("type", e.Type),
			slog.String("session_id", e.SessionID),
			slog.String("error", err.Error()))
	}
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, e)
	return nil
}

// Fail makes subsequent Publish calls return err.
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Events returns a copy of the recorded events, optionally filtered by type.
func (r *Recorder) Events(eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if eventType == "" || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

var (
	_ Publisher = NopPublisher{}
	_ Publisher = (*Recorder)(nil)
)

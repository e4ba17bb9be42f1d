// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package annotations provides the Annotation Service port and adapters.
//
// Annotations are small queryable facts layered over captures and linked
// to them by session id. Phase markers use keys "test.phase.<name>" with a
// JSON PhaseMarker value.
package annotations

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
)

// Entry is one annotation.
type Entry = datatypes.Annotation

// Filter narrows Query results. Zero fields match everything.
type Filter struct {
	// KeyPrefix matches entries whose key starts with it.
	KeyPrefix string `json:"keyPrefix,omitempty"`

	// ValueContains matches entries whose raw value contains it.
	ValueContains string `json:"valueContains,omitempty"`

	// Since drops entries older than it.
	Since time.Time `json:"since,omitempty"`

	// Limit caps the result count after sorting. 0 means no limit.
	Limit int `json:"limit,omitempty"`
}

// Matches reports whether e passes the filter (ignoring Limit).
func (f Filter) Matches(e Entry) bool {
	if f.KeyPrefix != "" && !strings.HasPrefix(e.Key, f.KeyPrefix) {
		return false
	}
	if f.ValueContains != "" && !strings.Contains(e.Value, f.ValueContains) {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Service is the Annotation Service port.
type Service interface {
	// Annotate stores e. An empty ID or zero Timestamp is filled in.
	Annotate(ctx context.Context, e Entry) (Entry, error)

	// Query returns matching entries ordered by timestamp, oldest first.
	Query(ctx context.Context, f Filter) ([]Entry, error)
}

// PhaseMarker is the JSON value of a test.phase.* annotation.
type PhaseMarker struct {
	SessionID string                 `json:"sessionId"`
	FlagName  string                 `json:"flagName"`
	FlagValue bool                   `json:"flagValue"`
	Phase     string                 `json:"phase"`
	Labels    *datatypes.PhaseLabels `json:"labels,omitempty"`
}

// NewPhaseEntry builds a phase marker annotation for key.
func NewPhaseEntry(key, source string, m PhaseMarker) (Entry, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Key: key, Value: string(raw), Source: source}, nil
}

// DecodePhaseMarker parses the JSON value of a phase annotation.
func DecodePhaseMarker(e Entry) (PhaseMarker, error) {
	var m PhaseMarker
	err := json.Unmarshal([]byte(e.Value), &m)
	return m, err
}

func prepare(e Entry, now time.Time) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC()
	return e
}

func finish(out []Entry, f Filter) []Entry {
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

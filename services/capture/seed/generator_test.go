// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package seed

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/chaosreplay/services/capture/codec"
	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
	"github.com/AleutianAI/chaosreplay/services/capture/storage"
)

func cfg(pattern string) SeedConfig {
	return SeedConfig{Pattern: pattern, Duration: 10 * time.Second, Rate: 5, ErrorRate: 0.2, Seed: 42}
}

func TestSynthesize_Deterministic(t *testing.T) {
	for _, p := range Patterns() {
		t.Run(p, func(t *testing.T) {
			a, err := Synthesize(cfg(p))
			require.NoError(t, err)
			b, err := Synthesize(cfg(p))
			require.NoError(t, err)
			assert.Equal(t, 50, a.TraceCount)
			assert.Equal(t, a, b)
		})
	}
}

func TestSynthesize_SeedChangesOutput(t *testing.T) {
	a, err := Synthesize(cfg(PatternEcommerce))
	require.NoError(t, err)
	other := cfg(PatternEcommerce)
	other.Seed = 43
	b, err := Synthesize(other)
	require.NoError(t, err)
	assert.NotEqual(t, a.Traces[0].TraceID, b.Traces[0].TraceID)
}

func TestSynthesize_ErrorsPropagate(t *testing.T) {
	c := cfg(PatternLinear)
	c.ErrorRate = 1
	ds, err := Synthesize(c)
	require.NoError(t, err)

	for _, r := range ds.Traces {
		assert.Equal(t, "error", r.Status, "span %s/%s", r.Service, r.Name)
	}
	// linear has three hops per trace
	assert.Len(t, ds.Traces, 150)
	assert.Len(t, ds.Logs, 150)
}

func TestSynthesize_NoErrors(t *testing.T) {
	c := cfg(PatternDiamond)
	c.ErrorRate = 0
	ds, err := Synthesize(c)
	require.NoError(t, err)
	assert.Empty(t, ds.Logs)
	assert.Zero(t, ds.ErrorCount)
	for _, m := range ds.Metrics {
		if m.Name == "errors_total" {
			assert.Zero(t, m.Value)
		}
	}
}

func TestSynthesize_SpansShareTraceAndParent(t *testing.T) {
	ds, err := Synthesize(cfg(PatternFanout))
	require.NoError(t, err)

	root := ds.Traces[0]
	assert.Empty(t, root.ParentID)
	children := 0
	for _, r := range ds.Traces {
		if r.TraceID == root.TraceID && r.ParentID == root.SpanID {
			children++
			assert.GreaterOrEqual(t, r.Timestamp, root.Timestamp)
		}
	}
	assert.Equal(t, 4, children)
	assert.Equal(t, DefaultStartTime.Unix(), time.Unix(0, root.Timestamp).Unix())
}

func TestSynthesize_Invalid(t *testing.T) {
	bad := []SeedConfig{
		{Pattern: "star", Duration: time.Second, Rate: 1},
		{Pattern: PatternLinear, Duration: 0, Rate: 1},
		{Pattern: PatternLinear, Duration: time.Second, Rate: 0},
		{Pattern: PatternLinear, Duration: time.Second, Rate: 1, ErrorRate: 1.5},
	}
	for i, c := range bad {
		_, err := Synthesize(c)
		assert.ErrorIs(t, err, datatypes.ErrInvalidConfiguration, "case %d", i)
	}
}

func TestGenerate_ByteIdenticalPayloads(t *testing.T) {
	s := storage.NewMemoryStore()
	g := NewGenerator(s, nil)
	ctx := context.Background()

	c := cfg(PatternEcommerce)
	c.ShardSize = 100
	a, err := g.Generate(ctx, c)
	require.NoError(t, err)
	b, err := g.Generate(ctx, c)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a.SessionID, "seed-"))
	assert.NotEqual(t, a.SessionID, b.SessionID)
	assert.Equal(t, a.CapturedTraces, b.CapturedTraces)
	assert.Equal(t, a.ContentDigest, b.ContentDigest)
	assert.Equal(t, a.TotalSizeBytes, b.TotalSizeBytes)
	assert.Equal(t, datatypes.SessionTypeSeed, a.Kind())
	assert.Equal(t, datatypes.CaptureCompleted, a.Status)
	assert.Equal(t, a.StartTime, b.StartTime)
	assert.False(t, a.CreatedAt.IsZero())
	assert.False(t, b.CreatedAt.Before(a.CreatedAt))

	shardsA, err := s.List(ctx, storage.SessionPrefix(a.SessionID))
	require.NoError(t, err)
	shardsB, err := s.List(ctx, storage.SessionPrefix(b.SessionID))
	require.NoError(t, err)
	require.Equal(t, len(shardsA), len(shardsB))
	for i := range shardsA {
		if !storage.IsShardKey(shardsA[i].Key) {
			continue
		}
		da, err := s.Get(ctx, shardsA[i].Key)
		require.NoError(t, err)
		db, err := s.Get(ctx, shardsB[i].Key)
		require.NoError(t, err)
		assert.Equal(t, da, db)
	}

	first, err := s.Get(ctx, storage.ShardKey(a.SessionID, datatypes.SignalTraces, 0))
	require.NoError(t, err)
	records, err := codec.DecodeShard(first)
	require.NoError(t, err)
	assert.Len(t, records, 100)
}

func TestGenerate_ExistingID(t *testing.T) {
	g := NewGenerator(storage.NewMemoryStore(), nil)
	c := cfg(PatternLinear)
	c.SessionID = "seed-fixed"

	_, err := g.Generate(context.Background(), c)
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), c)
	assert.ErrorIs(t, err, datatypes.ErrInvalidConfiguration)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
	"github.com/AleutianAI/chaosreplay/services/capture/storage"
)

var base = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

func putMeta(t *testing.T, s storage.Store, m datatypes.CaptureSessionMetadata) {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), storage.MetadataKey(m.SessionID), data))
}

func seededStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	s := storage.NewMemoryStore()
	putMeta(t, s, datatypes.CaptureSessionMetadata{SessionID: "cap-1", StartTime: base, Status: datatypes.CaptureCompleted,
		TotalSizeBytes: 500, CreatedBy: "collector", EnabledFlags: []string{"paymentServiceFailure"}})
	putMeta(t, s, datatypes.CaptureSessionMetadata{SessionID: "seed-1", StartTime: base.Add(time.Hour), Status: datatypes.CaptureCompleted,
		TotalSizeBytes: 100, CreatedBy: "seed-generator"})
	putMeta(t, s, datatypes.CaptureSessionMetadata{SessionID: "training-1", StartTime: base.Add(2 * time.Hour), Status: datatypes.CaptureCompleted,
		TotalSizeBytes: 900, Type: datatypes.SessionTypeTraining})
	// A shard must not be mistaken for metadata.
	require.NoError(t, s.Put(context.Background(), storage.ShardKey("cap-1", "traces", 0), []byte("x")))
	return s
}

func newManager(t *testing.T, s storage.Store, opts Options) *Manager {
	t.Helper()
	m, err := NewManager(s, opts)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestListSessions_FilterAndOrder(t *testing.T) {
	m := newManager(t, seededStore(t), Options{})

	all, err := m.ListSessions(context.Background(), datatypes.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "training-1", all[0].SessionID)
	assert.Equal(t, "cap-1", all[2].SessionID)

	seeds, err := m.ListSessions(context.Background(), datatypes.SessionFilter{SessionType: datatypes.SessionTypeSeed})
	require.NoError(t, err)
	require.Len(t, seeds, 1)
	assert.Equal(t, "seed-1", seeds[0].SessionID)
}

func TestListSessions_SkipsCorrupt(t *testing.T) {
	s := seededStore(t)
	require.NoError(t, s.Put(context.Background(), storage.MetadataKey("broken"), []byte("{")))
	m := newManager(t, s, Options{})

	all, err := m.ListSessions(context.Background(), datatypes.SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSelectSession_Strategies(t *testing.T) {
	m := newManager(t, seededStore(t), Options{RandIntN: func(n int) int { return n - 1 }})
	ctx := context.Background()

	tests := []struct {
		strategy datatypes.SelectionStrategy
		want     string
	}{
		{"", "training-1"},
		{datatypes.StrategyLatest, "training-1"},
		{datatypes.StrategyLargest, "training-1"},
		{datatypes.StrategySmallest, "seed-1"},
		{datatypes.StrategyRandom, "cap-1"},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			got, err := m.SelectSession(ctx, tt.strategy, datatypes.SessionFilter{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.SessionID)
		})
	}

	got, err := m.SelectSession(ctx, datatypes.StrategyLatest, datatypes.SessionFilter{SessionType: datatypes.SessionTypeCapture})
	require.NoError(t, err)
	assert.Equal(t, "cap-1", got.SessionID)
}

func TestSelectSession_LatestBreaksTiesOnCreatedAt(t *testing.T) {
	s := storage.NewMemoryStore()
	// Keys sort "seed-a" before "seed-b", so key order alone would pick the older.
	putMeta(t, s, datatypes.CaptureSessionMetadata{SessionID: "seed-b", StartTime: base, Status: datatypes.CaptureCompleted,
		Type: datatypes.SessionTypeSeed, CreatedAt: base.Add(time.Minute)})
	putMeta(t, s, datatypes.CaptureSessionMetadata{SessionID: "seed-a", StartTime: base, Status: datatypes.CaptureCompleted,
		Type: datatypes.SessionTypeSeed, CreatedAt: base.Add(2 * time.Minute)})
	m := newManager(t, s, Options{})

	got, err := m.SelectSession(context.Background(), datatypes.StrategyLatest, datatypes.SessionFilter{SessionType: datatypes.SessionTypeSeed})
	require.NoError(t, err)
	assert.Equal(t, "seed-a", got.SessionID)

	all, err := m.ListSessions(context.Background(), datatypes.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "seed-a", all[0].SessionID)
}

func TestSelectSession_Empty(t *testing.T) {
	m := newManager(t, storage.NewMemoryStore(), Options{})
	_, err := m.SelectSession(context.Background(), datatypes.StrategyLatest, datatypes.SessionFilter{})
	assert.ErrorIs(t, err, datatypes.ErrSessionNotFound)

	_, err = m.SelectSession(context.Background(), "oldest", datatypes.SessionFilter{})
	assert.ErrorIs(t, err, datatypes.ErrInvalidConfiguration)
}

func TestGetSession_NotFoundAndStorageError(t *testing.T) {
	s := seededStore(t)
	m := newManager(t, s, Options{})

	_, err := m.GetSession(context.Background(), "nope")
	assert.ErrorIs(t, err, datatypes.ErrSessionNotFound)

	s.FailOn("get", "sessions/cap-1/", errors.New("down"))
	_, err = m.GetSession(context.Background(), "cap-1")
	assert.ErrorIs(t, err, datatypes.ErrStorageUnavailable)
}

func TestGetSession_CachesTerminalOnly(t *testing.T) {
	s := seededStore(t)
	m := newManager(t, s, Options{CacheMaxCost: 1 << 20})
	ctx := context.Background()

	_, err := m.GetSession(ctx, "cap-1")
	require.NoError(t, err)

	// Served from cache even though the store now fails.
	s.FailOn("get", "sessions/cap-1/", errors.New("down"))
	got, err := m.GetSession(ctx, "cap-1")
	require.NoError(t, err)
	assert.Equal(t, "cap-1", got.SessionID)

	m.InvalidateSession("cap-1")
	_, err = m.GetSession(ctx, "cap-1")
	assert.ErrorIs(t, err, datatypes.ErrStorageUnavailable)
}

func TestCaptureLifecycle(t *testing.T) {
	s := storage.NewMemoryStore()
	m := newManager(t, s, Options{CacheMaxCost: 1 << 20, Now: func() time.Time { return base }})
	ctx := context.Background()

	meta, err := m.BeginCapture(ctx, datatypes.CaptureSessionMetadata{SessionID: "cap-9", CreatedBy: "collector"})
	require.NoError(t, err)
	assert.Equal(t, datatypes.CaptureActive, meta.Status)
	assert.Equal(t, "sessions/cap-9/", meta.StoragePrefix)
	assert.Equal(t, datatypes.SessionTypeCapture, meta.Type)

	_, err = m.BeginCapture(ctx, datatypes.CaptureSessionMetadata{SessionID: "cap-9"})
	assert.ErrorIs(t, err, datatypes.ErrSessionAlreadyRunning)

	meta, err = m.UpdateCapture(ctx, "cap-9", func(md *datatypes.CaptureSessionMetadata) {
		md.CapturedTraces += 10
		md.Status = datatypes.CaptureCompleted // ignored
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), meta.CapturedTraces)
	assert.Equal(t, datatypes.CaptureActive, meta.Status)

	meta, err = m.CompleteCapture(ctx, "cap-9")
	require.NoError(t, err)
	assert.Equal(t, datatypes.CaptureCompleted, meta.Status)
	require.NotNil(t, meta.EndTime)

	_, err = m.UpdateCapture(ctx, "cap-9", func(*datatypes.CaptureSessionMetadata) {})
	assert.ErrorIs(t, err, datatypes.ErrInvalidConfiguration)
	_, err = m.FailCapture(ctx, "cap-9", errors.New("late"))
	assert.ErrorIs(t, err, datatypes.ErrInvalidConfiguration)
	_, err = m.BeginCapture(ctx, datatypes.CaptureSessionMetadata{SessionID: "cap-9"})
	assert.ErrorIs(t, err, datatypes.ErrInvalidConfiguration)
}

func TestFailCapture_RecordsReason(t *testing.T) {
	m := newManager(t, storage.NewMemoryStore(), Options{})
	ctx := context.Background()

	_, err := m.BeginCapture(ctx, datatypes.CaptureSessionMetadata{SessionID: "cap-f"})
	require.NoError(t, err)
	meta, err := m.FailCapture(ctx, "cap-f", errors.New("collector crashed"))
	require.NoError(t, err)
	assert.Equal(t, datatypes.CaptureFailed, meta.Status)
	assert.Equal(t, "collector crashed", meta.Error)
}

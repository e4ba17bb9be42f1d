// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retention

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
	"github.com/AleutianAI/chaosreplay/services/capture/events"
	"github.com/AleutianAI/chaosreplay/services/capture/observability"
	"github.com/AleutianAI/chaosreplay/services/capture/storage"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type cacheSpy struct {
	mu  sync.Mutex
	ids []string
}

func (c *cacheSpy) InvalidateSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
}

type fixture struct {
	store   *storage.MemoryStore
	svc     *Service
	cache   *cacheSpy
	metrics *observability.Metrics
	events  *events.Recorder
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:   storage.NewMemoryStore(),
		cache:   &cacheSpy{},
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
		events:  &events.Recorder{},
	}
	f.store.SetClock(func() time.Time { return now })
	f.svc = NewService(f.store, cfg, Options{
		Cache:   f.cache,
		Metrics: f.metrics,
		Events:  f.events,
		Now:     func() time.Time { return now },
	})
	return f
}

func daysAgo(n int) time.Time { return now.Add(-time.Duration(n) * day) }

func (f *fixture) putSession(t *testing.T, id string, age int, status datatypes.CaptureStatus) {
	t.Helper()
	meta, err := json.Marshal(datatypes.CaptureSessionMetadata{SessionID: id, Status: status})
	require.NoError(t, err)
	f.store.PutAt(storage.MetadataKey(id), meta, daysAgo(age))
	f.store.PutAt(storage.ShardKey(id, datatypes.SignalTraces, 0), []byte("0123456789"), daysAgo(age))
}

func TestApplyContinuousRetention_YoungDataUntouched(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.PutAt(storage.ContinuousShardKey(daysAgo(2), datatypes.SignalTraces, 0), []byte("x"), daysAgo(2))
	f.store.PutAt(storage.ContinuousShardKey(daysAgo(30), datatypes.SignalLogs, 0), []byte("x"), daysAgo(30))

	res, err := f.svc.ApplyContinuousRetention(context.Background(), 365)
	require.NoError(t, err)
	assert.Equal(t, 0, res.DeletedObjects)
	assert.Contains(t, res.ProcessedPaths, "continuous/")
	assert.Empty(t, res.Errors)
	assert.Equal(t, 2, f.store.Len())
}

func TestApplyContinuousRetention_DeletesOnlyExpired(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.PutAt("continuous/old-a.bin", []byte("aaaa"), daysAgo(10))
	f.store.PutAt("continuous/old-b.bin", []byte("bb"), daysAgo(8))
	f.store.PutAt("continuous/new.bin", []byte("c"), daysAgo(1))
	f.putSession(t, "s-old", 100, datatypes.CaptureCompleted)

	res, err := f.svc.ApplyContinuousRetention(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 2, res.DeletedObjects)
	assert.Equal(t, int64(6), res.FreedSpaceBytes)
	assert.Empty(t, res.Errors)

	_, err = f.store.Get(context.Background(), "continuous/new.bin")
	assert.NoError(t, err)
	// Other namespaces are never touched.
	_, err = f.store.Get(context.Background(), storage.MetadataKey("s-old"))
	assert.NoError(t, err)

	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.RetentionDeleted.WithLabelValues("continuous/", "delete")))
	evs := f.events.Events(events.TypeRetentionRun)
	require.Len(t, evs, 1)
	assert.Equal(t, "completed", evs[0].Status)
}

func TestApplyContinuousRetention_PartialFailures(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.PutAt("continuous/a.bin", []byte("a"), daysAgo(10))
	f.store.PutAt("continuous/locked/b.bin", []byte("b"), daysAgo(10))
	f.store.FailOn("delete", "continuous/locked/", errors.New("permission denied"))

	res, err := f.svc.ApplyContinuousRetention(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeletedObjects)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "continuous/locked/b.bin")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.RetentionErrors.WithLabelValues("continuous/")))
}

func TestApplyContinuousRetention_ListFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.FailOn("list", "continuous/", errors.New("bucket gone"))

	_, err := f.svc.ApplyContinuousRetention(context.Background(), 7)
	require.Error(t, err)
	assert.ErrorIs(t, err, datatypes.ErrStorageUnavailable)
	evs := f.events.Events(events.TypeRetentionRun)
	require.Len(t, evs, 1)
	assert.Equal(t, "failed", evs[0].Status)
}

func TestRetention_InvalidDays(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.svc.ApplyContinuousRetention(ctx, 0)
	assert.ErrorIs(t, err, datatypes.ErrInvalidConfiguration)
	_, err = f.svc.ApplySessionRetention(ctx, -3)
	assert.ErrorIs(t, err, datatypes.ErrInvalidConfiguration)
	_, err = f.svc.ArchiveOldSessions(ctx, 0)
	assert.ErrorIs(t, err, datatypes.ErrInvalidConfiguration)
}

func TestApplyContinuousRetention_DryRun(t *testing.T) {
	f := newFixture(t, Config{DryRun: true})
	f.store.PutAt("continuous/a.bin", []byte("abc"), daysAgo(10))

	res, err := f.svc.ApplyContinuousRetention(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 1, res.DeletedObjects)
	assert.Equal(t, 1, f.store.Len())
}

func TestApplySessionRetention(t *testing.T) {
	f := newFixture(t, Config{})
	f.putSession(t, "old-done", 40, datatypes.CaptureCompleted)
	f.putSession(t, "old-active", 40, datatypes.CaptureActive)
	f.putSession(t, "young", 2, datatypes.CaptureCompleted)
	// A session with one recent shard is kept as a whole.
	f.putSession(t, "mixed", 40, datatypes.CaptureCompleted)
	f.store.PutAt(storage.ShardKey("mixed", datatypes.SignalLogs, 0), []byte("l"), daysAgo(1))
	f.store.PutAt("continuous/keep.bin", []byte("k"), daysAgo(400))

	res, err := f.svc.ApplySessionRetention(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, 2, res.DeletedObjects)
	assert.Empty(t, res.Errors)
	assert.Equal(t, []string{"sessions/", "sessions/old-done/"}, res.ProcessedPaths)
	assert.Equal(t, []string{"old-done"}, f.cache.ids)

	_, err = f.store.Get(context.Background(), storage.MetadataKey("old-done"))
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
	for _, id := range []string{"old-active", "young", "mixed"} {
		_, err = f.store.Get(context.Background(), storage.MetadataKey(id))
		assert.NoError(t, err, id)
	}
	_, err = f.store.Get(context.Background(), "continuous/keep.bin")
	assert.NoError(t, err)
}

func TestArchiveOldSessions(t *testing.T) {
	f := newFixture(t, Config{})
	f.putSession(t, "old", 60, datatypes.CaptureCompleted)
	f.putSession(t, "young", 1, datatypes.CaptureCompleted)

	res, err := f.svc.ArchiveOldSessions(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ArchivedObjects)
	assert.Equal(t, 2, res.DeletedObjects)
	assert.Empty(t, res.Errors)

	ctx := context.Background()
	_, err = f.store.Get(ctx, storage.MetadataKey("old"))
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
	data, err := f.store.Get(ctx, storage.ArchiveKey(storage.ShardKey("old", datatypes.SignalTraces, 0)))
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789"), data)
	_, err = f.store.Get(ctx, storage.MetadataKey("young"))
	assert.NoError(t, err)
}

func TestArchiveOldSessions_CopyFailureKeepsSource(t *testing.T) {
	f := newFixture(t, Config{})
	f.putSession(t, "old", 60, datatypes.CaptureCompleted)
	f.store.FailOn("put", "archive/", errors.New("quota exceeded"))

	res, err := f.svc.ArchiveOldSessions(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ArchivedObjects)
	assert.Len(t, res.Errors, 2)

	_, err = f.store.Get(context.Background(), storage.MetadataKey("old"))
	assert.NoError(t, err)
	_, err = f.store.Get(context.Background(), storage.ShardKey("old", datatypes.SignalTraces, 0))
	assert.NoError(t, err)
}

func TestGuard(t *testing.T) {
	assert.NoError(t, guard("sessions/a/", "sessions/a/traces/00000.bin"))
	assert.ErrorIs(t, guard("sessions/a/", "sessions/b/metadata.json"), datatypes.ErrInvalidConfiguration)
	assert.Error(t, guard("continuous/", "continuous/../sessions/x"))
}

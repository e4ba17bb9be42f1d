// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sessions lists, filters and selects stored capture sessions and
// owns the capture metadata lifecycle.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
	"github.com/AleutianAI/chaosreplay/services/capture/storage"
)

// Options configures a Manager.
type Options struct {
	// CacheMaxCost bounds the metadata cache in bytes. 0 disables caching.
	CacheMaxCost int64

	// CacheTTL expires cached entries. 0 means no expiry.
	CacheTTL time.Duration

	// RandIntN picks a uniform index in [0, n). Defaults to math/rand/v2.
	RandIntN func(n int) int

	// Now overrides the clock for BeginCapture and completion times.
	Now func() time.Time

	Logger *slog.Logger
}

// Manager is the Session Manager.
//
// # Description
//
// Reads go through the Session Store. Metadata for terminal sessions is
// immutable and is cached in a ristretto cache; active metadata is always
// read from the store.
//
// Capture lifecycle calls (BeginCapture, UpdateCapture, CompleteCapture,
// FailCapture) serialise per session id so that at most one active
// record exists per id within this process.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager struct {
	store    storage.Store
	cache    *ristretto.Cache[string, datatypes.CaptureSessionMetadata]
	cacheTTL time.Duration
	randIntN func(int) int
	now      func() time.Time
	logger   *slog.Logger

	locks sync.Map // session id -> *sync.Mutex
}

// NewManager creates a Manager over store.
//
// # Inputs
//
//   - store: Session Store adapter.
//   - opts: Cache size, randomness and clock overrides.
//
// # Outputs
//
//   - *Manager: Ready to use. Call Close to release the cache.
//   - error: Non-nil if the cache cannot be created.
func NewManager(store storage.Store, opts Options) (*Manager, error) {
	m := &Manager{
		store:    store,
		cacheTTL: opts.CacheTTL,
		randIntN: opts.RandIntN,
		now:      opts.Now,
		logger:   opts.Logger,
	}
	if m.randIntN == nil {
		m.randIntN = rand.IntN
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if opts.CacheMaxCost > 0 {
		c, err := ristretto.NewCache(&ristretto.Config[string, datatypes.CaptureSessionMetadata]{
			NumCounters: max(opts.CacheMaxCost/100, 100),
			MaxCost:     opts.CacheMaxCost,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create metadata cache: %w", err)
		}
		m.cache = c
	}
	return m, nil
}

// Close releases the cache.
func (m *Manager) Close() {
	if m.cache != nil {
		m.cache.Close()
	}
}

// =============================================================================
// Reads
// =============================================================================

// ListSessions returns every session whose metadata matches filter, newest
// first. Unreadable metadata objects are logged and skipped.
func (m *Manager) ListSessions(ctx context.Context, filter datatypes.SessionFilter) ([]datatypes.CaptureSessionMetadata, error) {
	objs, err := m.store.List(ctx, storage.SessionsPrefix)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var out []datatypes.CaptureSessionMetadata
	for _, obj := range objs {
		id, ok := metadataSessionID(obj.Key)
		if !ok {
			continue
		}
		meta, err := m.GetSession(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, datatypes.ClassifyContextError(ctx.Err())
			}
			m.logger.Warn("Skipping unreadable session metadata",
				slog.String("session_id", id),
				slog.String("error", err.Error()))
			continue
		}
		if filter.Matches(meta) {
			out = append(out, meta)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return newer(out[i], out[j])
	})
	return out, nil
}

// SelectSession picks one session by strategy among those matching filter.
//
// # Description
//
//   - latest: max StartTime (default when strategy is empty)
//   - random: uniform pick
//   - largest / smallest: by TotalSizeBytes
//
// Ties keep the first candidate in ListSessions order.
//
// # Outputs
//
//   - error: ErrSessionNotFound when no session matches,
//     ErrInvalidConfiguration for an unknown strategy.
func (m *Manager) SelectSession(ctx context.Context, strategy datatypes.SelectionStrategy, filter datatypes.SessionFilter) (datatypes.CaptureSessionMetadata, error) {
	if !strategy.Valid() {
		return datatypes.CaptureSessionMetadata{}, fmt.Errorf("%w: unknown selection strategy %q", datatypes.ErrInvalidConfiguration, strategy)
	}
	candidates, err := m.ListSessions(ctx, filter)
	if err != nil {
		return datatypes.CaptureSessionMetadata{}, err
	}
	if len(candidates) == 0 {
		return datatypes.CaptureSessionMetadata{}, fmt.Errorf("%w: no session matches filter", datatypes.ErrSessionNotFound)
	}

	pick := 0
	switch strategy {
	case datatypes.StrategyRandom:
		pick = m.randIntN(len(candidates))
	case datatypes.StrategyLargest:
		for i, c := range candidates {
			if c.TotalSizeBytes > candidates[pick].TotalSizeBytes {
				pick = i
			}
		}
	case datatypes.StrategySmallest:
		for i, c := range candidates {
			if c.TotalSizeBytes < candidates[pick].TotalSizeBytes {
				pick = i
			}
		}
	default:
		for i, c := range candidates {
			if newer(c, candidates[pick]) {
				pick = i
			}
		}
	}
	return candidates[pick], nil
}

// newer orders by StartTime, then CreatedAt.
func newer(a, b datatypes.CaptureSessionMetadata) bool {
	if !a.StartTime.Equal(b.StartTime) {
		return a.StartTime.After(b.StartTime)
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// GetSession returns the metadata for id or ErrSessionNotFound.
func (m *Manager) GetSession(ctx context.Context, id string) (datatypes.CaptureSessionMetadata, error) {
	if id == "" {
		return datatypes.CaptureSessionMetadata{}, fmt.Errorf("%w: empty session id", datatypes.ErrSessionNotFound)
	}
	if m.cache != nil {
		if meta, ok := m.cache.Get(id); ok {
			return meta.Clone(), nil
		}
	}

	meta, err := m.load(ctx, id)
	if err != nil {
		return datatypes.CaptureSessionMetadata{}, err
	}
	m.remember(meta)
	return meta, nil
}

// InvalidateSession drops id from the cache. Retention calls it after
// deleting or archiving a session.
func (m *Manager) InvalidateSession(id string) {
	if m.cache != nil {
		m.cache.Del(id)
	}
}

// =============================================================================
// Capture Lifecycle
// =============================================================================

// BeginCapture writes a new active metadata record.
//
// # Outputs
//
//   - error: ErrSessionAlreadyRunning if an active record exists for the id,
//     ErrInvalidConfiguration if a terminal one exists or the id is empty.
func (m *Manager) BeginCapture(ctx context.Context, meta datatypes.CaptureSessionMetadata) (datatypes.CaptureSessionMetadata, error) {
	if meta.SessionID == "" {
		return datatypes.CaptureSessionMetadata{}, fmt.Errorf("%w: session id is required", datatypes.ErrInvalidConfiguration)
	}
	unlock := m.lock(meta.SessionID)
	defer unlock()

	existing, err := m.load(ctx, meta.SessionID)
	switch {
	case err == nil && existing.Status == datatypes.CaptureActive:
		return datatypes.CaptureSessionMetadata{}, fmt.Errorf("%w: capture %s", datatypes.ErrSessionAlreadyRunning, meta.SessionID)
	case err == nil:
		return datatypes.CaptureSessionMetadata{}, fmt.Errorf("%w: session %s is %s and immutable", datatypes.ErrInvalidConfiguration, meta.SessionID, existing.Status)
	case !errors.Is(err, datatypes.ErrSessionNotFound):
		return datatypes.CaptureSessionMetadata{}, err
	}

	meta.Status = datatypes.CaptureActive
	meta.EndTime = nil
	if meta.StartTime.IsZero() {
		meta.StartTime = m.now().UTC()
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = m.now().UTC()
	}
	if meta.StoragePrefix == "" {
		meta.StoragePrefix = storage.SessionPrefix(meta.SessionID)
	}
	if meta.Type == "" {
		meta.Type = meta.Kind()
	}
	if err := m.save(ctx, meta); err != nil {
		return datatypes.CaptureSessionMetadata{}, err
	}
	return meta, nil
}

// UpdateCapture applies fn to an active record and persists it. The id and
// status cannot be changed through fn.
func (m *Manager) UpdateCapture(ctx context.Context, id string, fn func(*datatypes.CaptureSessionMetadata)) (datatypes.CaptureSessionMetadata, error) {
	unlock := m.lock(id)
	defer unlock()

	meta, err := m.loadActive(ctx, id)
	if err != nil {
		return datatypes.CaptureSessionMetadata{}, err
	}
	fn(&meta)
	meta.SessionID = id
	meta.Status = datatypes.CaptureActive
	if err := m.save(ctx, meta); err != nil {
		return datatypes.CaptureSessionMetadata{}, err
	}
	return meta, nil
}

// CompleteCapture marks an active record completed.
func (m *Manager) CompleteCapture(ctx context.Context, id string) (datatypes.CaptureSessionMetadata, error) {
	return m.finish(ctx, id, datatypes.CaptureCompleted, "")
}

// FailCapture marks an active record failed with cause.
func (m *Manager) FailCapture(ctx context.Context, id string, cause error) (datatypes.CaptureSessionMetadata, error) {
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	return m.finish(ctx, id, datatypes.CaptureFailed, reason)
}

func (m *Manager) finish(ctx context.Context, id string, status datatypes.CaptureStatus, reason string) (datatypes.CaptureSessionMetadata, error) {
	unlock := m.lock(id)
	defer unlock()

	meta, err := m.loadActive(ctx, id)
	if err != nil {
		return datatypes.CaptureSessionMetadata{}, err
	}
	end := m.now().UTC()
	meta.Status = status
	meta.EndTime = &end
	meta.Error = reason
	if err := m.save(ctx, meta); err != nil {
		return datatypes.CaptureSessionMetadata{}, err
	}
	m.remember(meta)
	return meta, nil
}

// =============================================================================
// Internals
// =============================================================================

func (m *Manager) lock(id string) func() {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (m *Manager) load(ctx context.Context, id string) (datatypes.CaptureSessionMetadata, error) {
	data, err := m.store.Get(ctx, storage.MetadataKey(id))
	if errors.Is(err, storage.ErrObjectNotFound) {
		return datatypes.CaptureSessionMetadata{}, fmt.Errorf("%w: %s", datatypes.ErrSessionNotFound, id)
	}
	if err != nil {
		return datatypes.CaptureSessionMetadata{}, fmt.Errorf("load session %s: %w", id, err)
	}
	var meta datatypes.CaptureSessionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return datatypes.CaptureSessionMetadata{}, fmt.Errorf("decode metadata for %s: %w", id, err)
	}
	if meta.SessionID == "" {
		meta.SessionID = id
	}
	return meta, nil
}

func (m *Manager) loadActive(ctx context.Context, id string) (datatypes.CaptureSessionMetadata, error) {
	meta, err := m.load(ctx, id)
	if err != nil {
		return datatypes.CaptureSessionMetadata{}, err
	}
	if meta.Status != datatypes.CaptureActive {
		return datatypes.CaptureSessionMetadata{}, fmt.Errorf("%w: session %s is %s and immutable", datatypes.ErrInvalidConfiguration, id, meta.Status)
	}
	return meta, nil
}

func (m *Manager) save(ctx context.Context, meta datatypes.CaptureSessionMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata for %s: %w", meta.SessionID, err)
	}
	if err := m.store.Put(ctx, storage.MetadataKey(meta.SessionID), data); err != nil {
		return fmt.Errorf("save session %s: %w", meta.SessionID, err)
	}
	return nil
}

// remember caches terminal metadata only.
func (m *Manager) remember(meta datatypes.CaptureSessionMetadata) {
	if m.cache == nil || !meta.Status.IsTerminal() {
		return
	}
	cost := int64(256 + len(meta.Description) + 32*len(meta.EnabledFlags))
	if m.cacheTTL > 0 {
		m.cache.SetWithTTL(meta.SessionID, meta.Clone(), cost, m.cacheTTL)
	} else {
		m.cache.Set(meta.SessionID, meta.Clone(), cost)
	}
	m.cache.Wait()
}

// metadataSessionID matches exactly "sessions/<id>/metadata.json".
func metadataSessionID(key string) (string, bool) {
	id, ok := storage.SessionIDFromKey(key)
	if !ok {
		return "", false
	}
	if key != storage.MetadataKey(id) || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retention reclaims Session Store space by age.
//
// # Description
//
// Service deletes or archives objects older than a cutoff within one
// namespace at a time. It never touches a key outside the namespace it
// was invoked against: every delete is checked against the namespace
// prefix immediately before it is issued. Per-object failures are
// collected into the CleanupResult; only a failed listing aborts a run.
// Scheduler runs the operations on cron schedules.
package retention

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
	"github.com/AleutianAI/chaosreplay/services/capture/events"
	"github.com/AleutianAI/chaosreplay/services/capture/observability"
	"github.com/AleutianAI/chaosreplay/services/capture/storage"
)

// Operation names used in results, metrics and events.
const (
	OpContinuous = "continuous"
	OpSessions   = "sessions"
	OpArchive    = "archive"
)

const (
	actionDelete  = "delete"
	actionArchive = "archive"

	day = 24 * time.Hour
)

// Config configures a Service. Empty prefixes take the storage defaults.
type Config struct {
	ContinuousPrefix string `yaml:"continuous_prefix"`
	SessionsPrefix   string `yaml:"sessions_prefix"`
	ArchivePrefix    string `yaml:"archive_prefix"`

	// DryRun reports what would be removed without deleting anything.
	DryRun bool `yaml:"dry_run"`

	// MaxConcurrency bounds parallel deletes. Defaults to 8.
	MaxConcurrency int `yaml:"max_concurrency"`
}

// CleanupResult summarises one retention run.
type CleanupResult struct {
	Operation       string        `json:"operation"`
	DeletedObjects  int           `json:"deletedObjects"`
	ArchivedObjects int           `json:"archivedObjects,omitempty"`
	FreedSpaceBytes int64         `json:"freedSpaceBytes"`
	ProcessedPaths  []string      `json:"processedPaths"`
	Errors          []string      `json:"errors"`
	Duration        time.Duration `json:"duration"`
	DryRun          bool          `json:"dryRun,omitempty"`
}

// SessionCache is notified when a session's objects are removed.
// *sessions.Manager satisfies it.
type SessionCache interface {
	InvalidateSession(id string)
}

// Options carries the Service's optional collaborators.
type Options struct {
	Cache   SessionCache
	Metrics *observability.Metrics
	Events  events.Publisher
	Logger  *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Service is the Retention Service.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent runs against the same namespace are
// tolerated: a key deleted by another run is reported as an error entry.
type Service struct {
	store   storage.Store
	cfg     Config
	cache   SessionCache
	metrics *observability.Metrics
	events  events.Publisher
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a Service.
func NewService(store storage.Store, cfg Config, opts Options) *Service {
	if cfg.ContinuousPrefix == "" {
		cfg.ContinuousPrefix = storage.ContinuousPrefix
	}
	if cfg.SessionsPrefix == "" {
		cfg.SessionsPrefix = storage.SessionsPrefix
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = storage.ArchivePrefix
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	s := &Service{
		store:   store,
		cfg:     cfg,
		cache:   opts.Cache,
		metrics: opts.Metrics,
		events:  opts.Events,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.events == nil {
		s.events = events.NopPublisher{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// =============================================================================
// Public Operations
// =============================================================================

// ApplyContinuousRetention deletes continuous-namespace objects last
// updated more than olderThanDays days ago.
//
// # Outputs
//
//   - CleanupResult: Counts, the processed namespace and per-object errors.
//   - error: ErrInvalidConfiguration for olderThanDays < 1, or the listing
//     failure.
func (s *Service) ApplyContinuousRetention(ctx context.Context, olderThanDays int) (CleanupResult, error) {
	start := time.Now()
	res := s.newResult(OpContinuous, s.cfg.ContinuousPrefix)
	cutoff, err := s.cutoff(olderThanDays)
	if err != nil {
		return res, err
	}

	objs, err := s.store.List(ctx, s.cfg.ContinuousPrefix)
	if err != nil {
		return s.done(ctx, res, start, fmt.Errorf("list %s: %w", s.cfg.ContinuousPrefix, err))
	}
	var expired []storage.ObjectInfo
	for _, o := range objs {
		if o.Updated.Before(cutoff) {
			expired = append(expired, o)
		}
	}
	s.deleteAll(ctx, s.cfg.ContinuousPrefix, expired, &res)
	return s.done(ctx, res, start, nil)
}

// ApplySessionRetention deletes every object of sessions whose newest
// object is older than the cutoff. Active captures are never removed.
func (s *Service) ApplySessionRetention(ctx context.Context, olderThanDays int) (CleanupResult, error) {
	return s.sweepSessions(ctx, OpSessions, olderThanDays, false)
}

// ArchiveOldSessions moves eligible sessions under the archive prefix
// (copy then delete). A source object is deleted only after its copy
// succeeded.
func (s *Service) ArchiveOldSessions(ctx context.Context, olderThanDays int) (CleanupResult, error) {
	return s.sweepSessions(ctx, OpArchive, olderThanDays, true)
}

// =============================================================================
// Internals
// =============================================================================

func (s *Service) newResult(op, prefix string) CleanupResult {
	return CleanupResult{
		Operation:      op,
		ProcessedPaths: []string{prefix},
		Errors:         []string{},
		DryRun:         s.cfg.DryRun,
	}
}

func (s *Service) cutoff(olderThanDays int) (time.Time, error) {
	if olderThanDays < 1 {
		return time.Time{}, fmt.Errorf("%w: olderThanDays must be at least 1, got %d", datatypes.ErrInvalidConfiguration, olderThanDays)
	}
	return s.now().Add(-time.Duration(olderThanDays) * day), nil
}

type sessionGroup struct {
	id      string
	objects []storage.ObjectInfo
	newest  time.Time
	hasMeta bool
}

func (s *Service) sweepSessions(ctx context.Context, op string, olderThanDays int, archive bool) (CleanupResult, error) {
	start := time.Now()
	prefix := s.cfg.SessionsPrefix
	res := s.newResult(op, prefix)
	cutoff, err := s.cutoff(olderThanDays)
	if err != nil {
		return res, err
	}

	objs, err := s.store.List(ctx, prefix)
	if err != nil {
		return s.done(ctx, res, start, fmt.Errorf("list %s: %w", prefix, err))
	}

	groups := make(map[string]*sessionGroup)
	for _, o := range objs {
		rest := strings.TrimPrefix(o.Key, prefix)
		id, _, found := strings.Cut(rest, "/")
		if !found || id == "" {
			continue
		}
		g := groups[id]
		if g == nil {
			g = &sessionGroup{id: id}
			groups[id] = g
		}
		g.objects = append(g.objects, o)
		if o.Updated.After(g.newest) {
			g.newest = o.Updated
		}
		if strings.HasSuffix(o.Key, "/"+storage.MetadataFile) {
			g.hasMeta = true
		}
	}
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, datatypes.ClassifyContextError(ctx.Err()).Error())
			break
		}
		g := groups[id]
		if !g.newest.Before(cutoff) {
			continue
		}
		eligible, err := s.inactive(ctx, prefix, g)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		if !eligible {
			s.logger.Debug("Skipping active session", slog.String("session_id", id))
			continue
		}

		sessionPrefix := prefix + id + "/"
		res.ProcessedPaths = append(res.ProcessedPaths, sessionPrefix)
		before := len(res.Errors)
		if archive {
			s.archiveAll(ctx, sessionPrefix, g.objects, &res)
		} else {
			s.deleteAll(ctx, sessionPrefix, g.objects, &res)
		}
		if s.cache != nil && !s.cfg.DryRun {
			s.cache.InvalidateSession(id)
		}
		s.logger.Info("Session retention applied",
			slog.String("session_id", id),
			slog.String("operation", op),
			slog.Int("objects", len(g.objects)),
			slog.Int("errors", len(res.Errors)-before),
			slog.Bool("dry_run", s.cfg.DryRun))
	}
	return s.done(ctx, res, start, nil)
}

// inactive reports whether a session's metadata allows removal. Sessions
// without metadata are judged by age alone.
func (s *Service) inactive(ctx context.Context, prefix string, g *sessionGroup) (bool, error) {
	if !g.hasMeta {
		return true, nil
	}
	data, err := s.store.Get(ctx, prefix+g.id+"/"+storage.MetadataFile)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read metadata for %s: %w", g.id, err)
	}
	var meta datatypes.CaptureSessionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		// Unreadable metadata cannot prove the capture is active.
		return true, nil
	}
	return meta.Status != datatypes.CaptureActive, nil
}

// guard rejects keys outside namespace.
func guard(namespace, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if !strings.HasPrefix(key, namespace) {
		return fmt.Errorf("%w: refusing to delete %s outside %s", datatypes.ErrInvalidConfiguration, key, namespace)
	}
	return nil
}

// deleteAll deletes objs concurrently and folds the outcome into res.
func (s *Service) deleteAll(ctx context.Context, namespace string, objs []storage.ObjectInfo, res *CleanupResult) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, o := range objs {
		g.Go(func() error {
			err := guard(namespace, o.Key)
			if err == nil && !s.cfg.DryRun {
				err = s.store.Delete(gctx, o.Key)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("delete %s: %v", o.Key, err))
				return nil
			}
			res.DeletedObjects++
			res.FreedSpaceBytes += o.Size
			return nil
		})
	}
	_ = g.Wait()
}

// archiveAll copies each object under the archive prefix, then deletes the
// source.
func (s *Service) archiveAll(ctx context.Context, namespace string, objs []storage.ObjectInfo, res *CleanupResult) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, o := range objs {
		g.Go(func() error {
			dst := s.cfg.ArchivePrefix + o.Key
			err := guard(namespace, o.Key)
			if err == nil && !s.cfg.DryRun {
				if err = storage.Copy(gctx, s.store, o.Key, dst); err != nil {
					err = fmt.Errorf("copy to %s: %w", dst, err)
				} else {
					err = s.store.Delete(gctx, o.Key)
				}
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("archive %s: %v", o.Key, err))
				return nil
			}
			res.ArchivedObjects++
			res.DeletedObjects++
			res.FreedSpaceBytes += o.Size
			return nil
		})
	}
	_ = g.Wait()
}

// done finalises a result and records metrics, events and logs.
func (s *Service) done(ctx context.Context, res CleanupResult, start time.Time, err error) (CleanupResult, error) {
	res.Duration = time.Since(start)
	sort.Strings(res.Errors)

	action := actionDelete
	if res.Operation == OpArchive {
		action = actionArchive
	}
	s.metrics.Retention(res.Operation, res.ProcessedPaths[0], action, res.DeletedObjects, res.FreedSpaceBytes, len(res.Errors), res.Duration.Seconds())

	detail := map[string]any{
		"deletedObjects":  res.DeletedObjects,
		"freedSpaceBytes": res.FreedSpaceBytes,
		"errors":          len(res.Errors),
		"dryRun":          res.DryRun,
	}
	status := "completed"
	if err != nil {
		status = "failed"
		detail["error"] = err.Error()
	}
	events.Emit(ctx, s.events, s.logger, events.Event{Type: events.TypeRetentionRun, Status: status, Detail: detail})

	level := slog.LevelInfo
	if err != nil || len(res.Errors) > 0 {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "Retention run finished",
		slog.String("operation", res.Operation),
		slog.Int("deleted_objects", res.DeletedObjects),
		slog.Int64("freed_bytes", res.FreedSpaceBytes),
		slog.Int("errors", len(res.Errors)),
		slog.Duration("duration", res.Duration))
	return res, err
}

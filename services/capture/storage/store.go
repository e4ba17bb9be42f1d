// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage provides the Session Store port and its adapters.
//
// # Description
//
// The store is a flat key/value object namespace partitioned by prefix:
//
//	continuous/<date>/<signal>/<shard>.bin   rolling production telemetry
//	sessions/<id>/metadata.json              capture session metadata
//	sessions/<id>/<signal>/<shard>.bin       capture session shards
//	archive/sessions/<id>/...                archived sessions
//	replays/<id>.json                        durable orchestrator status
//
// Adapters: MemoryStore (tests), FileStore (local directory), GCSStore
// (Google Cloud Storage). WithRetry wraps any adapter with backoff on
// idempotent reads.
//
// # Thread Safety
//
// Every adapter is safe for concurrent use. The store never assumes
// exclusive access to the underlying bucket or directory.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
)

// Namespace prefixes.
const (
	ContinuousPrefix = "continuous/"
	SessionsPrefix   = "sessions/"
	ArchivePrefix    = "archive/"
	ReplaysPrefix    = "replays/"

	// MetadataFile is the per-session metadata object name.
	MetadataFile = "metadata.json"
)

// ErrObjectNotFound is returned by Get and Delete when the key is absent.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	Updated time.Time
}

// Store is the Session Store port.
//
// # Description
//
// All methods are potentially blocking I/O and honour ctx cancellation.
// Adapter failures other than a missing key are wrapped with
// datatypes.ErrStorageUnavailable.
type Store interface {
	// Put writes data at key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the object at key or ErrObjectNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns every object whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete removes key. Deleting a missing key returns ErrObjectNotFound.
	Delete(ctx context.Context, key string) error
}

// Copier is an optional capability for server-side copies.
type Copier interface {
	Copy(ctx context.Context, srcKey, dstKey string) error
}

// Copy copies srcKey to dstKey, using the adapter's server-side copy when
// available and a Get+Put otherwise.
func Copy(ctx context.Context, s Store, srcKey, dstKey string) error {
	if c, ok := s.(Copier); ok {
		return c.Copy(ctx, srcKey, dstKey)
	}
	data, err := s.Get(ctx, srcKey)
	if err != nil {
		return err
	}
	return s.Put(ctx, dstKey, data)
}

// =============================================================================
// Key Helpers
// =============================================================================

// SessionPrefix returns "sessions/<id>/".
func SessionPrefix(sessionID string) string {
	return SessionsPrefix + sessionID + "/"
}

// MetadataKey returns "sessions/<id>/metadata.json".
func MetadataKey(sessionID string) string {
	return SessionPrefix(sessionID) + MetadataFile
}

// ShardKey returns "sessions/<id>/<signal>/<n>.bin" with a zero-padded n so
// lexical order equals shard order.
func ShardKey(sessionID, signal string, n int) string {
	return fmt.Sprintf("%s%s/%05d.bin", SessionPrefix(sessionID), signal, n)
}

// ContinuousShardKey returns "continuous/<date>/<signal>/<n>.bin".
func ContinuousShardKey(day time.Time, signal string, n int) string {
	return fmt.Sprintf("%s%s/%s/%05d.bin", ContinuousPrefix, day.UTC().Format("2006-01-02"), signal, n)
}

// ArchiveKey maps a session object key to its archive location.
func ArchiveKey(key string) string {
	return ArchivePrefix + key
}

// ReplayStatusKey returns "replays/<id>.json".
func ReplayStatusKey(sessionID string) string {
	return ReplaysPrefix + sessionID + ".json"
}

// SessionIDFromKey extracts <id> from a "sessions/<id>/..." key.
func SessionIDFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, SessionsPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(key, SessionsPrefix)
	id, _, found := strings.Cut(rest, "/")
	if !found || id == "" {
		return "", false
	}
	return id, true
}

// SignalFromShardKey extracts the signal directory of a shard key.
func SignalFromShardKey(key string) string {
	return path.Base(path.Dir(key))
}

// IsShardKey reports whether key names a shard object.
func IsShardKey(key string) bool {
	return strings.HasSuffix(key, ".bin")
}

// ValidateKey rejects keys that could escape a namespace.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty object key", datatypes.ErrInvalidConfiguration)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: invalid object key %q", datatypes.ErrInvalidConfiguration, key)
	}
	return nil
}

// unavailable wraps an adapter error with ErrStorageUnavailable unless it is
// already classified.
func unavailable(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrObjectNotFound) || errors.Is(err, datatypes.ErrStorageUnavailable) {
		return err
	}
	if ctxErr := datatypes.ClassifyContextError(err); ctxErr != err {
		return fmt.Errorf("%w: %s %s: %w", datatypes.ErrStorageUnavailable, op, key, ctxErr)
	}
	return fmt.Errorf("%w: %s %s: %w", datatypes.ErrStorageUnavailable, op, key, err)
}

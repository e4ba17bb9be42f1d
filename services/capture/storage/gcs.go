// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSConfig configures the Google Cloud Storage adapter.
type GCSConfig struct {
	// Bucket is the bucket name. Required.
	Bucket string `yaml:"bucket"`

	// ObjectPrefix is prepended to every key, e.g. "chaosreplay/".
	ObjectPrefix string `yaml:"object_prefix"`

	// CredentialsFile is a service account key path. Empty uses ADC.
	CredentialsFile string `yaml:"credentials_file"`

	// Endpoint overrides the API endpoint (emulators). Implies no auth.
	Endpoint string `yaml:"endpoint"`
}

// GCSStore stores objects in a GCS bucket.
//
// # Description
//
// Keys are object names below ObjectPrefix. Copy uses a server-side
// CopierFrom so archival never streams object bodies through the process.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying client is.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSStore creates a GCS client and binds it to the bucket.
//
// # Inputs
//
//   - ctx: Context for client creation.
//   - cfg: Bucket and credential settings.
//
// # Outputs
//
//   - *GCSStore: Ready to use. Call Close when done.
//   - error: Non-nil if the credentials file is missing or the client fails.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}

	var opts []option.ClientOption
	switch {
	case cfg.Endpoint != "":
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	case cfg.CredentialsFile != "":
		if _, err := os.Stat(cfg.CredentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", cfg.CredentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}

	prefix := cfg.ObjectPrefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &GCSStore{client: client, bucket: client.Bucket(cfg.Bucket), prefix: prefix}, nil
}

// Close releases the client.
func (g *GCSStore) Close() error {
	return g.client.Close()
}

func (g *GCSStore) object(key string) *storage.ObjectHandle {
	return g.bucket.Object(g.prefix + key)
}

// Put implements Store.
func (g *GCSStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	w := g.object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if strings.HasSuffix(key, ".json") {
		w.ContentType = "application/json"
	}
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return unavailable("put", key, err)
	}
	if err := w.Close(); err != nil {
		return unavailable("put", key, err)
	}
	return nil
}

// Get implements Store.
func (g *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if err != nil {
		return nil, unavailable("get", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, unavailable("get", key, err)
	}
	return data, nil
}

// List implements Store.
func (g *GCSStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: g.prefix + prefix})
	var out []ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, unavailable("list", prefix, err)
		}
		out = append(out, ObjectInfo{
			Key:     strings.TrimPrefix(attrs.Name, g.prefix),
			Size:    attrs.Size,
			Updated: attrs.Updated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Delete implements Store.
func (g *GCSStore) Delete(ctx context.Context, key string) error {
	err := g.object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if err != nil {
		return unavailable("delete", key, err)
	}
	return nil
}

// Copy implements Copier with a server-side copy.
func (g *GCSStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	if err := ValidateKey(dstKey); err != nil {
		return err
	}
	_, err := g.object(dstKey).CopierFrom(g.object(srcKey)).Run(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, srcKey)
	}
	if err != nil {
		return unavailable("copy", srcKey, err)
	}
	return nil
}

var (
	_ Store  = (*GCSStore)(nil)
	_ Copier = (*GCSStore)(nil)
)

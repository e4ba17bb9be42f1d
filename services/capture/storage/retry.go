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
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
)

// RetryPolicy bounds the backoff applied to idempotent reads.
type RetryPolicy struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxTries        uint          `yaml:"max_tries"`
}

// DefaultRetryPolicy returns 4 tries starting at 100ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxTries:        4,
	}
}

// retryStore retries Get and List on ErrStorageUnavailable. Put and Delete
// are passed through untouched; callers decide whether a write is safe to
// repeat.
type retryStore struct {
	Store
	policy RetryPolicy
}

// WithRetry wraps s so that Get and List are retried with exponential
// backoff while they fail with datatypes.ErrStorageUnavailable.
//
// # Description
//
// Not-found, invalid-key and context errors are permanent and returned
// immediately. If s implements Copier the wrapper does too.
//
// # Inputs
//
//   - s: The adapter to wrap.
//   - policy: Backoff bounds. Zero fields take DefaultRetryPolicy values.
//
// # Outputs
//
//   - Store: The decorated store.
func WithRetry(s Store, policy RetryPolicy) Store {
	def := DefaultRetryPolicy()
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = def.InitialInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = def.MaxInterval
	}
	if policy.MaxTries == 0 {
		policy.MaxTries = def.MaxTries
	}
	rs := &retryStore{Store: s, policy: policy}
	if c, ok := s.(Copier); ok {
		return &retryCopierStore{retryStore: rs, copier: c}
	}
	return rs
}

func (r *retryStore) options() []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.policy.MaxTries),
	}
}

func classifyForRetry(err error) error {
	if err == nil {
		return nil
	}
	if !errors.Is(err, datatypes.ErrStorageUnavailable) ||
		errors.Is(err, datatypes.ErrCancelled) ||
		errors.Is(err, datatypes.ErrTimeout) {
		return backoff.Permanent(err)
	}
	return err
}

// Get implements Store.
func (r *retryStore) Get(ctx context.Context, key string) ([]byte, error) {
	return backoff.Retry(ctx, func() ([]byte, error) {
		data, err := r.Store.Get(ctx, key)
		return data, classifyForRetry(err)
	}, r.options()...)
}

// List implements Store.
func (r *retryStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	return backoff.Retry(ctx, func() ([]ObjectInfo, error) {
		objs, err := r.Store.List(ctx, prefix)
		return objs, classifyForRetry(err)
	}, r.options()...)
}

type retryCopierStore struct {
	*retryStore
	copier Copier
}

// Copy implements Copier.
func (r *retryCopierStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	return r.copier.Copy(ctx, srcKey, dstKey)
}

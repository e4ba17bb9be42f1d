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
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data    []byte
	updated time.Time
}

// MemoryStore is an in-process Store used by tests and the "memory"
// storage backend.
//
// # Description
//
// Objects carry an Updated timestamp taken from the injectable clock so
// retention tests can age data without sleeping. FailOn injects errors per
// operation and key prefix.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	now     func() time.Time

	failMu sync.RWMutex
	fail   map[string]error // "op:prefix" -> error
}

// NewMemoryStore creates an empty store using the wall clock.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memoryObject),
		now:     time.Now,
		fail:    make(map[string]error),
	}
}

// SetClock replaces the clock used to stamp writes.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// PutAt writes an object with an explicit Updated time.
func (m *MemoryStore) PutAt(key string, data []byte, updated time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{data: append([]byte(nil), data...), updated: updated}
}

// FailOn makes op ("put", "get", "list", "delete") fail with err for keys
// starting with prefix. A nil err clears the injection.
func (m *MemoryStore) FailOn(op, prefix string, err error) {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	k := op + ":" + prefix
	if err == nil {
		delete(m.fail, k)
		return
	}
	m.fail[k] = err
}

func (m *MemoryStore) injected(op, key string) error {
	m.failMu.RLock()
	defer m.failMu.RUnlock()
	for k, err := range m.fail {
		o, prefix, _ := strings.Cut(k, ":")
		if o == op && strings.HasPrefix(key, prefix) {
			return unavailable(op, key, err)
		}
	}
	return nil
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Put implements Store.
func (m *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return unavailable("put", key, err)
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := m.injected("put", key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{data: append([]byte(nil), data...), updated: m.now()}
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("get", key, err)
	}
	if err := m.injected("get", key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return append([]byte(nil), obj.data...), nil
}

// List implements Store.
func (m *MemoryStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("list", prefix, err)
	}
	if err := m.injected("list", prefix); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]ObjectInfo, 0)
	for k, obj := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, ObjectInfo{Key: k, Size: int64(len(obj.data)), Updated: obj.updated})
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return unavailable("delete", key, err)
	}
	if err := m.injected("delete", key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	delete(m.objects, key)
	return nil
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

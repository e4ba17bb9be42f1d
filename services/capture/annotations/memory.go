// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package annotations

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
)

// MemoryService keeps annotations in a slice. FailAnnotate injects write
// failures.
type MemoryService struct {
	mu      sync.RWMutex
	entries []Entry
	failErr error
}

// NewMemoryService creates an empty service.
func NewMemoryService() *MemoryService {
	return &MemoryService{}
}

// FailAnnotate makes Annotate fail with err. nil clears it.
func (m *MemoryService) FailAnnotate(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Annotate implements Service.
func (m *MemoryService) Annotate(ctx context.Context, e Entry) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, datatypes.ClassifyContextError(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return Entry{}, fmt.Errorf("%w: annotate: %w", datatypes.ErrStorageUnavailable, m.failErr)
	}
	e = prepare(e, time.Now())
	m.entries = append(m.entries, e)
	return e, nil
}

// Query implements Service.
func (m *MemoryService) Query(ctx context.Context, f Filter) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, datatypes.ClassifyContextError(err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0)
	for _, e := range m.entries {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return finish(out, f), nil
}

var _ Service = (*MemoryService)(nil)

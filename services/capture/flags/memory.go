// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flags

import (
	"context"
	"fmt"
	"sync"

	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
)

// Call is one recorded controller invocation.
type Call struct {
	Op   string
	Flag string
}

// MemoryController is an in-process Controller for tests and the "memory"
// flag backend.
//
// # Description
//
// Unknown flags are created on first enable or disable. FailOn injects an
// error per operation; Block makes an operation wait until its ctx is done,
// which exercises call timeouts.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryController struct {
	mu     sync.Mutex
	values map[string]bool
	calls  []Call
	fail   map[string]error
	block  map[string]bool
}

// NewMemoryController creates a controller with the given initial values.
func NewMemoryController(initial map[string]bool) *MemoryController {
	values := make(map[string]bool, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &MemoryController{
		values: values,
		fail:   make(map[string]error),
		block:  make(map[string]bool),
	}
}

// FailOn makes op ("enable", "disable", "get", "evaluate") fail with err.
// A nil err clears the injection.
func (m *MemoryController) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, op)
		return
	}
	m.fail[op] = err
}

// Block makes op wait for ctx cancellation when on is true.
func (m *MemoryController) Block(op string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block[op] = on
}

// Calls returns a copy of the call log.
func (m *MemoryController) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Value returns the current value without recording a call.
func (m *MemoryController) Value(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[name]
}

func (m *MemoryController) begin(ctx context.Context, op, name string) error {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Op: op, Flag: name})
	blocked := m.block[op]
	injected := m.fail[op]
	m.mu.Unlock()

	if blocked {
		<-ctx.Done()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s %s: %w", datatypes.ErrFlagServiceUnavailable, op, name, datatypes.ClassifyContextError(err))
	}
	if injected != nil {
		return fmt.Errorf("%w: %s %s: %w", datatypes.ErrFlagServiceUnavailable, op, name, injected)
	}
	return nil
}

// EnableFlag implements Controller.
func (m *MemoryController) EnableFlag(ctx context.Context, name string) error {
	if err := m.begin(ctx, "enable", name); err != nil {
		return err
	}
	m.mu.Lock()
	m.values[name] = true
	m.mu.Unlock()
	return nil
}

// DisableFlag implements Controller.
func (m *MemoryController) DisableFlag(ctx context.Context, name string) error {
	if err := m.begin(ctx, "disable", name); err != nil {
		return err
	}
	m.mu.Lock()
	m.values[name] = false
	m.mu.Unlock()
	return nil
}

// GetFlagValue implements Controller.
func (m *MemoryController) GetFlagValue(ctx context.Context, name string) (bool, error) {
	if err := m.begin(ctx, "get", name); err != nil {
		return false, err
	}
	return m.Value(name), nil
}

// EvaluateFlag implements Controller.
func (m *MemoryController) EvaluateFlag(ctx context.Context, name string, _ map[string]any) (Evaluation, error) {
	if err := m.begin(ctx, "evaluate", name); err != nil {
		return Evaluation{}, err
	}
	v := m.Value(name)
	variant := variantOff
	if v {
		variant = variantOn
	}
	return Evaluation{Value: v, Variant: variant, Reason: ReasonStatic}, nil
}

var _ Controller = (*MemoryController)(nil)

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tasks runs keyed, cancellable background goroutines.
//
// # Description
//
// Each task is registered under a key such as "<sessionId>-duration" or
// "<sessionId>-loop" so that stop operations cancel exactly the tasks of
// one session. Cancelling is idempotent and safe from any goroutine.
// Panics inside a task are recovered and reported to the registry's
// panic handler instead of crashing the process.
package tasks

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// PanicInfo describes a recovered task panic.
type PanicInfo struct {
	Key        string
	PanicValue interface{}
	Stack      string
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry tracks running tasks by key.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	tasks   map[string]*task
	onPanic func(PanicInfo)
}

// NewRegistry creates a registry. onPanic may be nil.
func NewRegistry(onPanic func(PanicInfo)) *Registry {
	return &Registry{tasks: make(map[string]*task), onPanic: onPanic}
}

// Go starts fn under key with a context derived from parent.
//
// # Description
//
// If a task is already registered under key it is cancelled first; the
// new task replaces it. The entry is removed when fn returns unless it
// has been replaced in the meantime. parent should not be a request
// context: tasks outlive the call that starts them.
//
// # Example
//
//	reg.Go(context.Background(), id+"-duration", func(ctx context.Context) {
//	    select {
//	    case <-time.After(max):
//	        o.StopReplay(context.Background(), id)
//	    case <-ctx.Done():
//	    }
//	})
func (r *Registry) Go(parent context.Context, key string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(parent)
	t := &task{cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	if prev, ok := r.tasks[key]; ok {
		prev.cancel()
	}
	r.tasks[key] = t
	r.mu.Unlock()

	go func() {
		defer func() {
			if rec := recover(); rec != nil && r.onPanic != nil {
				r.onPanic(PanicInfo{Key: key, PanicValue: rec, Stack: string(debug.Stack())})
			}
			cancel()
			r.mu.Lock()
			if r.tasks[key] == t {
				delete(r.tasks, key)
			}
			r.mu.Unlock()
			close(t.done)
		}()
		fn(ctx)
	}()
}

// Cancel cancels the task under key. It reports whether a task was found.
// Cancelling an unknown or finished key is a no-op.
func (r *Registry) Cancel(key string) bool {
	r.mu.Lock()
	t, ok := r.tasks[key]
	r.mu.Unlock()
	if ok {
		t.cancel()
	}
	return ok
}

// CancelPrefix cancels every task whose key starts with prefix and returns
// how many were cancelled.
func (r *Registry) CancelPrefix(prefix string) int {
	r.mu.Lock()
	var found []*task
	for k, t := range r.tasks {
		if strings.HasPrefix(k, prefix) {
			found = append(found, t)
		}
	}
	r.mu.Unlock()
	for _, t := range found {
		t.cancel()
	}
	return len(found)
}

// Wait blocks until the task under key has returned or ctx is done. An
// unknown key returns nil immediately.
func (r *Registry) Wait(ctx context.Context, key string) error {
	r.mu.Lock()
	t, ok := r.tasks[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether a task is registered under key.
func (r *Registry) Running(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[key]
	return ok
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// CancelAll cancels every task and waits for them until ctx is done.
func (r *Registry) CancelAll(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*task, 0, len(r.tasks))
	for _, t := range r.tasks {
		all = append(all, t)
	}
	r.mu.Unlock()

	for _, t := range all {
		t.cancel()
	}
	for _, t := range all {
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

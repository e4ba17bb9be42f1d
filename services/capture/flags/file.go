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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
)

const (
	stateEnabled = "ENABLED"
	variantOn    = "on"
	variantOff   = "off"
)

// flagDefinition is one entry of a flagd "flags" object. Unknown fields
// are kept verbatim in extra.
type flagDefinition struct {
	State          string                     `json:"state"`
	Variants       map[string]any             `json:"variants"`
	DefaultVariant string                     `json:"defaultVariant"`
	Targeting      json.RawMessage            `json:"targeting,omitempty"`
	extra          map[string]json.RawMessage `json:"-"`
}

type flagDocument struct {
	top   map[string]json.RawMessage
	flags map[string]*flagDefinition
}

// FileController edits a flagd flag definition file.
//
// # Description
//
// Enable sets the flag's state to ENABLED and its defaultVariant to "on";
// disable sets defaultVariant to "off". The document is parsed once and
// cached; an fsnotify watch on the containing directory drops the cache
// when another process edits the file. Writes go to a temp file and are
// renamed into place.
//
// # Thread Safety
//
// Safe for concurrent use. Writes are serialised by an internal mutex.
type FileController struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	cached *flagDocument

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewFileController opens the flag file at path.
//
// # Inputs
//
//   - path: flagd JSON definition file. Must exist.
//   - logger: Structured logger. nil uses slog.Default().
//
// # Outputs
//
//   - *FileController: Ready to use. Call Watch to follow external edits.
//   - error: Non-nil if the file cannot be read or parsed.
func NewFileController(path string, logger *slog.Logger) (*FileController, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &FileController{path: path, logger: logger, done: make(chan struct{})}
	if _, err := c.document(); err != nil {
		return nil, err
	}
	return c, nil
}

// Watch starts the fsnotify watch. It returns immediately; Close stops it.
func (c *FileController) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create flag file watcher: %w", err)
	}
	// Watch the directory so rename-into-place edits are still seen.
	if err := w.Add(filepath.Dir(c.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(c.path), err)
	}
	c.watcher = w
	c.wg.Add(1)
	go c.watchLoop()
	return nil
}

func (c *FileController) watchLoop() {
	defer c.wg.Done()
	target := filepath.Clean(c.path)
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			c.mu.Lock()
			c.cached = nil
			c.mu.Unlock()
			c.logger.Debug("Flag file changed, cache dropped", slog.String("path", event.Name))

		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("Flag file watcher error", slog.String("error", err.Error()))

		case <-c.done:
			return
		}
	}
}

// Close stops the watcher. Safe to call multiple times.
func (c *FileController) Close() error {
	select {
	case <-c.done:
		return nil
	default:
		close(c.done)
	}
	var err error
	if c.watcher != nil {
		err = c.watcher.Close()
	}
	c.wg.Wait()
	return err
}

// EnableFlag implements Controller.
func (c *FileController) EnableFlag(ctx context.Context, name string) error {
	return c.setVariant(ctx, name, variantOn)
}

// DisableFlag implements Controller.
func (c *FileController) DisableFlag(ctx context.Context, name string) error {
	return c.setVariant(ctx, name, variantOff)
}

// GetFlagValue implements Controller.
func (c *FileController) GetFlagValue(ctx context.Context, name string) (bool, error) {
	ev, err := c.EvaluateFlag(ctx, name, nil)
	return ev.Value, err
}

// EvaluateFlag implements Controller. Targeting rules are not evaluated;
// a flag with targeting reports ReasonDefault.
func (c *FileController) EvaluateFlag(ctx context.Context, name string, _ map[string]any) (Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return Evaluation{}, fmt.Errorf("%w: %w", datatypes.ErrFlagServiceUnavailable, datatypes.ClassifyContextError(err))
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.documentLocked()
	if err != nil {
		return Evaluation{}, err
	}
	def, ok := doc.flags[name]
	if !ok {
		return Evaluation{}, fmt.Errorf("%w: unknown flag %q", datatypes.ErrInvalidConfiguration, name)
	}
	return evaluate(def), nil
}

func evaluate(def *flagDefinition) Evaluation {
	if def.State != stateEnabled {
		return Evaluation{Value: false, Variant: variantOff, Reason: ReasonDisabled}
	}
	value, _ := def.Variants[def.DefaultVariant].(bool)
	reason := ReasonStatic
	if len(def.Targeting) > 0 && string(def.Targeting) != "{}" {
		reason = ReasonDefault
	}
	return Evaluation{Value: value, Variant: def.DefaultVariant, Reason: reason}
}

func (c *FileController) setVariant(ctx context.Context, name, variant string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", datatypes.ErrFlagServiceUnavailable, datatypes.ClassifyContextError(err))
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	// Always re-read before writing so an external edit is not clobbered.
	c.cached = nil
	doc, err := c.documentLocked()
	if err != nil {
		return err
	}
	def, ok := doc.flags[name]
	if !ok {
		return fmt.Errorf("%w: unknown flag %q", datatypes.ErrInvalidConfiguration, name)
	}
	if def.Variants == nil {
		def.Variants = map[string]any{}
	}
	if _, ok := def.Variants[variantOn]; !ok {
		def.Variants[variantOn] = true
	}
	if _, ok := def.Variants[variantOff]; !ok {
		def.Variants[variantOff] = false
	}
	def.State = stateEnabled
	def.DefaultVariant = variant

	if err := c.writeLocked(doc); err != nil {
		c.cached = nil
		return err
	}
	c.logger.Info("Flag updated",
		slog.String("flag_name", name),
		slog.String("variant", variant))
	return nil
}

func (c *FileController) document() (*flagDocument, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.documentLocked()
}

func (c *FileController) documentLocked() (*flagDocument, error) {
	if c.cached != nil {
		return c.cached, nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("%w: read flag file: %w", datatypes.ErrFlagServiceUnavailable, err)
	}
	doc, err := parseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%w: parse flag file %s: %w", datatypes.ErrFlagServiceUnavailable, c.path, err)
	}
	c.cached = doc
	return doc, nil
}

func (c *FileController) writeLocked(doc *flagDocument) error {
	data, err := doc.marshal()
	if err != nil {
		return fmt.Errorf("%w: encode flag file: %w", datatypes.ErrFlagServiceUnavailable, err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("%w: write flag file: %w", datatypes.ErrFlagServiceUnavailable, err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: replace flag file: %w", datatypes.ErrFlagServiceUnavailable, err)
	}
	return nil
}

// =============================================================================
// Document Codec
// =============================================================================

func parseDocument(data []byte) (*flagDocument, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, err
	}
	doc := &flagDocument{top: top, flags: map[string]*flagDefinition{}}
	rawFlags, ok := top["flags"]
	if !ok {
		return doc, nil
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(rawFlags, &entries); err != nil {
		return nil, fmt.Errorf("flags: %w", err)
	}
	for name, raw := range entries {
		var def flagDefinition
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("flag %s: %w", name, err)
		}
		if err := json.Unmarshal(raw, &def.extra); err != nil {
			return nil, fmt.Errorf("flag %s: %w", name, err)
		}
		for _, k := range []string{"state", "variants", "defaultVariant", "targeting"} {
			delete(def.extra, k)
		}
		doc.flags[name] = &def
	}
	return doc, nil
}

func (d *flagDocument) marshal() ([]byte, error) {
	entries := make(map[string]map[string]any, len(d.flags))
	for name, def := range d.flags {
		m := make(map[string]any, len(def.extra)+4)
		for k, v := range def.extra {
			m[k] = v
		}
		m["state"] = def.State
		m["variants"] = def.Variants
		m["defaultVariant"] = def.DefaultVariant
		if len(def.Targeting) > 0 {
			m["targeting"] = def.Targeting
		}
		entries[name] = m
	}
	rawFlags, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(d.top)+1)
	for k, v := range d.top {
		out[k] = v
	}
	out["flags"] = rawFlags
	return json.MarshalIndent(out, "", "  ")
}

var _ Controller = (*FileController)(nil)

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package flags provides the Feature Flag Controller port and adapters.
//
// # Description
//
// Diagnostics sessions toggle a boolean fault-injection flag. The
// production adapter edits a flagd flag definition file in place; flagd
// picks the change up through its own file watch. MemoryController is the
// test double.
package flags

import (
	"context"
)

// Evaluation reasons.
const (
	ReasonStatic   = "STATIC"
	ReasonDisabled = "DISABLED"
	ReasonDefault  = "DEFAULT"
)

// Evaluation is the result of EvaluateFlag.
type Evaluation struct {
	Value   bool   `json:"value"`
	Variant string `json:"variant,omitempty"`
	Reason  string `json:"reason"`
}

// Controller is the Feature Flag Controller port.
//
// Unknown flags return datatypes.ErrInvalidConfiguration. Backend failures
// return datatypes.ErrFlagServiceUnavailable. Every call honours ctx.
type Controller interface {
	EnableFlag(ctx context.Context, name string) error
	DisableFlag(ctx context.Context, name string) error
	GetFlagValue(ctx context.Context, name string) (bool, error)
	EvaluateFlag(ctx context.Context, name string, evalCtx map[string]any) (Evaluation, error)
}

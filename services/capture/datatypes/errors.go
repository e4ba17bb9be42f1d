// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// Sentinel errors shared by every capture/replay component.
//
// # Description
//
// Call sites wrap these with the underlying cause so that both the category
// and the cause satisfy errors.Is:
//
//	return fmt.Errorf("%w: enable %s: %w", ErrFlagServiceUnavailable, name, err)
//
// ErrStorageUnavailable, ErrTransportFailure and ErrFlagServiceUnavailable may
// be retried by callers when the failed operation is idempotent. They are
// never retried inside state transitions that toggle flags.
var (
	// ErrSessionNotFound is returned when a session id does not resolve.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionAlreadyRunning is returned when a replay or capture for the
	// same session id is already active.
	ErrSessionAlreadyRunning = errors.New("session already running")

	// ErrInvalidConfiguration is returned for bad durations, empty flag names
	// and similar caller mistakes.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrStorageUnavailable wraps object storage failures.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrFlagServiceUnavailable wraps feature flag controller failures.
	ErrFlagServiceUnavailable = errors.New("flag service unavailable")

	// ErrTransportFailure wraps replay delegate and telemetry endpoint failures.
	ErrTransportFailure = errors.New("transport failure")

	// ErrTimeout is returned when an external call exceeds its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrCancelled is returned when an operation was cancelled.
	ErrCancelled = errors.New("cancelled")
)

// ClassifyContextError maps context errors onto the taxonomy.
//
// # Description
//
// context.DeadlineExceeded becomes ErrTimeout and context.Canceled becomes
// ErrCancelled. The original error stays in the chain. Any other error
// (including nil) is returned unchanged.
//
// # Inputs
//
//   - err: Error returned by a blocking call.
//
// # Outputs
//
//   - error: The classified error.
func ClassifyContextError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrCancelled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	default:
		return err
	}
}

// IsRetryable reports whether err belongs to a category that callers may
// retry for idempotent operations.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrTransportFailure) ||
		errors.Is(err, ErrFlagServiceUnavailable) ||
		errors.Is(err, ErrTimeout)
}

// ErrorCode returns a short machine-readable code for err.
//
// Used by the HTTP layer and by durable status records.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrSessionAlreadyRunning):
		return "session_already_running"
	case errors.Is(err, ErrInvalidConfiguration):
		return "invalid_configuration"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, ErrFlagServiceUnavailable):
		return "flag_service_unavailable"
	case errors.Is(err, ErrTransportFailure):
		return "transport_failure"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "internal"
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the capture and replay services over HTTP.
//
// Every handler is a factory returning a gin.HandlerFunc bound to the
// service it calls. Errors are rendered as {"error": ..., "code": ...}
// with a status derived from the error category.
package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
)

// StatusClientClosedRequest is the non-standard status for requests the
// client abandoned.
const StatusClientClosedRequest = 499

// HTTPStatus maps an error category to a response status.
func HTTPStatus(err error) int {
	switch datatypes.ErrorCode(err) {
	case "":
		return http.StatusOK
	case "session_not_found":
		return http.StatusNotFound
	case "session_already_running":
		return http.StatusConflict
	case "invalid_configuration":
		return http.StatusBadRequest
	case "storage_unavailable", "flag_service_unavailable":
		return http.StatusServiceUnavailable
	case "transport_failure":
		return http.StatusBadGateway
	case "timeout":
		return http.StatusGatewayTimeout
	case "cancelled":
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, op string, err error) {
	status := HTTPStatus(err)
	code := datatypes.ErrorCode(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "operation", op, "code", code, "error", err)
	} else {
		slog.Info("request rejected", "operation", op, "code", code, "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}

func badRequest(c *gin.Context, op string, err error) {
	writeError(c, op, fmt.Errorf("%w: %w", datatypes.ErrInvalidConfiguration, err))
}

// duration parses an optional Go duration string.
func duration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

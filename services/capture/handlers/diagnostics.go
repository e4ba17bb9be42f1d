// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
)

// DiagnosticsAPI is the subset of *diagnostics.Manager the routes use.
type DiagnosticsAPI interface {
	CreateSession(ctx context.Context, cfg datatypes.DiagnosticsConfig) (datatypes.DiagnosticsSession, error)
	StartSession(ctx context.Context, id string) (datatypes.DiagnosticsSession, error)
	StopSession(ctx context.Context, id string) (datatypes.DiagnosticsSession, error)
	GetSession(ctx context.Context, id string) (datatypes.DiagnosticsSession, error)
	ListSessions(ctx context.Context) []datatypes.DiagnosticsSession
	GetSessionAnnotations(ctx context.Context, id string) ([]datatypes.Annotation, error)
}

// DiagnosticsRequest is the body of POST /v1/diagnostics. Durations are Go
// duration strings such as "30s".
type DiagnosticsRequest struct {
	FlagName        string         `json:"flagName"`
	Name            string         `json:"name"`
	CaptureInterval string         `json:"captureInterval"`
	WarmupDelay     string         `json:"warmupDelay"`
	TestDuration    string         `json:"testDuration"`
	Metadata        map[string]any `json:"metadata"`
	// Start begins the session immediately after creating it.
	Start bool `json:"start"`
}

func (r DiagnosticsRequest) config() (datatypes.DiagnosticsConfig, error) {
	cfg := datatypes.DiagnosticsConfig{FlagName: r.FlagName, Name: r.Name, Metadata: r.Metadata}
	var err error
	if cfg.CaptureInterval, err = duration("captureInterval", r.CaptureInterval); err != nil {
		return cfg, err
	}
	if cfg.WarmupDelay, err = duration("warmupDelay", r.WarmupDelay); err != nil {
		return cfg, err
	}
	if cfg.TestDuration, err = duration("testDuration", r.TestDuration); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func CreateDiagnosticsSession(api DiagnosticsAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req DiagnosticsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "create_diagnostics", err)
			return
		}
		cfg, err := req.config()
		if err != nil {
			badRequest(c, "create_diagnostics", err)
			return
		}
		session, err := api.CreateSession(c.Request.Context(), cfg)
		if err != nil {
			writeError(c, "create_diagnostics", err)
			return
		}
		if req.Start {
			if session, err = api.StartSession(c.Request.Context(), session.ID); err != nil {
				writeError(c, "start_diagnostics", err)
				return
			}
		}
		slog.Info("Diagnostics session created", "session_id", session.ID, "flag_name", session.FlagName)
		c.JSON(http.StatusCreated, session)
	}
}

func ListDiagnosticsSessions(api DiagnosticsAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": api.ListSessions(c.Request.Context())})
	}
}

func GetDiagnosticsSession(api DiagnosticsAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := api.GetSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, "get_diagnostics", err)
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

func StartDiagnosticsSession(api DiagnosticsAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := api.StartSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, "start_diagnostics", err)
			return
		}
		c.JSON(http.StatusAccepted, session)
	}
}

func StopDiagnosticsSession(api DiagnosticsAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := api.StopSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, "stop_diagnostics", err)
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

func GetDiagnosticsAnnotations(api DiagnosticsAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		notes, err := api.GetSessionAnnotations(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, "get_annotations", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"annotations": notes})
	}
}

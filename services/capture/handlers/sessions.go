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
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
	"github.com/AleutianAI/chaosreplay/services/capture/retention"
	"github.com/AleutianAI/chaosreplay/services/capture/seed"
)

// SessionsAPI is the subset of *sessions.Manager the routes use.
type SessionsAPI interface {
	ListSessions(ctx context.Context, filter datatypes.SessionFilter) ([]datatypes.CaptureSessionMetadata, error)
	SelectSession(ctx context.Context, strategy datatypes.SelectionStrategy, filter datatypes.SessionFilter) (datatypes.CaptureSessionMetadata, error)
	GetSession(ctx context.Context, id string) (datatypes.CaptureSessionMetadata, error)
}

// Seeder generates synthetic sessions.
type Seeder interface {
	Generate(ctx context.Context, cfg seed.SeedConfig) (datatypes.CaptureSessionMetadata, error)
}

// RetentionAPI is the subset of *retention.Service the routes use.
type RetentionAPI interface {
	ApplyContinuousRetention(ctx context.Context, olderThanDays int) (retention.CleanupResult, error)
	ApplySessionRetention(ctx context.Context, olderThanDays int) (retention.CleanupResult, error)
	ArchiveOldSessions(ctx context.Context, olderThanDays int) (retention.CleanupResult, error)
}

// sessionQuery binds the filter query parameters shared by list and select.
type sessionQuery struct {
	Type          datatypes.SessionType       `form:"type"`
	Status        datatypes.CaptureStatus     `form:"status"`
	FlagName      string                      `form:"flagName"`
	StartedAfter  time.Time                   `form:"startedAfter" time_format:"2006-01-02T15:04:05Z07:00"`
	StartedBefore time.Time                   `form:"startedBefore" time_format:"2006-01-02T15:04:05Z07:00"`
	Strategy      datatypes.SelectionStrategy `form:"strategy"`
}

func (q sessionQuery) filter() datatypes.SessionFilter {
	return datatypes.SessionFilter{
		SessionType:   q.Type,
		Status:        q.Status,
		FlagName:      q.FlagName,
		StartedAfter:  q.StartedAfter,
		StartedBefore: q.StartedBefore,
	}
}

func ListSessions(api SessionsAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		var q sessionQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			badRequest(c, "list_sessions", err)
			return
		}
		list, err := api.ListSessions(c.Request.Context(), q.filter())
		if err != nil {
			writeError(c, "list_sessions", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": list, "count": len(list)})
	}
}

func SelectSession(api SessionsAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		var q sessionQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			badRequest(c, "select_session", err)
			return
		}
		meta, err := api.SelectSession(c.Request.Context(), q.Strategy, q.filter())
		if err != nil {
			writeError(c, "select_session", err)
			return
		}
		c.JSON(http.StatusOK, meta)
	}
}

func GetSession(api SessionsAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		meta, err := api.GetSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, "get_session", err)
			return
		}
		c.JSON(http.StatusOK, meta)
	}
}

// SeedRequest is the body of POST /v1/seeds.
type SeedRequest struct {
	Pattern     string  `json:"pattern"`
	Duration    string  `json:"duration"`
	Rate        float64 `json:"rate"`
	ErrorRate   float64 `json:"errorRate"`
	Seed        int64   `json:"seed"`
	SessionID   string  `json:"sessionId"`
	Description string  `json:"description"`
}

func GenerateSeed(g Seeder) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SeedRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "generate_seed", err)
			return
		}
		d, err := duration("duration", req.Duration)
		if err != nil {
			badRequest(c, "generate_seed", err)
			return
		}
		meta, err := g.Generate(c.Request.Context(), seed.SeedConfig{
			Pattern:     req.Pattern,
			Duration:    d,
			Rate:        req.Rate,
			ErrorRate:   req.ErrorRate,
			Seed:        req.Seed,
			SessionID:   req.SessionID,
			Description: req.Description,
		})
		if err != nil {
			writeError(c, "generate_seed", err)
			return
		}
		slog.Info("Seed session generated", "session_id", meta.SessionID, "pattern", req.Pattern)
		c.JSON(http.StatusCreated, meta)
	}
}

// RetentionRequest is the body of POST /v1/retention/*.
type RetentionRequest struct {
	OlderThanDays int `json:"olderThanDays"`
}

// ApplyRetention runs one retention operation: "continuous", "sessions" or
// "archive".
func ApplyRetention(api RetentionAPI, operation string) gin.HandlerFunc {
	run := map[string]func(context.Context, int) (retention.CleanupResult, error){
		retention.OpContinuous: api.ApplyContinuousRetention,
		retention.OpSessions:   api.ApplySessionRetention,
		retention.OpArchive:    api.ArchiveOldSessions,
	}[operation]
	return func(c *gin.Context) {
		if run == nil {
			badRequest(c, "retention", fmt.Errorf("unknown retention operation %q", operation))
			return
		}
		var req RetentionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "retention_"+operation, err)
			return
		}
		res, err := run(c.Request.Context(), req.OlderThanDays)
		if err != nil {
			writeError(c, "retention_"+operation, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

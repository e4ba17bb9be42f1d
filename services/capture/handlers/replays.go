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

// ReplayAPI is the subset of *replay.Orchestrator the routes use.
type ReplayAPI interface {
	StartReplay(ctx context.Context, cfg datatypes.OrchestratorConfig) (datatypes.OrchestratorStatus, error)
	StopReplay(ctx context.Context, id string) error
	PauseReplay(ctx context.Context, id string) (datatypes.OrchestratorStatus, error)
	ResumeReplay(ctx context.Context, id string) (datatypes.OrchestratorStatus, error)
	GetStatus(ctx context.Context, id string) (datatypes.OrchestratorStatus, error)
	ListStatuses() []datatypes.OrchestratorStatus
}

// ReplayRequest is the body of POST /v1/replays.
type ReplayRequest struct {
	SessionID         string                      `json:"sessionId"`
	SelectionStrategy datatypes.SelectionStrategy `json:"selectionStrategy"`
	SessionFilter     datatypes.SessionFilter     `json:"sessionFilter"`
	MaxDuration       string                      `json:"maxDuration"`
	LoopEnabled       bool                        `json:"loopEnabled"`
	SpeedMultiplier   float64                     `json:"speedMultiplier"`
	TargetEndpoint    string                      `json:"targetEndpoint"`
	Signals           *datatypes.SignalToggles    `json:"signals"`
	TimestampMode     datatypes.TimestampMode     `json:"timestampMode"`
}

func (r ReplayRequest) config() (datatypes.OrchestratorConfig, error) {
	maxDuration, err := duration("maxDuration", r.MaxDuration)
	if err != nil {
		return datatypes.OrchestratorConfig{}, err
	}
	cfg := datatypes.OrchestratorConfig{
		SessionID:       r.SessionID,
		Strategy:        r.SelectionStrategy,
		Filter:          r.SessionFilter,
		MaxDuration:     maxDuration,
		LoopEnabled:     r.LoopEnabled,
		SpeedMultiplier: r.SpeedMultiplier,
		TargetEndpoint:  r.TargetEndpoint,
		TimestampMode:   r.TimestampMode,
	}
	if cfg.SessionID == "" {
		cfg.SessionID = datatypes.AutoSessionID
	}
	if r.Signals != nil {
		cfg.Signals = *r.Signals
	}
	return cfg, nil
}

func StartReplay(api ReplayAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "start_replay", err)
			return
		}
		cfg, err := req.config()
		if err != nil {
			badRequest(c, "start_replay", err)
			return
		}
		status, err := api.StartReplay(c.Request.Context(), cfg)
		if err != nil {
			writeError(c, "start_replay", err)
			return
		}
		slog.Info("Replay started over HTTP", "session_id", status.SessionID, "loop_enabled", status.LoopEnabled)
		c.JSON(http.StatusAccepted, status)
	}
}

func ListReplays(api ReplayAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"replays": api.ListStatuses()})
	}
}

func GetReplay(api ReplayAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := api.GetStatus(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, "get_replay", err)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

// StopReplay answers with the status after the stop. Stopping a finished
// replay returns its final status.
func StopReplay(api ReplayAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := api.StopReplay(c.Request.Context(), id); err != nil {
			writeError(c, "stop_replay", err)
			return
		}
		status, err := api.GetStatus(c.Request.Context(), id)
		if err != nil {
			writeError(c, "stop_replay", err)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

func PauseReplay(api ReplayAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := api.PauseReplay(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, "pause_replay", err)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

func ResumeReplay(api ReplayAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := api.ResumeReplay(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, "resume_replay", err)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

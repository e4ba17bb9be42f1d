// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/chaosreplay/services/capture/handlers"
	"github.com/AleutianAI/chaosreplay/services/capture/retention"
)

// Dependencies are the services behind the control surface. A nil
// service leaves its route group unregistered.
type Dependencies struct {
	Diagnostics handlers.DiagnosticsAPI
	Replays     handlers.ReplayAPI
	Sessions    handlers.SessionsAPI
	Seeds       handlers.Seeder
	Retention   handlers.RetentionAPI
	Gatherer    prometheus.Gatherer
}

// NewRouter builds a gin engine with recovery and otelgin tracing and
// registers every route.
func NewRouter(serviceName string, deps Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(serviceName))
	SetupRoutes(router, deps)
	return router
}

func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.GET("/health", handlers.HealthCheck)
	if deps.Gatherer != nil {
		router.GET("/metrics", handlers.Metrics(deps.Gatherer))
	}

	// API version 1 group
	v1 := router.Group("/v1")
	{
		if deps.Diagnostics != nil {
			diagnostics := v1.Group("/diagnostics")
			{
				diagnostics.POST("", handlers.CreateDiagnosticsSession(deps.Diagnostics))
				diagnostics.GET("", handlers.ListDiagnosticsSessions(deps.Diagnostics))
				diagnostics.GET("/:id", handlers.GetDiagnosticsSession(deps.Diagnostics))
				diagnostics.POST("/:id/start", handlers.StartDiagnosticsSession(deps.Diagnostics))
				diagnostics.POST("/:id/stop", handlers.StopDiagnosticsSession(deps.Diagnostics))
				diagnostics.GET("/:id/annotations", handlers.GetDiagnosticsAnnotations(deps.Diagnostics))
			}
		}
		if deps.Replays != nil {
			replays := v1.Group("/replays")
			{
				replays.POST("", handlers.StartReplay(deps.Replays))
				replays.GET("", handlers.ListReplays(deps.Replays))
				replays.GET("/:id", handlers.GetReplay(deps.Replays))
				replays.GET("/:id/watch", handlers.WatchReplay(deps.Replays))
				replays.POST("/:id/stop", handlers.StopReplay(deps.Replays))
				replays.POST("/:id/pause", handlers.PauseReplay(deps.Replays))
				replays.POST("/:id/resume", handlers.ResumeReplay(deps.Replays))
			}
		}
		if deps.Sessions != nil {
			sessions := v1.Group("/sessions")
			{
				sessions.GET("", handlers.ListSessions(deps.Sessions))
				sessions.GET("/select", handlers.SelectSession(deps.Sessions))
				sessions.GET("/:id", handlers.GetSession(deps.Sessions))
			}
		}
		if deps.Seeds != nil {
			v1.POST("/seeds", handlers.GenerateSeed(deps.Seeds))
		}
		if deps.Retention != nil {
			ret := v1.Group("/retention")
			{
				ret.POST("/continuous", handlers.ApplyRetention(deps.Retention, retention.OpContinuous))
				ret.POST("/sessions", handlers.ApplyRetention(deps.Retention, retention.OpSessions))
				ret.POST("/archive", handlers.ApplyRetention(deps.Retention, retention.OpArchive))
			}
		}
	}
}

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
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
)

const (
	defaultWatchInterval = time.Second
	minWatchInterval     = 10 * time.Millisecond
	watchWriteTimeout    = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// WatchReplay streams the replay status over a WebSocket.
//
// # Description
//
// A status frame is written immediately and then every ?interval= (Go
// duration, default 1s). The stream ends with a normal close frame once
// the replay reaches stopped or idle, or when the client disconnects.
// An unknown id is rejected with 404 before the upgrade.
func WatchReplay(api ReplayAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		interval, err := duration("interval", c.Query("interval"))
		if err != nil {
			badRequest(c, "watch_replay", err)
			return
		}
		if interval == 0 {
			interval = defaultWatchInterval
		}
		interval = max(interval, minWatchInterval)

		status, err := api.GetStatus(c.Request.Context(), id)
		if err != nil {
			writeError(c, "watch_replay", err)
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "session_id", id, "error", err)
			return
		}
		defer ws.Close()

		ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
		defer cancel()
		// Reads only detect the client going away.
		go func() {
			defer cancel()
			for {
				if _, _, err := ws.NextReader(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			_ = ws.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
			if err := ws.WriteJSON(status); err != nil {
				slog.Warn("Failed to write WebSocket JSON", "session_id", id, "error", err)
				return
			}
			if status.Status == datatypes.OrchestratorStopped || status.Status == datatypes.OrchestratorIdle {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(status.Status))
				_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(watchWriteTimeout))
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if status, err = api.GetStatus(ctx, id); err != nil {
				msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, datatypes.ErrorCode(err))
				_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(watchWriteTimeout))
				return
			}
		}
	}
}

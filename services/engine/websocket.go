// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 64 * 1024,
}

const signalPingInterval = 30 * time.Second

func sendJSON(ws *websocket.Conn, v interface{}) error {
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}

// handleSignalStream streams breakout signals over a websocket.
//
// The client receives each signal as one JSON message as it fires.
// Slow clients miss signals rather than stall the detector; missed
// signals remain available through the /v1/signals history.
func handleSignalStream(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		// Stream id correlates connect, disconnect, and write failures
		// for one subscriber across log lines.
		streamID := uuid.NewString()
		s.logger.Debug("signal stream opened",
			slog.String("stream_id", streamID),
			slog.String("remote", c.ClientIP()))
		defer s.logger.Debug("signal stream closed", slog.String("stream_id", streamID))

		signals, cancel := s.detector.Subscribe()
		defer cancel()

		// Drain client frames so close and pong handling work; the
		// stream is one-directional otherwise.
		clientGone := make(chan struct{})
		go func() {
			defer close(clientGone)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(signalPingInterval)
		defer ping.Stop()

		for {
			select {
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if err := sendJSON(ws, sig); err != nil {
					return
				}
			case <-ping.C:
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-clientGone:
				return
			case <-c.Request.Context().Done():
				return
			}
		}
	}
}

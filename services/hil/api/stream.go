// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const writeWait = time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// handleStream upgrades to a websocket and pushes a StreamMessage whenever
// an endpoint records a new tick. An optional "endpoint" query parameter
// restricts the stream to one endpoint. Client messages are ignored; the
// stream ends when the client disconnects or the server closes.
func (s *Server) handleStream(c *gin.Context) {
	endpoints := s.endpoints
	if name := c.Query("endpoint"); name != "" {
		ep, ok := s.endpoint(name)
		if !ok {
			c.JSON(http.StatusNotFound, errorResponse{Error: "unknown endpoint " + name})
			return
		}
		endpoints = []Endpoint{ep}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("stream upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	seen := make(map[int]uint64, len(endpoints))
	for {
		select {
		case <-gone:
			return
		case <-s.quit:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-ticker.C:
			for i, ep := range endpoints {
				snap, ok := ep.Latest()
				if !ok {
					continue
				}
				if tick, sent := seen[i]; sent && tick == snap.Tick {
					continue
				}
				seen[i] = snap.Tick
				st := ep.Stats()
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(StreamMessage{
					Endpoint: st.Endpoint,
					RunID:    st.RunID,
					Snapshot: snap,
				}); err != nil {
					s.logger.Debug("stream closed", slog.String("error", err.Error()))
					return
				}
			}
		}
	}
}

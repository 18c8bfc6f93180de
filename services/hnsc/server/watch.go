// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"net/http"
	"reflect"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/hnsc/services/hnsc/hnscerr"
	"github.com/AleutianAI/hnsc/services/hnsc/workflow"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const (
	watchInterval      = 250 * time.Millisecond
	watchWriteDeadline = 5 * time.Second
)

// handleWatchWorkflow handles GET /v1/workflows/:id/watch. The stream sends
// the current status snapshot immediately, then one message per observed
// change, and closes after the terminal snapshot. Watching an already
// terminal execution yields exactly one message.
func (h *Handlers) handleWatchWorkflow(c *gin.Context) {
	reqID := requestIDOf(c)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.writeError(c, reqID, hnscerr.SchemaError("execution id must be a UUID"))
		return
	}

	// Resolve once before hijacking so an unknown id gets a plain HTTP
	// 404 instead of a doomed upgrade.
	st, err := h.svc.WorkflowStatus(c.Request.Context(), id)
	if err != nil {
		h.writeLookupError(c, reqID, err)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote its own error response.
		h.logger.Warn("websocket upgrade failed",
			"request_id", reqID.String(), "error", err)
		return
	}
	defer ws.Close()

	logger := h.logger.With(
		"request_id", reqID.String(),
		"execution_id", id.String(),
		"handler", "watch",
	)
	logger.Debug("watch stream opened")

	// The client sends no application data; reading is what notices the
	// connection closing underneath us.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if !sendStatus(ws, st) {
		return
	}
	last := st

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for !last.Overall.Terminal() {
		select {
		case <-ctx.Done():
			return
		case <-clientGone:
			return
		case <-ticker.C:
		}

		st, err = h.svc.WorkflowStatus(ctx, id)
		if err != nil {
			logger.Warn("status poll failed", "error", err)
			return
		}
		if reflect.DeepEqual(st, last) {
			continue
		}
		if !sendStatus(ws, st) {
			return
		}
		last = st
	}

	deadline := time.Now().Add(watchWriteDeadline)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "execution terminal"),
		deadline)
	logger.Debug("watch stream closed", "overall", string(last.Overall))
}

func sendStatus(ws *websocket.Conn, st workflow.Status) bool {
	_ = ws.SetWriteDeadline(time.Now().Add(watchWriteDeadline))
	return ws.WriteJSON(st) == nil
}

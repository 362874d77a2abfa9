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
	"errors"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/MemoryChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/MemoryChat/services/orchestrator/sessions"
	"github.com/gin-gonic/gin"
)

// GetSession returns the committed history of one session, or 404.
func GetSession(svc SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("sessionId")
		history, err := svc.Session(id)
		if errors.Is(err, sessions.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "session not found", SessionID: id})
			return
		}
		if err != nil {
			slog.Error("Failed to read session", "session_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to read session", SessionID: id})
			return
		}
		c.JSON(http.StatusOK, datatypes.SessionHistoryResponse{SessionID: id, History: history})
	}
}

// DeleteSession removes one session. Absent sessions also return 200.
func DeleteSession(svc SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("sessionId")
		slog.Info("Received a request to delete a session", "session_id", id)
		if err := svc.DeleteSession(c.Request.Context(), id); err != nil {
			status, body := turnErrorResponse(err, id)
			c.JSON(status, body)
			return
		}
		c.JSON(http.StatusOK, datatypes.SessionDeletedResponse{
			Message:   "session deleted",
			SessionID: id,
		})
	}
}

// ClearSessions removes every session.
func ClearSessions(svc SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		n := svc.ClearSessions()
		c.JSON(http.StatusOK, datatypes.SessionsClearedResponse{
			Message: "all sessions cleared",
			Cleared: n,
		})
	}
}

// ListSessions returns the ids of all live sessions.
func ListSessions(svc SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, datatypes.SessionListResponse{Sessions: svc.ListSessions()})
	}
}

// Health reports liveness and the number of live sessions.
func Health(svc SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, datatypes.HealthResponse{Status: "ok", Sessions: svc.ActiveSessions()})
	}
}

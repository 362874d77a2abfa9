// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the gin handlers of the orchestrator's HTTP API.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/MemoryChat/services/llm"
	"github.com/AleutianAI/MemoryChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/MemoryChat/services/orchestrator/services"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var chatTracer = otel.Tracer("memorychat.orchestrator.handlers")

// StatusClientClosedRequest is the non-standard status recorded when the
// client goes away before its turn finishes.
const StatusClientClosedRequest = 499

// SessionService is what the handlers need from the session orchestrator.
type SessionService interface {
	Chat(ctx context.Context, req services.TurnRequest) (*services.TurnResult, error)
	Session(id string) ([]llm.Message, error)
	DeleteSession(ctx context.Context, id string) error
	ClearSessions() int
	ListSessions() []string
	ActiveSessions() int
}

var _ SessionService = (*services.SessionOrchestrator)(nil)

// HandleMemoryChat runs one chat turn.
//
// # Description
//
// POST /memory-chat with {sessionId?, input}. Returns
// {completion, sessionId, history}. A missing or unknown sessionId starts a
// new session.
//
// # Responses
//
//   - 200: turn completed.
//   - 400: malformed or invalid body.
//   - 499: client cancelled.
//   - 502: the conversation engine failed; the turn can be retried.
//   - 504: deadline exceeded.
//   - 500: anything else.
func HandleMemoryChat(svc SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleMemoryChat")
		defer span.End()

		var req datatypes.MemoryChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			slog.Warn("Failed to parse the memory chat request", "error", err)
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error(), SessionID: req.SessionID})
			return
		}

		res, err := svc.Chat(ctx, services.TurnRequest{SessionID: req.SessionID, Input: req.Input})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			status, body := turnErrorResponse(err, req.SessionID)
			c.JSON(status, body)
			return
		}

		c.JSON(http.StatusOK, datatypes.MemoryChatResponse{
			Completion: res.Completion,
			SessionID:  res.SessionID,
			History:    res.History,
		})
	}
}

func turnErrorResponse(err error, sessionID string) (int, datatypes.ErrorResponse) {
	var engineErr *services.EngineError
	switch {
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, datatypes.ErrorResponse{Error: "request cancelled", SessionID: sessionID}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, datatypes.ErrorResponse{Error: "conversation engine timed out", SessionID: sessionID}
	case errors.As(err, &engineErr):
		return http.StatusBadGateway, datatypes.ErrorResponse{Error: engineErr.Error(), SessionID: engineErr.SessionID}
	default:
		slog.Error("Memory chat turn failed", "error", err)
		return http.StatusInternalServerError, datatypes.ErrorResponse{Error: "internal error", SessionID: sessionID}
	}
}

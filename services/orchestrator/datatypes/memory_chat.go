// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the request and response bodies of the
// orchestrator's HTTP API.
package datatypes

import (
	"github.com/AleutianAI/MemoryChat/services/llm"
	"github.com/go-playground/validator/v10"
)

// MaxInputBytes caps the size of one chat input (32KB).
const MaxInputBytes = 32 * 1024

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length, not rune count, so large multi-byte
// payloads are rejected as well.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxInputBytes
}

// =============================================================================
// Memory Chat
// =============================================================================

// MemoryChatRequest is the body of POST /memory-chat.
//
// # Fields
//
//   - SessionID: Optional. Continue this session when it is live; otherwise a
//     new session with a fresh id is created.
//   - Input: Required. The user's message, at most 32KB.
type MemoryChatRequest struct {
	SessionID string `json:"sessionId,omitempty" validate:"omitempty,max=128"`
	Input     string `json:"input" validate:"required,maxbytes"`
}

// Validate checks the request against its validation tags.
func (r *MemoryChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// MemoryChatResponse is the body of a successful POST /memory-chat.
type MemoryChatResponse struct {
	Completion string        `json:"completion"`
	SessionID  string        `json:"sessionId"`
	History    []llm.Message `json:"history"`
}

// =============================================================================
// Session Management
// =============================================================================

// SessionHistoryResponse is the body of GET /session/:sessionId.
type SessionHistoryResponse struct {
	SessionID string        `json:"sessionId"`
	History   []llm.Message `json:"history"`
}

// SessionDeletedResponse is the body of POST /session/:sessionId/delete.
type SessionDeletedResponse struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

// SessionsClearedResponse is the body of POST /sessions/clear.
type SessionsClearedResponse struct {
	Message string `json:"message"`
	Cleared int    `json:"cleared"`
}

// SessionListResponse is the body of GET /sessions.
type SessionListResponse struct {
	Sessions []string `json:"sessions"`
}

// ErrorResponse is the body of every failed request. SessionID is set when
// the failure concerns a specific session.
type ErrorResponse struct {
	Error     string `json:"error"`
	SessionID string `json:"sessionId,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

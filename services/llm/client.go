// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the conversation engines that back chat sessions.
//
// # Description
//
// An Engine is a stateful conversational capability: every call to Submit
// sends a prompt to an upstream model and, on success, appends the prompt and
// the completion to the engine's own memory. The orchestrator only depends on
// the Engine interface; the concrete backends live in this package:
//
//   - ConversationEngine: langchaingo ConversationChain over a buffer memory.
//     Models come from langchaingo's openai or ollama providers.
//   - ChatEngine: direct OpenAI chat completions via go-openai.
//
// # Thread Safety
//
// Engines are NOT safe for concurrent Submit calls. Each engine belongs to
// exactly one session and callers serialize access with the session's turn
// lock. History may be called concurrently with itself.
package llm

import (
	"context"
	"errors"
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleHuman marks a prompt submitted to the engine.
	RoleHuman Role = "human"
	// RoleAI marks a completion produced by the engine.
	RoleAI Role = "ai"
	// RoleSystem marks a system instruction.
	RoleSystem Role = "system"
)

// Message is a single entry in an engine's turn history.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// ErrEmptyCompletion is returned when the upstream model answers with no
// content at all.
var ErrEmptyCompletion = errors.New("llm: model returned no completion")

// Engine is the conversational capability bound to a single session.
//
// # Description
//
// Submit is the only operation that talks to the upstream provider and may
// block. A failed Submit must not change the engine's history.
//
// # Assumptions
//
//   - Callers never invoke Submit concurrently on the same engine.
type Engine interface {
	// Submit sends prompt to the model and returns its completion. On success
	// the prompt and completion are appended to the history as a turn-pair.
	Submit(ctx context.Context, prompt string) (string, error)

	// History returns a copy of the ordered turn history.
	History(ctx context.Context) ([]Message, error)
}

// EngineFactory builds a fresh Engine with empty memory. Every call must
// return a distinct instance.
type EngineFactory interface {
	NewEngine() (Engine, error)
}

// EngineFactoryFunc adapts a function to EngineFactory.
type EngineFactoryFunc func() (Engine, error)

// NewEngine calls f.
func (f EngineFactoryFunc) NewEngine() (Engine, error) {
	return f()
}

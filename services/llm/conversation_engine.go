// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tmc/langchaingo/chains"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/memory"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var engineTracer = otel.Tracer("memorychat.llm")

// ConversationEngine is an Engine backed by a langchaingo ConversationChain.
//
// # Description
//
// Each engine owns its own ConversationBuffer, so the model sees the full
// prior exchange on every call. The buffer is written by the chain only after
// the model call succeeds, which keeps failed turns out of the history.
//
// # Thread Safety
//
// Submit must be serialized by the caller. The underlying llms.Model may be
// shared between engines.
type ConversationEngine struct {
	chain  chains.LLMChain
	buffer *memory.ConversationBuffer
	opts   []chains.ChainCallOption
}

// NewConversationEngine creates an engine with an empty buffer memory on top
// of model. A temperature of zero leaves the provider default in place.
func NewConversationEngine(model llms.Model, temperature float64) *ConversationEngine {
	buffer := memory.NewConversationBuffer()
	var opts []chains.ChainCallOption
	if temperature > 0 {
		opts = append(opts, chains.WithTemperature(temperature))
	}
	return &ConversationEngine{
		chain:  chains.NewConversation(model, buffer),
		buffer: buffer,
		opts:   opts,
	}
}

// Submit runs one conversation turn through the chain.
func (e *ConversationEngine) Submit(ctx context.Context, prompt string) (string, error) {
	ctx, span := engineTracer.Start(ctx, "ConversationEngine.Submit")
	defer span.End()
	span.SetAttributes(attribute.Int("prompt.length", len(prompt)))

	completion, err := chains.Run(ctx, e.chain, prompt, e.opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("conversation chain call failed: %w", err)
	}
	slog.Debug("conversation chain completed", "completion_length", len(completion))
	return completion, nil
}

// History converts the buffer's chat history into Messages.
func (e *ConversationEngine) History(ctx context.Context) ([]Message, error) {
	msgs, err := e.buffer.ChatHistory.Messages(ctx)
	if err != nil {
		return nil, fmt.Errorf("read conversation buffer: %w", err)
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{Role: roleFromChatType(m.GetType()), Text: m.GetContent()})
	}
	return out, nil
}

func roleFromChatType(t llms.ChatMessageType) Role {
	switch t {
	case llms.ChatMessageTypeHuman:
		return RoleHuman
	case llms.ChatMessageTypeAI:
		return RoleAI
	case llms.ChatMessageTypeSystem:
		return RoleSystem
	default:
		return Role(t)
	}
}

var _ Engine = (*ConversationEngine)(nil)

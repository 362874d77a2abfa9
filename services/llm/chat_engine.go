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
	"sync"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// chatCompleter is the subset of *openai.Client used by ChatEngine.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ChatEngine is an Engine that talks to the OpenAI chat completions API
// directly and keeps the conversation as a slice of chat messages.
//
// # Description
//
// Every Submit sends the whole stored conversation plus the new user message.
// The user message and the assistant reply are committed together once the
// API call succeeds.
type ChatEngine struct {
	client      chatCompleter
	model       string
	temperature float32

	mu       sync.RWMutex
	messages []openai.ChatCompletionMessage
}

// NewChatEngine creates an engine with an empty conversation.
func NewChatEngine(client chatCompleter, model string, temperature float32) *ChatEngine {
	return &ChatEngine{
		client:      client,
		model:       model,
		temperature: temperature,
	}
}

// Submit sends prompt together with the stored conversation.
func (e *ChatEngine) Submit(ctx context.Context, prompt string) (string, error) {
	ctx, span := engineTracer.Start(ctx, "ChatEngine.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("model", e.model))

	userMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt}

	e.mu.RLock()
	reqMessages := make([]openai.ChatCompletionMessage, 0, len(e.messages)+1)
	reqMessages = append(reqMessages, e.messages...)
	e.mu.RUnlock()
	reqMessages = append(reqMessages, userMsg)

	req := openai.ChatCompletionRequest{
		Model:       e.model,
		Messages:    reqMessages,
		Temperature: e.temperature,
	}
	resp, err := e.client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("OpenAI API call failed", "model", e.model, "error", err)
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		span.SetStatus(codes.Error, "no choices")
		return "", ErrEmptyCompletion
	}

	completion := resp.Choices[0].Message.Content
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)

	e.mu.Lock()
	e.messages = append(e.messages, userMsg, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: completion,
	})
	e.mu.Unlock()
	return completion, nil
}

// History returns the committed conversation.
func (e *ChatEngine) History(_ context.Context) ([]Message, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Message, 0, len(e.messages))
	for _, m := range e.messages {
		out = append(out, Message{Role: roleFromOpenAI(m.Role), Text: m.Content})
	}
	return out, nil
}

func roleFromOpenAI(role string) Role {
	switch role {
	case openai.ChatMessageRoleUser:
		return RoleHuman
	case openai.ChatMessageRoleAssistant:
		return RoleAI
	case openai.ChatMessageRoleSystem:
		return RoleSystem
	default:
		return Role(role)
	}
}

var _ Engine = (*ChatEngine)(nil)

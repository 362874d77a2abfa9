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
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	lcopenai "github.com/tmc/langchaingo/llms/openai"
)

// Supported engine backends.
const (
	BackendLangChainOpenAI = "langchain-openai"
	BackendLangChainOllama = "langchain-ollama"
	BackendOpenAI          = "openai"
)

const (
	defaultOpenAIModel = "gpt-4o-mini"
	defaultOllamaModel = "gpt-oss"
	defaultOllamaURL   = "http://localhost:11434"
)

// ProviderConfig selects and parameterizes the engine backend.
type ProviderConfig struct {
	// Backend is one of the Backend* constants.
	Backend string `yaml:"backend" validate:"omitempty,oneof=langchain-openai langchain-ollama openai"`

	// Model is the provider model name. Empty selects the backend default.
	Model string `yaml:"model"`

	// Temperature is the sampling temperature. Zero keeps the provider default.
	Temperature float64 `yaml:"temperature" validate:"gte=0,lte=2"`

	// OllamaURL is the Ollama server for the langchain-ollama backend.
	OllamaURL string `yaml:"ollama_url" validate:"omitempty,url"`
}

// RequiresCredential reports whether backend needs a provider API key.
func RequiresCredential(backend string) bool {
	return backend != BackendLangChainOllama
}

// NewEngineFactory builds the factory for the configured backend.
//
// # Description
//
// The provider client is created once and shared by every engine; the
// clients are safe for concurrent use. Each engine gets its own memory.
//
// # Inputs
//
//   - cfg: backend selection. Empty Backend means langchain-openai.
//   - cred: provider key. Required unless the backend is langchain-ollama.
//
// # Outputs
//
//   - EngineFactory: produces a distinct Engine per call.
//   - error: unknown backend, missing credential, or client setup failure.
func NewEngineFactory(cfg ProviderConfig, cred *Credential) (EngineFactory, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = BackendLangChainOpenAI
	}
	if RequiresCredential(backend) && cred == nil {
		return nil, fmt.Errorf("backend %s: %w", backend, ErrMissingCredential)
	}

	switch backend {
	case BackendLangChainOpenAI:
		key, err := cred.Reveal()
		if err != nil {
			return nil, err
		}
		model, err := lcopenai.New(
			lcopenai.WithToken(key),
			lcopenai.WithModel(modelOrDefault(cfg.Model, defaultOpenAIModel)),
		)
		if err != nil {
			return nil, fmt.Errorf("create langchain openai model: %w", err)
		}
		slog.Info("Using LangChain OpenAI engine", "model", modelOrDefault(cfg.Model, defaultOpenAIModel))
		return conversationFactory(model, cfg.Temperature), nil

	case BackendLangChainOllama:
		serverURL := cfg.OllamaURL
		if serverURL == "" {
			serverURL = defaultOllamaURL
		}
		model, err := ollama.New(
			ollama.WithModel(modelOrDefault(cfg.Model, defaultOllamaModel)),
			ollama.WithServerURL(serverURL),
		)
		if err != nil {
			return nil, fmt.Errorf("create langchain ollama model: %w", err)
		}
		slog.Info("Using LangChain Ollama engine", "model", modelOrDefault(cfg.Model, defaultOllamaModel), "url", serverURL)
		return conversationFactory(model, cfg.Temperature), nil

	case BackendOpenAI:
		key, err := cred.Reveal()
		if err != nil {
			return nil, err
		}
		client := openai.NewClient(key)
		name := modelOrDefault(cfg.Model, defaultOpenAIModel)
		temperature := float32(cfg.Temperature)
		slog.Info("Using OpenAI chat engine", "model", name)
		return EngineFactoryFunc(func() (Engine, error) {
			return NewChatEngine(client, name, temperature), nil
		}), nil

	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Backend)
	}
}

func conversationFactory(model llms.Model, temperature float64) EngineFactory {
	return EngineFactoryFunc(func() (Engine, error) {
		return NewConversationEngine(model, temperature), nil
	})
}

func modelOrDefault(model, fallback string) string {
	if model == "" {
		return fallback
	}
	return model
}

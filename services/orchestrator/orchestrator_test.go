// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/MemoryChat/services/llm"
	"github.com/AleutianAI/MemoryChat/services/orchestrator/chatlog"
	"github.com/AleutianAI/MemoryChat/services/orchestrator/datatypes"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

type scriptedEngine struct {
	history []llm.Message
}

func (e *scriptedEngine) Submit(_ context.Context, prompt string) (string, error) {
	reply := fmt.Sprintf("reply %d", len(e.history)/2)
	e.history = append(e.history,
		llm.Message{Role: llm.RoleHuman, Text: prompt},
		llm.Message{Role: llm.RoleAI, Text: reply})
	return reply, nil
}

func (e *scriptedEngine) History(_ context.Context) ([]llm.Message, error) {
	return append([]llm.Message(nil), e.history...), nil
}

func testDeps() *Deps {
	return &Deps{
		Engines: llm.EngineFactoryFunc(func() (llm.Engine, error) {
			return &scriptedEngine{}, nil
		}),
		RecordStore: chatlog.NewMemoryStore(),
		Registry:    prometheus.NewRegistry(),
	}
}

func testConfig() Config {
	return Config{
		GinMode:           gin.TestMode,
		ChatLog:           ChatLogConfig{Backend: ChatLogMemory},
		ReconcileInterval: -1,
	}
}

// =============================================================================
// Config Tests
// =============================================================================

func TestApplyConfigDefaults_AllDefaults(t *testing.T) {
	result := applyConfigDefaults(Config{})

	assert.Equal(t, 12210, result.Port)
	assert.Equal(t, llm.BackendLangChainOpenAI, result.Engine.Backend)
	assert.Equal(t, llm.DefaultPersonaTopic, result.Persona.Topic)
	assert.Equal(t, llm.DefaultPersonaTemplate, result.Persona.Template)
	assert.Equal(t, ChatLogBadger, result.ChatLog.Backend)
	assert.Equal(t, "./data/chatlog", result.ChatLog.Path)
	assert.Equal(t, time.Minute, result.ReconcileInterval)
	assert.Equal(t, 10*time.Second, result.SyncTimeout)
	assert.Equal(t, 15*time.Second, result.ShutdownTimeout)
	assert.Empty(t, result.OTelEndpoint, "tracing export is opt-in")
	assert.NoError(t, result.Validate())
}

func TestApplyConfigDefaults_PreservesCustomValues(t *testing.T) {
	cfg := Config{
		Port:              8080,
		Engine:            llm.ProviderConfig{Backend: llm.BackendLangChainOllama, Model: "llama3"},
		Persona:           PersonaConfig{Topic: "Pirates"},
		ChatLog:           ChatLogConfig{Backend: ChatLogWeaviate, WeaviateURL: "http://weaviate:8080"},
		ReconcileInterval: -1,
	}

	result := applyConfigDefaults(cfg)

	assert.Equal(t, 8080, result.Port)
	assert.Equal(t, llm.BackendLangChainOllama, result.Engine.Backend)
	assert.Equal(t, "Pirates", result.Persona.Topic)
	assert.Equal(t, "http://weaviate:8080", result.ChatLog.WeaviateURL)
	assert.Empty(t, result.ChatLog.Path, "weaviate backend needs no path")
	assert.Equal(t, time.Duration(-1), result.ReconcileInterval)
}

func TestConfig_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(*Config)
		field string
	}{
		{name: "port too large", mut: func(c *Config) { c.Port = 70000 }, field: "Port"},
		{name: "unknown chatlog backend", mut: func(c *Config) { c.ChatLog.Backend = "postgres" }, field: "Backend"},
		{name: "weaviate without url", mut: func(c *Config) {
			c.ChatLog = ChatLogConfig{Backend: ChatLogWeaviate}
		}, field: "WeaviateURL"},
		{name: "weaviate bad url", mut: func(c *Config) {
			c.ChatLog = ChatLogConfig{Backend: ChatLogWeaviate, WeaviateURL: "not a url"}
		}, field: "WeaviateURL"},
		{name: "unknown gin mode", mut: func(c *Config) { c.GinMode = "loud" }, field: "GinMode"},
		{name: "unknown log level", mut: func(c *Config) { c.Log.Level = "chatty" }, field: "Level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := applyConfigDefaults(Config{})
			tt.mut(&cfg)

			err := cfg.Validate()

			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Contains(t, cfgErr.Field, tt.field)
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"MEMORYCHAT_PORT":      "9000",
		"ENGINE_BACKEND":       llm.BackendOpenAI,
		"ENGINE_MODEL":         " 'gpt-4o-mini' ",
		"ENGINE_TEMPERATURE":   "0.2",
		"PERSONA_TOPIC":        "Noir",
		"CHATLOG_BACKEND":      ChatLogWeaviate,
		"WEAVIATE_SERVICE_URL": "http://weaviate:8080",
		"RECONCILE_INTERVAL":   "30s",
		"LOG_LEVEL":            "debug",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	var cfg Config
	require.NoError(t, applyEnvOverrides(&cfg, lookup))

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, llm.BackendOpenAI, cfg.Engine.Backend)
	assert.Equal(t, "gpt-4o-mini", cfg.Engine.Model, "quotes and spaces are trimmed")
	assert.InDelta(t, 0.2, cfg.Engine.Temperature, 1e-9)
	assert.Equal(t, "Noir", cfg.Persona.Topic)
	assert.Equal(t, ChatLogWeaviate, cfg.ChatLog.Backend)
	assert.Equal(t, "http://weaviate:8080", cfg.ChatLog.WeaviateURL)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestApplyEnvOverrides_BadNumbers(t *testing.T) {
	for _, key := range []string{"MEMORYCHAT_PORT", "ENGINE_TEMPERATURE", "RECONCILE_INTERVAL"} {
		t.Run(key, func(t *testing.T) {
			lookup := func(k string) (string, bool) {
				if k == key {
					return "abc", true
				}
				return "", false
			}
			var cfg Config
			err := applyEnvOverrides(&cfg, lookup)

			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, key, cfgErr.Field)
		})
	}
}

func TestLoadConfig_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memorychat.yaml")
	yaml := strings.Join([]string{
		"port: 8081",
		"engine:",
		"  backend: langchain-ollama",
		"  model: llama3",
		"persona:",
		"  topic: Space Opera",
		"chatlog:",
		"  backend: memory",
		"reconcile_interval: 5m",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("MEMORYCHAT_PORT", "8082")

	cfg, err := LoadConfig(path)

	require.NoError(t, err)
	assert.Equal(t, 8082, cfg.Port, "environment wins over the file")
	assert.Equal(t, llm.BackendLangChainOllama, cfg.Engine.Backend)
	assert.Equal(t, "llama3", cfg.Engine.Model)
	assert.Equal(t, "Space Opera", cfg.Persona.Topic)
	assert.Equal(t, ChatLogMemory, cfg.ChatLog.Backend)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, 10*time.Second, cfg.SyncTimeout, "defaults fill the rest")
}

func TestLoadConfig_FileErrors(t *testing.T) {
	dir := t.TempDir()
	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("port: [1, 2"), 0o600))

	for name, path := range map[string]string{
		"missing": filepath.Join(dir, "absent.yaml"),
		"broken":  broken,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(path)

			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, "file", cfgErr.Field)
		})
	}
}

// =============================================================================
// Service Tests
// =============================================================================

func TestServiceImplementsInterface(t *testing.T) {
	var _ Service = (*service)(nil)
}

func TestNew_MissingCredentialIsConfigError(t *testing.T) {
	t.Setenv(CredentialEnv, "")
	old := secretPath
	secretPath = filepath.Join(t.TempDir(), "absent")
	t.Cleanup(func() { secretPath = old })

	cfg := testConfig()
	cfg.Engine.Backend = llm.BackendLangChainOpenAI
	deps := testDeps()
	deps.Engines = nil

	svc, err := New(cfg, deps)

	assert.Nil(t, svc)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, CredentialEnv, cfgErr.Field)
	assert.True(t, errors.Is(err, llm.ErrMissingCredential))
}

func TestNew_BadPersonaTemplate(t *testing.T) {
	cfg := testConfig()
	cfg.Persona.Template = "{{.topic"

	_, err := New(cfg, testDeps())

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "persona.template", cfgErr.Field)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.ChatLog.Backend = "postgres"

	_, err := New(cfg, testDeps())

	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNew_RouterServesChat(t *testing.T) {
	svc, err := New(testConfig(), testDeps())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	router := svc.Router()

	chat := func(sessionID, input string) datatypes.MemoryChatResponse {
		body, err := json.Marshal(datatypes.MemoryChatRequest{SessionID: sessionID, Input: input})
		require.NoError(t, err)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/memory-chat", strings.NewReader(string(body)))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp datatypes.MemoryChatResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return resp
	}

	first := chat("", "hello")
	require.NotEmpty(t, first.SessionID)
	second := chat(first.SessionID, "again")
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Len(t, second.History, 6, "persona pair plus two turns")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	var health datatypes.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, 1, health.Sessions)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "memorychat_turns_total")
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	cfg := testConfig()
	cfg.Port = port
	cfg.ReconcileInterval = 10 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	svc, err := New(cfg, testDeps())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

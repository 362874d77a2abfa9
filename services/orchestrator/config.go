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
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/MemoryChat/services/llm"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Configuration
// =============================================================================

// Chat log backends.
const (
	ChatLogBadger   = "badger"
	ChatLogWeaviate = "weaviate"
	ChatLogMemory   = "memory"
)

// Config holds orchestrator configuration options.
//
// # Description
//
// Loaded by LoadConfig from an optional YAML file, then environment
// overrides, then defaults. Programmatic construction (tests) should go
// through applyConfigDefaults and Validate as well.
//
// # Examples
//
//	port: 12210
//	engine:
//	  backend: langchain-ollama
//	  model: llama3
//	persona:
//	  topic: Cyberpunk
//	chatlog:
//	  backend: badger
//	  path: ./data/chatlog
//	reconcile_interval: 1m
type Config struct {
	// Port is the HTTP server port. Default: 12210
	Port int `yaml:"port" validate:"gte=1,lte=65535"`

	// GinMode sets the Gin framework mode: "debug", "release" or "test".
	GinMode string `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`

	// OTelEndpoint is the OTLP/gRPC collector. Empty disables tracing export.
	OTelEndpoint string `yaml:"otel_endpoint"`

	// Engine selects the conversation engine backend.
	Engine llm.ProviderConfig `yaml:"engine"`

	// Persona renders the initial prompt of every session.
	Persona PersonaConfig `yaml:"persona"`

	// ChatLog selects the durable record store.
	ChatLog ChatLogConfig `yaml:"chatlog"`

	// ReconcileInterval is how often stale chat logs are re-synced.
	// A negative value disables the sweep. Default: 1m
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	// SyncTimeout bounds one chat log write. Default: 10s
	SyncTimeout time.Duration `yaml:"sync_timeout" validate:"gte=0"`

	// ShutdownTimeout bounds graceful HTTP shutdown. Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`

	// Log configures the process logger.
	Log LogConfig `yaml:"log"`
}

// PersonaConfig holds the persona template and its topic.
type PersonaConfig struct {
	Topic    string `yaml:"topic"`
	Template string `yaml:"template"`
}

// ChatLogConfig selects and parameterizes the durable record store.
type ChatLogConfig struct {
	Backend     string `yaml:"backend" validate:"oneof=badger weaviate memory"`
	Path        string `yaml:"path" validate:"required_if=Backend badger"`
	WeaviateURL string `yaml:"weaviate_url" validate:"required_if=Backend weaviate,omitempty,url"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// ConfigError reports configuration that prevents the service from starting.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("invalid configuration %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

var configValidate = validator.New()

// LoadConfig reads path (optional), applies environment overrides and
// defaults, then validates.
//
// # Outputs
//
//   - Config: ready for New.
//   - error: *ConfigError for unreadable files, bad values or failed validation.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, &ConfigError{Field: "file", Err: err}
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, &ConfigError{Field: "file", Err: fmt.Errorf("parse %s: %w", path, err)}
		}
	}
	if err := applyEnvOverrides(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the struct tags.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return &ConfigError{Field: fieldErrs[0].Namespace(), Err: err}
		}
		return &ConfigError{Err: err}
	}
	return nil
}

// applyEnvOverrides copies set environment variables onto cfg.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.Trim(strings.TrimSpace(v), "\"'")
		}
	}

	if v, ok := lookup("MEMORYCHAT_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigError{Field: "MEMORYCHAT_PORT", Err: err}
		}
		cfg.Port = port
	}
	str("GIN_MODE", &cfg.GinMode)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTelEndpoint)
	str("ENGINE_BACKEND", &cfg.Engine.Backend)
	str("ENGINE_MODEL", &cfg.Engine.Model)
	if v, ok := lookup("ENGINE_TEMPERATURE"); ok && v != "" {
		temp, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return &ConfigError{Field: "ENGINE_TEMPERATURE", Err: err}
		}
		cfg.Engine.Temperature = temp
	}
	str("OLLAMA_BASE_URL", &cfg.Engine.OllamaURL)
	str("PERSONA_TOPIC", &cfg.Persona.Topic)
	if v, ok := lookup("PERSONA_TEMPLATE"); ok && v != "" {
		cfg.Persona.Template = v
	}
	str("CHATLOG_BACKEND", &cfg.ChatLog.Backend)
	str("CHATLOG_PATH", &cfg.ChatLog.Path)
	str("WEAVIATE_SERVICE_URL", &cfg.ChatLog.WeaviateURL)
	if v, ok := lookup("RECONCILE_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return &ConfigError{Field: "RECONCILE_INTERVAL", Err: err}
		}
		cfg.ReconcileInterval = d
	}
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_DIR", &cfg.Log.Dir)
	return nil
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.Engine.Backend == "" {
		cfg.Engine.Backend = llm.BackendLangChainOpenAI
	}
	if cfg.Persona.Topic == "" {
		cfg.Persona.Topic = llm.DefaultPersonaTopic
	}
	if cfg.Persona.Template == "" {
		cfg.Persona.Template = llm.DefaultPersonaTemplate
	}
	if cfg.ChatLog.Backend == "" {
		cfg.ChatLog.Backend = ChatLogBadger
	}
	if cfg.ChatLog.Backend == ChatLogBadger && cfg.ChatLog.Path == "" {
		cfg.ChatLog.Path = "./data/chatlog"
	}
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = time.Minute
	}
	if cfg.SyncTimeout == 0 {
		cfg.SyncTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	return cfg
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command memorychat starts the MemoryChat session server.
//
// # Configuration
//
// Settings come from an optional YAML file (--config), then environment
// variables, then defaults. See orchestrator.Config for the keys.
//
//   - MEMORYCHAT_PORT: HTTP server port (default: 12210)
//   - ENGINE_BACKEND: langchain-openai, langchain-ollama or openai
//   - OPENAI_API_KEY: provider key, or mount it at /run/secrets/openai_api_key
//   - CHATLOG_BACKEND: badger, weaviate or memory (default: badger)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (optional)
//
// Logs are JSON when log.json is set or stderr is not a terminal.
//
// # Usage
//
//	memorychat serve --config memorychat.yaml
//	memorychat config --config memorychat.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/MemoryChat/pkg/logging"
	"github.com/AleutianAI/MemoryChat/services/orchestrator"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Exit codes.
const (
	exitRuntime = 1
	exitConfig  = 2
)

var (
	configPath string
	portFlag   int

	rootCmd = &cobra.Command{
		Use:           "memorychat",
		Short:         "Conversational session server with durable chat logs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server until interrupted",
		RunE:  runServe,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration as YAML",
		RunE:  runConfig,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	serveCmd.Flags().IntVarP(&portFlag, "port", "p", 0, "HTTP port (overrides config and MEMORYCHAT_PORT)")
	rootCmd.AddCommand(serveCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "memorychat: %v\n", err)
		var cfgErr *orchestrator.ConfigError
		if errors.As(err, &cfgErr) {
			os.Exit(exitConfig)
		}
		os.Exit(exitRuntime)
	}
}

func loadConfig() (orchestrator.Config, error) {
	cfg, err := orchestrator.LoadConfig(configPath)
	if err != nil {
		return orchestrator.Config{}, err
	}
	if portFlag != 0 {
		cfg.Port = portFlag
		if err := cfg.Validate(); err != nil {
			return orchestrator.Config{}, err
		}
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return &orchestrator.ConfigError{Field: "log.level", Err: err}
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: "memorychat",
		JSON:    cfg.Log.JSON || !stderrIsTerminal(),
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	slog.Info("Starting MemoryChat",
		"port", cfg.Port,
		"engine_backend", cfg.Engine.Backend,
		"chatlog_backend", cfg.ChatLog.Backend,
	)

	svc, err := orchestrator.New(cfg, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return svc.Run(ctx)
}

// stderrIsTerminal reports whether stderr is interactive. Containers and
// log shippers get JSON.
func stderrIsTerminal() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg)
}

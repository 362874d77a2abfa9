// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator wires the MemoryChat service together.
//
// This package builds every component of the service from a Config: the
// conversation engine factory, the session store and orchestrator, the
// durable chat log, HTTP routing, metrics and tracing.
//
// # Usage
//
//	cfg, err := orchestrator.LoadConfig("memorychat.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc.Run(ctx)
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	storage "github.com/AleutianAI/MemoryChat/pkg/storage/badger"
	"github.com/AleutianAI/MemoryChat/services/llm"
	"github.com/AleutianAI/MemoryChat/services/orchestrator/chatlog"
	"github.com/AleutianAI/MemoryChat/services/orchestrator/observability"
	"github.com/AleutianAI/MemoryChat/services/orchestrator/reconcile"
	"github.com/AleutianAI/MemoryChat/services/orchestrator/routes"
	"github.com/AleutianAI/MemoryChat/services/orchestrator/services"
	"github.com/AleutianAI/MemoryChat/services/orchestrator/sessions"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const serviceName = "memorychat"

// CredentialEnv is the environment variable holding the provider API key.
const CredentialEnv = "OPENAI_API_KEY"

// secretPath is the mounted-secret fallback for CredentialEnv.
var secretPath = llm.DefaultSecretPath

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the MemoryChat service.
//
// # Thread Safety
//
// Run blocks and should only be called once per instance.
type Service interface {
	// Run serves HTTP until ctx ends, then shuts down gracefully and releases
	// every resource. It returns nil after a clean shutdown.
	Run(ctx context.Context) error

	// Router returns the configured Gin engine, for tests.
	Router() *gin.Engine

	// Close releases resources without serving. Run calls it on exit.
	Close() error
}

// Deps replaces components New would otherwise build from Config. Any nil
// field is built normally.
type Deps struct {
	Engines     llm.EngineFactory
	RecordStore chatlog.RecordStore
	Registry    *prometheus.Registry
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service.
//
// # Fields
//
//   - config: Service configuration
//   - router: Gin HTTP engine
//   - orchestrator: the turn state machine
//   - chatLog: durable mirror; closed on shutdown
//   - scheduler: background reconcile sweep
//   - tracerCleanup: flushes the span exporter on exit
type service struct {
	config        Config
	router        *gin.Engine
	registry      *prometheus.Registry
	orchestrator  *services.SessionOrchestrator
	chatLog       *chatlog.ChatLog
	scheduler     *reconcile.Scheduler
	tracerCleanup func(context.Context)
	purgeSecrets  bool
}

// =============================================================================
// Constructor
// =============================================================================

// New creates the service.
//
// # Description
//
// New initializes all components in order:
//  1. Applies defaults and validates cfg
//  2. Initializes OpenTelemetry tracing when an endpoint is configured
//  3. Registers Prometheus metrics
//  4. Loads the provider credential and builds the engine factory
//  5. Renders the persona prompt
//  6. Opens the durable record store
//  7. Builds the session store, orchestrator, scheduler and router
//
// # Outputs
//
//   - Service: ready to Run.
//   - error: *ConfigError for bad configuration or a missing credential;
//     other errors for unreachable dependencies.
func New(cfg Config, deps *Deps) (Service, error) {
	if deps == nil {
		deps = &Deps{}
	}
	s := &service{config: applyConfigDefaults(cfg)}
	if err := s.config.Validate(); err != nil {
		return nil, err
	}

	if s.config.OTelEndpoint != "" {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	s.registry = deps.Registry
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	metrics := observability.NewSessionMetrics(s.registry)

	engines := deps.Engines
	if engines == nil {
		var err error
		if engines, err = s.initEngines(); err != nil {
			s.cleanup()
			return nil, err
		}
	}

	persona, err := llm.RenderPersona(s.config.Persona.Template, s.config.Persona.Topic)
	if err != nil {
		s.cleanup()
		return nil, &ConfigError{Field: "persona.template", Err: err}
	}

	records := deps.RecordStore
	if records == nil {
		if records, err = s.initRecordStore(); err != nil {
			s.cleanup()
			return nil, err
		}
	}
	s.chatLog = chatlog.New(records)

	s.orchestrator, err = services.NewSessionOrchestrator(services.OrchestratorConfig{
		Store:       sessions.NewStore(),
		Engines:     engines,
		ChatLog:     s.chatLog,
		Persona:     persona,
		Metrics:     metrics,
		SyncTimeout: s.config.SyncTimeout,
	})
	if err != nil {
		s.cleanup()
		return nil, err
	}
	s.scheduler = reconcile.NewScheduler(s.orchestrator, s.config.ReconcileInterval)

	s.initRouter()
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until ctx ends or the server fails.
func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	if err := s.scheduler.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Starting MemoryChat server", "port", s.config.Port)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down MemoryChat server", "timeout", s.config.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close releases resources without serving.
func (s *service) Close() error {
	s.cleanup()
	return nil
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer sets up the OTLP trace exporter.
//
// # Limitations
//
//   - Uses insecure gRPC connection (appropriate for internal networks)
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	slog.Info("OpenTelemetry tracing enabled", "endpoint", s.config.OTelEndpoint)

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
		_ = conn.Close()
	}, nil
}

// initEngines loads the credential, when the backend needs one, and builds
// the engine factory. A missing credential is a ConfigError.
func (s *service) initEngines() (llm.EngineFactory, error) {
	var cred *llm.Credential
	if llm.RequiresCredential(s.config.Engine.Backend) {
		var err error
		cred, err = llm.LoadCredential(CredentialEnv, secretPath)
		if err != nil {
			return nil, &ConfigError{Field: CredentialEnv, Err: err}
		}
		s.purgeSecrets = true
	}
	engines, err := llm.NewEngineFactory(s.config.Engine, cred)
	if errors.Is(err, llm.ErrMissingCredential) {
		return nil, &ConfigError{Field: CredentialEnv, Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}
	return engines, nil
}

// initRecordStore opens the configured chat log backend.
func (s *service) initRecordStore() (chatlog.RecordStore, error) {
	switch s.config.ChatLog.Backend {
	case ChatLogMemory:
		slog.Warn("Chat log is kept in memory only; history will not survive a restart")
		return chatlog.NewMemoryStore(), nil

	case ChatLogWeaviate:
		client, err := chatlog.NewWeaviateClient(s.config.ChatLog.WeaviateURL)
		if err != nil {
			return nil, &ConfigError{Field: "chatlog.weaviate_url", Err: err}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		store, err := chatlog.NewWeaviateStore(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize weaviate chat log: %w", err)
		}
		slog.Info("Chat log stored in Weaviate", "url", s.config.ChatLog.WeaviateURL)
		return store, nil

	default:
		store, err := chatlog.OpenBadgerStore(storage.DefaultConfig(s.config.ChatLog.Path))
		if err != nil {
			return nil, fmt.Errorf("failed to open badger chat log: %w", err)
		}
		slog.Info("Chat log stored in BadgerDB", "path", s.config.ChatLog.Path)
		return store, nil
	}
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware(serviceName))

	routes.SetupRoutes(s.router, s.orchestrator, s.registry)
}

// cleanup releases all resources held by the service. Safe to call on a
// partially constructed service.
func (s *service) cleanup() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.chatLog != nil {
		if err := s.chatLog.Close(); err != nil {
			slog.Warn("Chat log close error", "error", err)
		}
		s.chatLog = nil
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
	if s.purgeSecrets {
		llm.PurgeCredentials()
		s.purgeSecrets = false
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)

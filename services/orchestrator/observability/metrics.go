// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for monitoring chat sessions and
// the turns run against them. Metrics include:
//   - Session gauges and lifecycle counters
//   - Turn counters (by path and status)
//   - Engine latency histograms
//   - Durable chat log sync failures
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint of the registry passed to
// NewSessionMetrics.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// A nil *SessionMetrics is valid and records nothing.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "memorychat"

// SessionMetrics holds all Prometheus metrics for session orchestration.
//
// # Fields
//
//   - SessionsActive: Gauge of sessions currently in the store
//   - TurnsTotal: Counter of turns by path and status
//   - EngineCallSeconds: Histogram of engine call latency by path
//   - SessionsCreatedTotal: Counter of sessions created
//   - SessionsDeletedTotal: Counter of sessions removed by delete or clear
//   - DurableSyncFailuresTotal: Counter of failed chat log syncs
type SessionMetrics struct {
	// SessionsActive tracks the number of live sessions.
	SessionsActive prometheus.Gauge

	// TurnsTotal counts turns.
	// Labels: path (create, continue), status (success, engine_error, cancelled, error)
	TurnsTotal *prometheus.CounterVec

	// EngineCallSeconds measures engine Submit latency.
	// Labels: path (prime, create, continue)
	EngineCallSeconds *prometheus.HistogramVec

	// SessionsCreatedTotal counts sessions that completed their first turn.
	SessionsCreatedTotal prometheus.Counter

	// SessionsDeletedTotal counts sessions removed by delete or clear.
	SessionsDeletedTotal prometheus.Counter

	// DurableSyncFailuresTotal counts chat log writes that failed after a
	// successful turn.
	DurableSyncFailuresTotal prometheus.Counter
}

// NewSessionMetrics creates and registers all session metrics on reg.
//
// # Inputs
//
//   - reg: Registry to register on. Use prometheus.NewRegistry() in tests.
//
// # Outputs
//
//   - *SessionMetrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if called twice with the same registry (duplicate registration).
func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	factory := promauto.With(reg)

	return &SessionMetrics{
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "sessions_active",
				Help:      "Number of sessions currently held in memory",
			},
		),

		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "turns_total",
				Help:      "Total chat turns by path and status",
			},
			[]string{"path", "status"},
		),

		EngineCallSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "engine_call_seconds",
				Help:      "Conversation engine call latency in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"path"},
		),

		SessionsCreatedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sessions_created_total",
				Help:      "Total sessions created",
			},
		),

		SessionsDeletedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sessions_deleted_total",
				Help:      "Total sessions removed by delete or clear",
			},
		),

		DurableSyncFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "durable_sync_failures_total",
				Help:      "Total chat log syncs that failed after a successful turn",
			},
		),
	}
}

// =============================================================================
// Label Values
// =============================================================================

// Path labels which branch of the turn state machine ran.
type Path string

const (
	// PathPrime is the priming call made when a session is created.
	PathPrime Path = "prime"

	// PathCreate is a turn that created its session.
	PathCreate Path = "create"

	// PathContinue is a turn on an existing session.
	PathContinue Path = "continue"
)

// TurnStatus labels how a turn ended.
type TurnStatus string

const (
	TurnStatusSuccess     TurnStatus = "success"
	TurnStatusEngineError TurnStatus = "engine_error"
	TurnStatusCancelled   TurnStatus = "cancelled"
	TurnStatusNotFound    TurnStatus = "not_found"
	TurnStatusError       TurnStatus = "error"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordTurn records a finished turn.
func (m *SessionMetrics) RecordTurn(path Path, status TurnStatus) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(string(path), string(status)).Inc()
}

// ObserveEngineCall records the latency of one engine Submit.
func (m *SessionMetrics) ObserveEngineCall(path Path, seconds float64) {
	if m == nil {
		return
	}
	m.EngineCallSeconds.WithLabelValues(string(path)).Observe(seconds)
}

// SessionCreated increments the created counter.
func (m *SessionMetrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreatedTotal.Inc()
}

// SessionsDeleted adds n to the deleted counter.
func (m *SessionMetrics) SessionsDeleted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsDeletedTotal.Add(float64(n))
}

// SetActiveSessions sets the live session gauge.
func (m *SessionMetrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

// DurableSyncFailed increments the sync failure counter.
func (m *SessionMetrics) DurableSyncFailed() {
	if m == nil {
		return
	}
	m.DurableSyncFailuresTotal.Inc()
}

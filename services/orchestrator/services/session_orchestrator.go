// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services contains the business logic behind the orchestrator's
// HTTP handlers.
//
// The central piece is SessionOrchestrator, which runs every chat turn
// through the RESOLVE -> CREATE|CONTINUE -> ENGINE_CALL -> PERSIST -> RESPOND
// state machine against an in-memory session store, and mirrors each
// session's history into a durable chat log.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/MemoryChat/services/llm"
	"github.com/AleutianAI/MemoryChat/services/orchestrator/observability"
	"github.com/AleutianAI/MemoryChat/services/orchestrator/sessions"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var orchestratorTracer = otel.Tracer("memorychat.orchestrator.services")

// =============================================================================
// Turn States
// =============================================================================

// TurnState names a step of the turn state machine.
type TurnState string

const (
	StateResolve    TurnState = "RESOLVE"
	StateCreate     TurnState = "CREATE"
	StateContinue   TurnState = "CONTINUE"
	StateEngineCall TurnState = "ENGINE_CALL"
	StatePersist    TurnState = "PERSIST"
	StateRespond    TurnState = "RESPOND"
	StateError      TurnState = "ERROR"
)

// EngineStage says which engine call of a turn failed.
type EngineStage string

const (
	// StagePriming is the persona priming call of a new session.
	StagePriming EngineStage = "priming"

	// StageUserTurn is the call carrying the caller's input.
	StageUserTurn EngineStage = "user_turn"
)

// EngineError is returned when the conversation engine fails a turn. No
// session history or chat log state was changed, so the turn can be retried.
type EngineError struct {
	SessionID string
	Stage     EngineStage
	Err       error
}

func (e *EngineError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("conversation engine failed during %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("conversation engine failed during %s of session %s: %v", e.Stage, e.SessionID, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// =============================================================================
// Collaborators
// =============================================================================

// DurableLog mirrors session history outside the process.
type DurableLog interface {
	// Ensure makes sure a record exists for sessionID and returns its id.
	Ensure(ctx context.Context, sessionID string) (string, error)

	// Sync writes history to the session's record.
	Sync(ctx context.Context, sessionID string, history []llm.Message) error
}

// OrchestratorConfig wires a SessionOrchestrator.
//
// # Fields
//
//   - Store: the live session store. Required.
//   - Engines: builds one engine per new session. Required.
//   - ChatLog: durable mirror. Required.
//   - Persona: the initial prompt every new session is primed with.
//   - Metrics: optional; nil records nothing.
//   - SyncTimeout: budget for one chat log write. Zero means 10s.
//   - ReconcileWorkers: concurrency of Reconcile. Zero means 4.
type OrchestratorConfig struct {
	Store            *sessions.Store
	Engines          llm.EngineFactory
	ChatLog          DurableLog
	Persona          string
	Metrics          *observability.SessionMetrics
	SyncTimeout      time.Duration
	ReconcileWorkers int
}

// SessionOrchestrator runs chat turns against the session store.
//
// # Thread Safety
//
// Safe for concurrent use. Turns on the same session are serialized by the
// session's turn lock; turns on different sessions run in parallel.
type SessionOrchestrator struct {
	store            *sessions.Store
	engines          llm.EngineFactory
	chatLog          DurableLog
	persona          string
	metrics          *observability.SessionMetrics
	syncTimeout      time.Duration
	reconcileWorkers int
	newID            func() string
}

// NewSessionOrchestrator validates cfg and builds an orchestrator.
func NewSessionOrchestrator(cfg OrchestratorConfig) (*SessionOrchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Engines == nil {
		return nil, errors.New("engine factory is required")
	}
	if cfg.ChatLog == nil {
		return nil, errors.New("chat log is required")
	}
	syncTimeout := cfg.SyncTimeout
	if syncTimeout <= 0 {
		syncTimeout = 10 * time.Second
	}
	workers := cfg.ReconcileWorkers
	if workers <= 0 {
		workers = 4
	}
	return &SessionOrchestrator{
		store:            cfg.Store,
		engines:          cfg.Engines,
		chatLog:          cfg.ChatLog,
		persona:          cfg.Persona,
		metrics:          cfg.Metrics,
		syncTimeout:      syncTimeout,
		reconcileWorkers: workers,
		newID:            uuid.NewString,
	}, nil
}

// TurnRequest is one inbound chat turn.
type TurnRequest struct {
	// SessionID is optional. Unknown ids start a new session with a fresh id.
	SessionID string
	Input     string
}

// TurnResult is the outcome of a successful turn.
type TurnResult struct {
	Completion string
	SessionID  string
	History    []llm.Message
	Created    bool
}

// =============================================================================
// Turn State Machine
// =============================================================================

// Chat runs one turn.
//
// # Description
//
// RESOLVE looks the session up. A missing or unknown id goes through CREATE,
// which always mints a new id, primes a new engine with the persona and
// inserts the session locked. A live id goes through CONTINUE, which takes
// the session's turn lock. ENGINE_CALL submits the input; on success the
// engine's history becomes the session's committed history and PERSIST
// mirrors it into the chat log.
//
// # Outputs
//
//   - *TurnResult: completion, session id and full history.
//   - error: *EngineError when the engine fails, or the context error when
//     ctx ends while waiting for the session.
//
// # Limitations
//
//   - A chat log failure never fails the turn. The session is flagged stale
//     and picked up by Reconcile.
func (o *SessionOrchestrator) Chat(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	ctx, span := orchestratorTracer.Start(ctx, "SessionOrchestrator.Chat")
	defer span.End()

	t := &turn{o: o, span: span, path: observability.PathContinue}
	res, err := t.run(ctx, req)
	if err != nil {
		t.enter(StateError)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.metrics.RecordTurn(t.path, turnStatus(err))
		slog.Warn("Chat turn failed",
			"session_id", t.sessionID,
			"state", t.failedIn,
			"path", t.path,
			"error", err)
		return nil, err
	}

	o.metrics.RecordTurn(t.path, observability.TurnStatusSuccess)
	slog.Info("Chat turn completed",
		"session_id", res.SessionID,
		"path", t.path,
		"history_length", len(res.History),
		"duration_ms", time.Since(t.started).Milliseconds())
	return res, nil
}

// turn carries per-turn bookkeeping through the states.
type turn struct {
	o         *SessionOrchestrator
	span      trace.Span
	path      observability.Path
	sessionID string
	state     TurnState
	failedIn  TurnState
	started   time.Time
}

func (t *turn) enter(s TurnState) {
	if s == StateError {
		t.failedIn = t.state
	}
	t.state = s
	t.span.AddEvent(string(s), trace.WithAttributes(attribute.String("session.id", t.sessionID)))
}

func (t *turn) run(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	t.started = time.Now()
	t.enter(StateResolve)

	var (
		lease   *sessions.Lease
		created bool
		err     error
	)
	if req.SessionID != "" {
		lease, err = t.o.store.Acquire(ctx, req.SessionID)
		switch {
		case err == nil:
			t.sessionID = req.SessionID
			t.enter(StateContinue)
		case errors.Is(err, sessions.ErrSessionNotFound):
			lease = nil
		default:
			return nil, fmt.Errorf("wait for session %s: %w", req.SessionID, err)
		}
	}
	if lease == nil {
		t.path = observability.PathCreate
		t.enter(StateCreate)
		lease, err = t.create(ctx)
		if err != nil {
			return nil, err
		}
		created = true
	}
	defer lease.Release()
	t.span.SetAttributes(
		attribute.String("session.id", t.sessionID),
		attribute.Bool("session.created", created),
	)

	t.enter(StateEngineCall)
	sess := lease.Session()
	completion, err := t.submit(ctx, sess.Engine(), req.Input, t.path)
	if err == nil {
		var history []llm.Message
		history, err = sess.Engine().History(ctx)
		if err == nil {
			lease.Commit(history)
			t.enter(StatePersist)
			t.o.persist(ctx, lease)
			if created {
				t.o.metrics.SessionCreated()
				t.o.metrics.SetActiveSessions(t.o.store.Len())
			}
			t.enter(StateRespond)
			return &TurnResult{
				Completion: completion,
				SessionID:  t.sessionID,
				History:    history,
				Created:    created,
			}, nil
		}
	}

	if created {
		lease.Discard()
	}
	return nil, &EngineError{SessionID: t.sessionID, Stage: StageUserTurn, Err: err}
}

// create builds, primes and inserts a new session. The returned lease holds
// the new session's turn lock.
func (t *turn) create(ctx context.Context) (*sessions.Lease, error) {
	o := t.o
	t.sessionID = o.newID()

	engine, err := o.engines.NewEngine()
	if err != nil {
		return nil, &EngineError{SessionID: t.sessionID, Stage: StagePriming, Err: fmt.Errorf("create engine: %w", err)}
	}

	// The priming completion only seeds the engine's memory.
	if _, err := t.submit(ctx, engine, o.persona, observability.PathPrime); err != nil {
		return nil, &EngineError{SessionID: t.sessionID, Stage: StagePriming, Err: err}
	}

	lease, err := o.store.Create(t.sessionID, engine, o.persona)
	if err != nil {
		return nil, fmt.Errorf("insert session %s: %w", t.sessionID, err)
	}

	ensureCtx, cancel := o.durableContext(ctx)
	defer cancel()
	if _, err := o.chatLog.Ensure(ensureCtx, t.sessionID); err != nil {
		lease.MarkDurable(false)
		o.metrics.DurableSyncFailed()
		slog.Warn("Failed to create chat log record",
			"session_id", t.sessionID,
			"error", err)
	}
	return lease, nil
}

func (t *turn) submit(ctx context.Context, engine llm.Engine, prompt string, path observability.Path) (string, error) {
	start := time.Now()
	completion, err := engine.Submit(ctx, prompt)
	t.o.metrics.ObserveEngineCall(path, time.Since(start).Seconds())
	return completion, err
}

// persist mirrors the leased session's committed history into the chat log.
// Failures are reported and flag the session for Reconcile.
func (o *SessionOrchestrator) persist(ctx context.Context, lease *sessions.Lease) {
	sess := lease.Session()
	syncCtx, cancel := o.durableContext(ctx)
	defer cancel()

	if err := o.chatLog.Sync(syncCtx, sess.ID(), sess.History()); err != nil {
		lease.MarkDurable(false)
		o.metrics.DurableSyncFailed()
		slog.Warn("Durable chat log sync failed; session is ahead of its chat log",
			"session_id", sess.ID(),
			"error", err)
		return
	}
	lease.MarkDurable(true)
}

// durableContext detaches chat log writes from caller cancellation. Once the
// engine has answered, the write should land even if the client went away.
func (o *SessionOrchestrator) durableContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.syncTimeout)
}

func turnStatus(err error) observability.TurnStatus {
	var engineErr *EngineError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return observability.TurnStatusCancelled
	case errors.As(err, &engineErr):
		return observability.TurnStatusEngineError
	default:
		return observability.TurnStatusError
	}
}

// =============================================================================
// Session Operations
// =============================================================================

// Session returns the committed history of id, or sessions.ErrSessionNotFound.
func (o *SessionOrchestrator) Session(id string) ([]llm.Message, error) {
	return o.store.HistoryOf(id)
}

// DeleteSession removes id, waiting for its in-flight turn. Absent ids are a
// no-op. The chat log record is kept.
func (o *SessionOrchestrator) DeleteSession(ctx context.Context, id string) error {
	_, existed := o.store.Get(id)
	if err := o.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if existed {
		o.metrics.SessionsDeleted(1)
		o.metrics.SetActiveSessions(o.store.Len())
		slog.Info("Session deleted", "session_id", id)
	}
	return nil
}

// ClearSessions removes every session and returns how many were removed.
func (o *SessionOrchestrator) ClearSessions() int {
	n := o.store.ClearAll()
	o.metrics.SessionsDeleted(n)
	o.metrics.SetActiveSessions(0)
	slog.Info("All sessions cleared", "cleared", n)
	return n
}

// ListSessions returns the ids of all live sessions.
func (o *SessionOrchestrator) ListSessions() []string {
	return o.store.ListIDs()
}

// ActiveSessions returns the number of live sessions.
func (o *SessionOrchestrator) ActiveSessions() int {
	return o.store.Len()
}

// Reconcile re-syncs every session whose chat log is behind.
//
// # Description
//
// Each stale session is synced under its turn lock, so a reconcile write
// never races a turn on the same session. Sessions deleted meanwhile are
// skipped.
//
// # Outputs
//
//   - int: number of sessions brought up to date.
//   - error: the first sync or context error; other sessions still run.
func (o *SessionOrchestrator) Reconcile(ctx context.Context) (int, error) {
	stale := o.store.Stale()
	if len(stale) == 0 {
		return 0, nil
	}

	ctx, span := orchestratorTracer.Start(ctx, "SessionOrchestrator.Reconcile")
	defer span.End()
	span.SetAttributes(attribute.Int("sessions.stale", len(stale)))

	var g errgroup.Group
	g.SetLimit(o.reconcileWorkers)
	synced := make([]bool, len(stale))
	for i, id := range stale {
		g.Go(func() error {
			lease, err := o.store.Acquire(ctx, id)
			if errors.Is(err, sessions.ErrSessionNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			defer lease.Release()

			sess := lease.Session()
			if !sess.DurableStale() {
				return nil
			}
			syncCtx, cancel := context.WithTimeout(ctx, o.syncTimeout)
			defer cancel()
			if err := o.chatLog.Sync(syncCtx, id, sess.History()); err != nil {
				o.metrics.DurableSyncFailed()
				return fmt.Errorf("reconcile session %s: %w", id, err)
			}
			lease.MarkDurable(true)
			synced[i] = true
			return nil
		})
	}
	err := g.Wait()

	n := 0
	for _, ok := range synced {
		if ok {
			n++
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("Chat log reconcile incomplete", "synced", n, "stale", len(stale), "error", err)
		return n, err
	}
	slog.Info("Chat log reconcile complete", "synced", n)
	return n, nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/MemoryChat/services/llm"
	"github.com/AleutianAI/MemoryChat/services/orchestrator/chatlog"
	"github.com/AleutianAI/MemoryChat/services/orchestrator/observability"
	"github.com/AleutianAI/MemoryChat/services/orchestrator/reconcile"
	"github.com/AleutianAI/MemoryChat/services/orchestrator/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPersona = "You are a noir detective in a Cyberpunk city."

// =============================================================================
// Mock Engine
// =============================================================================

// mockEngine echoes prompts and records how many Submits overlap.
type mockEngine struct {
	mu       sync.Mutex
	history  []llm.Message
	failWith func(prompt string) error
	gate     chan struct{}

	calls       atomic.Int32
	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (e *mockEngine) Submit(ctx context.Context, prompt string) (string, error) {
	e.calls.Add(1)
	n := e.inflight.Add(1)
	defer e.inflight.Add(-1)
	for {
		peak := e.maxInflight.Load()
		if n <= peak || e.maxInflight.CompareAndSwap(peak, n) {
			break
		}
	}

	e.mu.Lock()
	gate, failWith := e.gate, e.failWith
	e.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if failWith != nil {
		if err := failWith(prompt); err != nil {
			return "", err
		}
	}

	reply := "echo: " + prompt
	e.mu.Lock()
	e.history = append(e.history,
		llm.Message{Role: llm.RoleHuman, Text: prompt},
		llm.Message{Role: llm.RoleAI, Text: reply},
	)
	e.mu.Unlock()
	return reply, nil
}

func (e *mockEngine) History(_ context.Context) ([]llm.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]llm.Message, len(e.history))
	copy(out, e.history)
	return out, nil
}

func (e *mockEngine) setFail(fn func(prompt string) error) {
	e.mu.Lock()
	e.failWith = fn
	e.mu.Unlock()
}

func (e *mockEngine) setGate(gate chan struct{}) {
	e.mu.Lock()
	e.gate = gate
	e.mu.Unlock()
}

// mockFactory hands out mockEngines and remembers them.
type mockFactory struct {
	mu       sync.Mutex
	engines  []*mockEngine
	failWith func(prompt string) error
	err      error
}

func (f *mockFactory) NewEngine() (llm.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	e := &mockEngine{failWith: f.failWith}
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *mockFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

// flakyStore fails writes while failing is set.
type flakyStore struct {
	*chatlog.MemoryStore
	failing atomic.Bool
}

func (f *flakyStore) Create(ctx context.Context, sessionID string) (string, error) {
	if f.failing.Load() {
		return "", errors.New("record store unavailable")
	}
	return f.MemoryStore.Create(ctx, sessionID)
}

func (f *flakyStore) Update(ctx context.Context, recordID, history string) error {
	if f.failing.Load() {
		return errors.New("record store unavailable")
	}
	return f.MemoryStore.Update(ctx, recordID, history)
}

// =============================================================================
// Test Helpers
// =============================================================================

type fixture struct {
	orch    *SessionOrchestrator
	store   *sessions.Store
	factory *mockFactory
	records *flakyStore
	metrics *observability.SessionMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   sessions.NewStore(),
		factory: &mockFactory{},
		records: &flakyStore{MemoryStore: chatlog.NewMemoryStore()},
		metrics: observability.NewSessionMetrics(prometheus.NewRegistry()),
	}
	orch, err := NewSessionOrchestrator(OrchestratorConfig{
		Store:       f.store,
		Engines:     f.factory,
		ChatLog:     chatlog.New(f.records),
		Persona:     testPersona,
		Metrics:     f.metrics,
		SyncTimeout: time.Second,
	})
	require.NoError(t, err)
	f.orch = orch
	return f
}

func (f *fixture) engineOf(t *testing.T, id string) *mockEngine {
	t.Helper()
	sess, ok := f.store.Get(id)
	require.True(t, ok, "session %s should be live", id)
	return sess.Engine().(*mockEngine)
}

func (f *fixture) durableHistory(t *testing.T, id string) []llm.Message {
	t.Helper()
	rec, err := f.records.FindBySession(context.Background(), id)
	require.NoError(t, err)
	history, err := chatlog.DecodeHistory(rec.History)
	require.NoError(t, err)
	return history
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNewSessionOrchestrator_RequiresCollaborators(t *testing.T) {
	store := sessions.NewStore()
	log := chatlog.New(chatlog.NewMemoryStore())

	_, err := NewSessionOrchestrator(OrchestratorConfig{Engines: &mockFactory{}, ChatLog: log})
	assert.Error(t, err)
	_, err = NewSessionOrchestrator(OrchestratorConfig{Store: store, ChatLog: log})
	assert.Error(t, err)
	_, err = NewSessionOrchestrator(OrchestratorConfig{Store: store, Engines: &mockFactory{}})
	assert.Error(t, err)
}

// =============================================================================
// Scenarios
// =============================================================================

func TestChat_NewSessionWithoutID(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.Chat(context.Background(), TurnRequest{Input: "hello"})
	require.NoError(t, err)

	assert.NotEmpty(t, res.SessionID)
	assert.True(t, res.Created)
	assert.Equal(t, "echo: hello", res.Completion)
	require.Len(t, res.History, 4)
	assert.Equal(t, llm.Message{Role: llm.RoleHuman, Text: testPersona}, res.History[0])
	assert.Equal(t, llm.RoleAI, res.History[1].Role)
	assert.Equal(t, llm.Message{Role: llm.RoleHuman, Text: "hello"}, res.History[2])
	assert.Equal(t, llm.Message{Role: llm.RoleAI, Text: "echo: hello"}, res.History[3])

	// Priming plus the user turn, on one engine.
	assert.Equal(t, int32(2), f.engineOf(t, res.SessionID).calls.Load())

	history, err := f.orch.Session(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, res.History, history)
	assert.Equal(t, res.History, f.durableHistory(t, res.SessionID))

	sess, _ := f.store.Get(res.SessionID)
	assert.Equal(t, testPersona, sess.InitialPrompt())
	assert.False(t, sess.DurableStale())
}

func TestChat_ContinueKnownSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.orch.Chat(ctx, TurnRequest{Input: "hello"})
	require.NoError(t, err)

	second, err := f.orch.Chat(ctx, TurnRequest{SessionID: first.SessionID, Input: "continue"})
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.False(t, second.Created)
	assert.Len(t, second.History, len(first.History)+2)
	assert.Equal(t, "continue", second.History[len(second.History)-2].Text)
	assert.Equal(t, 1, f.factory.count())
	assert.Equal(t, second.History, f.durableHistory(t, first.SessionID))
	assert.Equal(t, 1, f.records.Len())
}

func TestChat_UnknownIDCreatesFreshSession(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.Chat(context.Background(), TurnRequest{SessionID: "client-chosen", Input: "hi"})
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.NotEqual(t, "client-chosen", res.SessionID)
	_, ok := f.store.Get("client-chosen")
	assert.False(t, ok)
}

func TestChat_ConcurrentNewSessionsAreDistinct(t *testing.T) {
	f := newFixture(t)

	const turns = 20
	ids := make(chan string, turns)
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.orch.Chat(context.Background(), TurnRequest{Input: "hi"})
			if assert.NoError(t, err) {
				ids <- res.SessionID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate session id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, turns)
	assert.Equal(t, turns, f.factory.count())
	assert.Equal(t, turns, f.store.Len())
}

func TestChat_OneEnginePerSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.orch.Chat(ctx, TurnRequest{Input: "a"})
	require.NoError(t, err)
	b, err := f.orch.Chat(ctx, TurnRequest{Input: "b"})
	require.NoError(t, err)

	engineA := f.engineOf(t, a.SessionID)
	for i := 0; i < 3; i++ {
		_, err := f.orch.Chat(ctx, TurnRequest{SessionID: a.SessionID, Input: "more"})
		require.NoError(t, err)
	}

	assert.Same(t, engineA, f.engineOf(t, a.SessionID))
	assert.NotSame(t, engineA, f.engineOf(t, b.SessionID))
	assert.Equal(t, 2, f.factory.count())
}

// =============================================================================
// Failure Handling
// =============================================================================

func TestChat_FailedTurnLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.orch.Chat(ctx, TurnRequest{Input: "hello"})
	require.NoError(t, err)
	before, err := f.orch.Session(first.SessionID)
	require.NoError(t, err)
	durableBefore := f.durableHistory(t, first.SessionID)

	upstream := errors.New("upstream rejected the request")
	f.engineOf(t, first.SessionID).setFail(func(string) error { return upstream })

	_, err = f.orch.Chat(ctx, TurnRequest{SessionID: first.SessionID, Input: "boom"})
	require.Error(t, err)

	var engineErr *EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, first.SessionID, engineErr.SessionID)
	assert.Equal(t, StageUserTurn, engineErr.Stage)
	assert.ErrorIs(t, err, upstream)

	after, err := f.orch.Session(first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, durableBefore, f.durableHistory(t, first.SessionID))

	// Retry succeeds once the engine recovers.
	f.engineOf(t, first.SessionID).setFail(nil)
	res, err := f.orch.Chat(ctx, TurnRequest{SessionID: first.SessionID, Input: "boom"})
	require.NoError(t, err)
	assert.Len(t, res.History, len(before)+2)
}

func TestChat_PrimingFailureCreatesNothing(t *testing.T) {
	f := newFixture(t)
	f.factory.failWith = func(prompt string) error {
		if prompt == testPersona {
			return errors.New("model not loaded")
		}
		return nil
	}

	_, err := f.orch.Chat(context.Background(), TurnRequest{Input: "hello"})

	var engineErr *EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, StagePriming, engineErr.Stage)
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, 0, f.records.Len())
}

func TestChat_FirstTurnFailureDiscardsSession(t *testing.T) {
	f := newFixture(t)
	f.factory.failWith = func(prompt string) error {
		if prompt == "hello" {
			return errors.New("rate limited")
		}
		return nil
	}

	_, err := f.orch.Chat(context.Background(), TurnRequest{Input: "hello"})

	var engineErr *EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, StageUserTurn, engineErr.Stage)
	assert.Empty(t, f.orch.ListSessions())
	_, err = f.orch.Session(engineErr.SessionID)
	assert.ErrorIs(t, err, sessions.ErrSessionNotFound)
}

func TestChat_EngineFactoryFailure(t *testing.T) {
	f := newFixture(t)
	f.factory.err = errors.New("no provider")

	_, err := f.orch.Chat(context.Background(), TurnRequest{Input: "hello"})

	var engineErr *EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, 0, f.store.Len())
}

func TestChat_DurableSyncFailureDoesNotFailTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.records.failing.Store(true)

	res, err := f.orch.Chat(ctx, TurnRequest{Input: "hello"})
	require.NoError(t, err)
	assert.Len(t, res.History, 4)

	sess, ok := f.store.Get(res.SessionID)
	require.True(t, ok)
	assert.True(t, sess.DurableStale())
	assert.Equal(t, []string{res.SessionID}, f.store.Stale())
	assert.GreaterOrEqual(t, testutil.ToFloat64(f.metrics.DurableSyncFailuresTotal), 1.0)

	// Still failing: reconcile reports the error and keeps the flag.
	n, err := f.orch.Reconcile(ctx)
	assert.Error(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, sess.DurableStale())

	f.records.failing.Store(false)
	n, err = f.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, sess.DurableStale())
	assert.Equal(t, res.History, f.durableHistory(t, res.SessionID))

	n, err = f.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// =============================================================================
// Concurrency
// =============================================================================

func TestChat_TurnsOnOneSessionAreSerialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.orch.Chat(ctx, TurnRequest{Input: "hello"})
	require.NoError(t, err)

	const turns = 10
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Chat(ctx, TurnRequest{SessionID: first.SessionID, Input: "again"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	engine := f.engineOf(t, first.SessionID)
	assert.Equal(t, int32(1), engine.maxInflight.Load())

	history, err := f.orch.Session(first.SessionID)
	require.NoError(t, err)
	assert.Len(t, history, len(first.History)+2*turns)
	for i := 0; i < len(history); i += 2 {
		assert.Equal(t, llm.RoleHuman, history[i].Role)
		assert.Equal(t, llm.RoleAI, history[i+1].Role)
	}
	assert.Equal(t, history, f.durableHistory(t, first.SessionID))
}

func TestChat_CancelledTurnReleasesLockAndSkipsPersist(t *testing.T) {
	f := newFixture(t)

	first, err := f.orch.Chat(context.Background(), TurnRequest{Input: "hello"})
	require.NoError(t, err)
	engine := f.engineOf(t, first.SessionID)
	engine.setGate(make(chan struct{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Chat(ctx, TurnRequest{SessionID: first.SessionID, Input: "slow"})
		done <- err
	}()
	waitFor(t, func() bool { return engine.inflight.Load() == 1 })
	cancel()

	err = <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, first.History, f.durableHistory(t, first.SessionID))

	engine.setGate(nil)
	res, err := f.orch.Chat(context.Background(), TurnRequest{SessionID: first.SessionID, Input: "fast"})
	require.NoError(t, err)
	assert.Len(t, res.History, len(first.History)+2)
}

func TestChat_WaitingForBusySessionHonoursDeadline(t *testing.T) {
	f := newFixture(t)

	first, err := f.orch.Chat(context.Background(), TurnRequest{Input: "hello"})
	require.NoError(t, err)
	engine := f.engineOf(t, first.SessionID)
	gate := make(chan struct{})
	engine.setGate(gate)

	go func() {
		_, _ = f.orch.Chat(context.Background(), TurnRequest{SessionID: first.SessionID, Input: "slow"})
	}()
	waitFor(t, func() bool { return engine.inflight.Load() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.orch.Chat(ctx, TurnRequest{SessionID: first.SessionID, Input: "queued"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
}

func TestDeleteSession_WaitsForInFlightTurn(t *testing.T) {
	f := newFixture(t)

	first, err := f.orch.Chat(context.Background(), TurnRequest{Input: "hello"})
	require.NoError(t, err)
	engine := f.engineOf(t, first.SessionID)
	gate := make(chan struct{})
	engine.setGate(gate)

	turnDone := make(chan error, 1)
	go func() {
		_, err := f.orch.Chat(context.Background(), TurnRequest{SessionID: first.SessionID, Input: "slow"})
		turnDone <- err
	}()
	waitFor(t, func() bool { return engine.inflight.Load() == 1 })

	deleted := make(chan error, 1)
	go func() { deleted <- f.orch.DeleteSession(context.Background(), first.SessionID) }()

	select {
	case <-deleted:
		t.Fatal("delete returned while a turn was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-turnDone)
	require.NoError(t, <-deleted)

	_, err = f.orch.Session(first.SessionID)
	assert.ErrorIs(t, err, sessions.ErrSessionNotFound)
}

// =============================================================================
// Session Operations
// =============================================================================

func TestDeleteSession_IsIdempotentAndNeverReused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.orch.Chat(ctx, TurnRequest{Input: "hello"})
	require.NoError(t, err)
	oldEngine := f.engineOf(t, first.SessionID)

	require.NoError(t, f.orch.DeleteSession(ctx, first.SessionID))
	require.NoError(t, f.orch.DeleteSession(ctx, first.SessionID))
	assert.Empty(t, f.orch.ListSessions())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionsDeletedTotal))

	// Old id: a brand-new session, never the old engine or history.
	res, err := f.orch.Chat(ctx, TurnRequest{SessionID: first.SessionID, Input: "are you there"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.NotEqual(t, first.SessionID, res.SessionID)
	assert.NotSame(t, oldEngine, f.engineOf(t, res.SessionID))
	assert.Len(t, res.History, 4)

	// The durable record of the deleted session is kept.
	_, err = f.records.FindBySession(ctx, first.SessionID)
	assert.NoError(t, err)
}

func TestClearSessions_ResetsFully(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		res, err := f.orch.Chat(ctx, TurnRequest{Input: "hi"})
		require.NoError(t, err)
		ids = append(ids, res.SessionID)
	}
	assert.ElementsMatch(t, ids, f.orch.ListSessions())
	assert.Equal(t, 3, f.orch.ActiveSessions())

	assert.Equal(t, 3, f.orch.ClearSessions())
	assert.Empty(t, f.orch.ListSessions())
	for _, id := range ids {
		_, err := f.orch.Session(id)
		assert.ErrorIs(t, err, sessions.ErrSessionNotFound)
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.SessionsActive))
	assert.Equal(t, 0, f.orch.ClearSessions())
}

func TestChat_Metrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.orch.Chat(ctx, TurnRequest{Input: "hello"})
	require.NoError(t, err)
	_, err = f.orch.Chat(ctx, TurnRequest{SessionID: first.SessionID, Input: "again"})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TurnsTotal.WithLabelValues("create", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TurnsTotal.WithLabelValues("continue", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionsCreatedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionsActive))
	assert.Equal(t, 3, testutil.CollectAndCount(f.metrics.EngineCallSeconds))
}

func TestReconcile_DrivenByScheduler(t *testing.T) {
	f := newFixture(t)
	f.records.failing.Store(true)
	res, err := f.orch.Chat(context.Background(), TurnRequest{Input: "hello"})
	require.NoError(t, err)
	f.records.failing.Store(false)

	scheduler := reconcile.NewScheduler(f.orch, 5*time.Millisecond)
	require.NoError(t, scheduler.Start(context.Background()))
	defer scheduler.Stop()

	waitFor(t, func() bool { return len(f.store.Stale()) == 0 })
	assert.Equal(t, res.History, f.durableHistory(t, res.SessionID))
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sessions holds the live chat sessions of the orchestrator.
//
// # Description
//
// Store is the single, process-wide, in-memory owner of Session state. It is
// constructed once at startup and passed by reference to the orchestrator;
// nothing else mutates it. Each Session carries a turn lock so that at most
// one turn runs against its engine at a time. Callers take the lock through
// Create or Acquire and give it back through the returned Lease.
//
// # Thread Safety
//
// All Store and Session methods are safe for concurrent use.
package sessions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/MemoryChat/services/llm"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrSessionNotFound is returned when an id has no live session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned by Create for an id already in the store.
	// The orchestrator resolves new-vs-existing before creating, so this
	// indicates a logic error.
	ErrSessionExists = errors.New("session already exists")
)

// Session is one live conversation.
//
// # Description
//
// The id, initial prompt and engine never change after creation. The
// history is a snapshot of the engine's history taken at the end of the last
// successful turn; readers get copies and never touch the engine.
type Session struct {
	id            string
	initialPrompt string
	createdAt     time.Time
	engine        llm.Engine
	turn          *semaphore.Weighted

	// retired is set once the session has left the store.
	retired atomic.Bool
	// stale is set while the durable chat log lags behind history.
	stale atomic.Bool

	mu         sync.RWMutex
	history    []llm.Message
	lastActive time.Time
	turns      int
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// InitialPrompt returns the persona prompt used to prime the engine.
func (s *Session) InitialPrompt() string { return s.initialPrompt }

// CreatedAt returns when the session entered the store.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Engine returns the engine owned by this session. Submit must only be
// called while holding the session's Lease.
func (s *Session) Engine() llm.Engine { return s.engine }

// DurableStale reports whether the last durable sync failed.
func (s *Session) DurableStale() bool { return s.stale.Load() }

// History returns a copy of the committed history.
func (s *Session) History() []llm.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]llm.Message, len(s.history))
	copy(out, s.history)
	return out
}

// LastActive returns the time of the last committed turn.
func (s *Session) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

// Turns returns the number of committed user turns.
func (s *Session) Turns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.turns
}

// Store maps session ids to live sessions.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Create inserts a fully constructed session and returns it locked.
//
// # Description
//
// The session's turn lock is taken before the session becomes visible, so
// the creating turn runs to completion before any other turn can use it.
//
// # Outputs
//
//   - *Lease: holds the new session's turn lock. The caller must Release or
//     Discard it.
//   - error: ErrSessionExists for a duplicate id, or invalid arguments.
func (st *Store) Create(id string, engine llm.Engine, initialPrompt string) (*Lease, error) {
	if id == "" {
		return nil, errors.New("sessions: empty session id")
	}
	if engine == nil {
		return nil, errors.New("sessions: nil engine")
	}

	now := st.now()
	sess := &Session{
		id:            id,
		initialPrompt: initialPrompt,
		createdAt:     now,
		engine:        engine,
		turn:          semaphore.NewWeighted(1),
		lastActive:    now,
		history:       []llm.Message{},
	}
	sess.turn.TryAcquire(1)

	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.sessions[id]; exists {
		return nil, ErrSessionExists
	}
	st.sessions[id] = sess
	return &Lease{store: st, session: sess}, nil
}

// Get returns the live session for id.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sess, ok := st.sessions[id]
	return sess, ok
}

// Acquire takes the turn lock of the live session for id.
//
// # Outputs
//
//   - *Lease: holds the turn lock.
//   - error: ErrSessionNotFound if id is unknown or the session was deleted
//     while waiting; the context error if ctx ended while waiting.
func (st *Store) Acquire(ctx context.Context, id string) (*Lease, error) {
	sess, ok := st.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if err := sess.turn.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if sess.retired.Load() {
		sess.turn.Release(1)
		return nil, ErrSessionNotFound
	}
	return &Lease{store: st, session: sess}, nil
}

// HistoryOf returns a copy of the committed history of id.
func (st *Store) HistoryOf(id string) ([]llm.Message, error) {
	sess, ok := st.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.History(), nil
}

// Delete removes id from the store. Deleting an absent id is a no-op.
//
// # Description
//
// Delete waits for the session's in-flight turn, if any, so a turn that has
// resolved the session keeps it until the turn finishes. The only error is
// the context error when ctx ends before the turn lock is obtained.
func (st *Store) Delete(ctx context.Context, id string) error {
	sess, ok := st.Get(id)
	if !ok {
		return nil
	}
	if err := sess.turn.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sess.turn.Release(1)
	st.remove(sess)
	return nil
}

// ClearAll empties the store in one exclusive step and returns how many
// sessions were removed. In-flight turns are not waited for; they finish
// against their detached session.
func (st *Store) ClearAll() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := len(st.sessions)
	for _, sess := range st.sessions {
		sess.retired.Store(true)
	}
	st.sessions = make(map[string]*Session)
	return n
}

// ListIDs returns the ids of all live sessions in no particular order.
func (st *Store) ListIDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Stale returns the ids of live sessions whose durable copy is behind.
func (st *Store) Stale() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var ids []string
	for id, sess := range st.sessions {
		if sess.stale.Load() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (st *Store) remove(sess *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if current, ok := st.sessions[sess.id]; ok && current == sess {
		delete(st.sessions, sess.id)
	}
	sess.retired.Store(true)
}

// Lease is exclusive use of one session for the duration of a turn.
type Lease struct {
	store   *Store
	session *Session
	once    sync.Once
}

// Session returns the leased session.
func (l *Lease) Session() *Session { return l.session }

// Commit replaces the session's history snapshot after a successful turn and
// counts the turn.
func (l *Lease) Commit(history []llm.Message) {
	snapshot := make([]llm.Message, len(history))
	copy(snapshot, history)

	s := l.session
	s.mu.Lock()
	s.history = snapshot
	s.lastActive = l.store.now()
	s.turns++
	s.mu.Unlock()
}

// MarkDurable records whether the durable chat log caught up with history.
func (l *Lease) MarkDurable(synced bool) {
	l.session.stale.Store(!synced)
}

// Discard removes the session from the store and releases the lease. Used
// when the turn that created the session fails.
func (l *Lease) Discard() {
	l.store.remove(l.session)
	l.Release()
}

// Release gives the turn lock back. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.session.turn.Release(1)
	})
}

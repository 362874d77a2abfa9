// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chatlog mirrors session history into a durable record store.
//
// # Description
//
// The chat log is an audit/recovery copy of each session's history. It is
// never read on the turn path: ChatLog always round-trips to its RecordStore
// and keeps no cache. Each session maps to exactly one record, created on the
// session's first turn and updated on every later one.
//
// # Backends
//
//   - BadgerStore: embedded BadgerDB (default).
//   - WeaviateStore: a "ChatLog" class in Weaviate.
//   - MemoryStore: process memory, for tests and throwaway runs.
package chatlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/MemoryChat/services/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

var chatlogTracer = otel.Tracer("memorychat.orchestrator.chatlog")

var (
	// ErrRecordNotFound is returned by FindBySession when a session has no record.
	ErrRecordNotFound = errors.New("chat log record not found")

	// ErrRecordExists is returned by Create when the session already has a record.
	ErrRecordExists = errors.New("chat log record already exists")
)

// Record is the durable copy of one session's history.
type Record struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	History   string    `json:"history,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecordStore is a keyed record store with create/find/update primitives.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type RecordStore interface {
	// Create stores a new record holding only sessionID and returns its id.
	Create(ctx context.Context, sessionID string) (string, error)

	// FindBySession returns the record for sessionID or ErrRecordNotFound.
	FindBySession(ctx context.Context, sessionID string) (*Record, error)

	// Update replaces the history of the record with id recordID.
	Update(ctx context.Context, recordID string, history string) error

	// Close releases the store's resources.
	Close() error
}

// ChatLog translates orchestrator calls into RecordStore primitives.
type ChatLog struct {
	store  RecordStore
	ensure singleflight.Group
}

// New wraps store.
func New(store RecordStore) *ChatLog {
	return &ChatLog{store: store}
}

// Ensure returns the id of the record for sessionID, creating the record when
// it does not exist yet. Concurrent calls for the same session share one
// round-trip.
func (c *ChatLog) Ensure(ctx context.Context, sessionID string) (string, error) {
	v, err, _ := c.ensure.Do(sessionID, func() (interface{}, error) {
		return c.findOrCreate(ctx, sessionID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *ChatLog) findOrCreate(ctx context.Context, sessionID string) (string, error) {
	rec, err := c.store.FindBySession(ctx, sessionID)
	if err == nil {
		return rec.ID, nil
	}
	if !errors.Is(err, ErrRecordNotFound) {
		return "", fmt.Errorf("find chat log for session %s: %w", sessionID, err)
	}

	id, err := c.store.Create(ctx, sessionID)
	if errors.Is(err, ErrRecordExists) {
		// Lost a create race with another writer; the record is there now.
		rec, err = c.store.FindBySession(ctx, sessionID)
		if err != nil {
			return "", fmt.Errorf("find chat log for session %s: %w", sessionID, err)
		}
		return rec.ID, nil
	}
	if err != nil {
		return "", fmt.Errorf("create chat log for session %s: %w", sessionID, err)
	}
	slog.Info("Created chat log record", "session_id", sessionID, "record_id", id)
	return id, nil
}

// Sync writes history to the session's record, creating it if needed.
func (c *ChatLog) Sync(ctx context.Context, sessionID string, history []llm.Message) error {
	ctx, span := chatlogTracer.Start(ctx, "ChatLog.Sync")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("history.length", len(history)),
	)

	recordID, err := c.Ensure(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	encoded, err := EncodeHistory(history)
	if err != nil {
		return err
	}
	if err := c.store.Update(ctx, recordID, encoded); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("update chat log for session %s: %w", sessionID, err)
	}
	return nil
}

// Close closes the underlying store.
func (c *ChatLog) Close() error {
	return c.store.Close()
}

// EncodeHistory serializes history as a JSON array.
func EncodeHistory(history []llm.Message) (string, error) {
	if history == nil {
		history = []llm.Message{}
	}
	raw, err := json.Marshal(history)
	if err != nil {
		return "", fmt.Errorf("encode history: %w", err)
	}
	return string(raw), nil
}

// DecodeHistory parses a value produced by EncodeHistory. An empty string is
// an empty history.
func DecodeHistory(encoded string) ([]llm.Message, error) {
	if encoded == "" {
		return []llm.Message{}, nil
	}
	var history []llm.Message
	if err := json.Unmarshal([]byte(encoded), &history); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return history, nil
}

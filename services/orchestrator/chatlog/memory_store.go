// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chatlog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a RecordStore kept in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]*Record
	bySession map[string]string
	now       func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]*Record),
		bySession: make(map[string]string),
		now:       time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, sessionID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bySession[sessionID]; ok {
		return "", ErrRecordExists
	}
	now := m.now()
	rec := &Record{ID: uuid.NewString(), SessionID: sessionID, CreatedAt: now, UpdatedAt: now}
	m.records[rec.ID] = rec
	m.bySession[sessionID] = rec.ID
	return rec.ID, nil
}

func (m *MemoryStore) FindBySession(ctx context.Context, sessionID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bySession[sessionID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	rec := *m.records[id]
	return &rec, nil
}

func (m *MemoryStore) Update(ctx context.Context, recordID string, history string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok {
		return ErrRecordNotFound
	}
	rec.History = history
	rec.UpdatedAt = m.now()
	return nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MemoryStore) Close() error { return nil }

var _ RecordStore = (*MemoryStore)(nil)

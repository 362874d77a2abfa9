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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	storage "github.com/AleutianAI/MemoryChat/pkg/storage/badger"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const (
	sessionKeyPrefix = "chatlog/session/"
	recordKeyPrefix  = "chatlog/record/"
)

// BadgerStore is a RecordStore on an embedded BadgerDB.
//
// # Description
//
// Two key families are kept:
//
//	chatlog/session/<sessionID> -> record id
//	chatlog/record/<recordID>   -> JSON Record
//
// Create writes both keys in one transaction, so a session can never end up
// with two records.
type BadgerStore struct {
	db  *storage.DB
	now func() time.Time
}

// NewBadgerStore uses an already open database. Close closes it.
func NewBadgerStore(db *storage.DB) *BadgerStore {
	return &BadgerStore{db: db, now: time.Now}
}

// OpenBadgerStore opens a database with cfg and wraps it.
func OpenBadgerStore(cfg storage.Config) (*BadgerStore, error) {
	db, err := storage.Open(cfg)
	if err != nil {
		return nil, err
	}
	return NewBadgerStore(db), nil
}

func sessionKey(sessionID string) []byte { return []byte(sessionKeyPrefix + sessionID) }
func recordKey(recordID string) []byte   { return []byte(recordKeyPrefix + recordID) }

func (b *BadgerStore) Create(ctx context.Context, sessionID string) (string, error) {
	now := b.now().UTC()
	rec := Record{ID: uuid.NewString(), SessionID: sessionID, CreatedAt: now, UpdatedAt: now}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}

	err = b.db.UpdateContext(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(sessionKey(sessionID))
		if err == nil {
			return ErrRecordExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(recordKey(rec.ID), raw); err != nil {
			return err
		}
		return txn.Set(sessionKey(sessionID), []byte(rec.ID))
	})
	if errors.Is(err, badger.ErrConflict) {
		return "", ErrRecordExists
	}
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (b *BadgerStore) FindBySession(ctx context.Context, sessionID string) (*Record, error) {
	var rec Record
	err := b.db.ViewContext(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(sessionID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrRecordNotFound
		}
		if err != nil {
			return err
		}
		recordID, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return readRecord(txn, string(recordID), &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (b *BadgerStore) Update(ctx context.Context, recordID string, history string) error {
	return b.db.UpdateContext(ctx, func(txn *badger.Txn) error {
		var rec Record
		if err := readRecord(txn, recordID, &rec); err != nil {
			return err
		}
		rec.History = history
		rec.UpdatedAt = b.now().UTC()
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		return txn.Set(recordKey(recordID), raw)
	})
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func readRecord(txn *badger.Txn, recordID string, rec *Record) error {
	item, err := txn.Get(recordKey(recordID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrRecordNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, rec)
	})
}

var _ RecordStore = (*BadgerStore)(nil)

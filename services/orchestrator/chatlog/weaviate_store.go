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
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// ChatLogClassName is the Weaviate class holding chat log records.
const ChatLogClassName = "ChatLog"

// recordNamespace seeds the deterministic object ids so that a session can
// only ever own one ChatLog object.
var recordNamespace = uuid.MustParse("6f1c1c1e-4d0b-4b57-9a3c-6d3e2c8a9b10")

// WeaviateStore keeps chat log records as objects of the ChatLog class.
//
// # Description
//
// Object ids are derived from the session id, so a second Create for the same
// session collides in Weaviate instead of producing a duplicate record.
type WeaviateStore struct {
	client *weaviate.Client
	now    func() time.Time
}

// GetChatLogSchema returns the ChatLog class definition.
func GetChatLogSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       ChatLogClassName,
		Description: "Durable copy of a chat session's conversation history",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "session_id",
				DataType:        []string{"text"},
				Description:     "The session this record belongs to.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "history",
				DataType:    []string{"text"},
				Description: "JSON encoded list of {role, text} messages.",
			},
			{
				Name:        "created_at",
				DataType:    []string{"number"},
				Description: "Unix milliseconds when the record was created.",
			},
			{
				Name:        "updated_at",
				DataType:    []string{"number"},
				Description: "Unix milliseconds of the last history update.",
			},
		},
	}
}

// NewWeaviateClient builds a client from a service URL such as
// http://weaviate:8080.
func NewWeaviateClient(serviceURL string) (*weaviate.Client, error) {
	parsed, err := url.Parse(serviceURL)
	if err != nil {
		return nil, fmt.Errorf("parse weaviate url %q: %w", serviceURL, err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("weaviate url %q has no host", serviceURL)
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return client, nil
}

// NewWeaviateStore wraps client and makes sure the ChatLog class exists.
func NewWeaviateStore(ctx context.Context, client *weaviate.Client) (*WeaviateStore, error) {
	if client == nil {
		return nil, errors.New("weaviate client is required")
	}
	if err := EnsureSchema(ctx, client); err != nil {
		return nil, err
	}
	return &WeaviateStore{client: client, now: time.Now}, nil
}

// EnsureSchema creates the ChatLog class unless it is already present.
func EnsureSchema(ctx context.Context, client *weaviate.Client) error {
	if _, err := client.Schema().ClassGetter().WithClassName(ChatLogClassName).Do(ctx); err == nil {
		return nil
	}
	slog.Info("Creating Weaviate schema", "class", ChatLogClassName)
	if err := client.Schema().ClassCreator().WithClass(GetChatLogSchema()).Do(ctx); err != nil {
		return fmt.Errorf("create %s schema: %w", ChatLogClassName, err)
	}
	return nil
}

// RecordIDFor returns the deterministic object id used for sessionID.
func RecordIDFor(sessionID string) string {
	return uuid.NewSHA1(recordNamespace, []byte(sessionID)).String()
}

// Create implements RecordStore.
func (s *WeaviateStore) Create(ctx context.Context, sessionID string) (string, error) {
	now := s.now().UnixMilli()
	result, err := s.client.Data().Creator().
		WithClassName(ChatLogClassName).
		WithID(RecordIDFor(sessionID)).
		WithProperties(map[string]interface{}{
			"session_id": sessionID,
			"history":    "",
			"created_at": now,
			"updated_at": now,
		}).
		Do(ctx)
	if err != nil {
		if _, findErr := s.FindBySession(ctx, sessionID); findErr == nil {
			return "", ErrRecordExists
		}
		return "", fmt.Errorf("create %s object: %w", ChatLogClassName, err)
	}
	if result == nil || result.Object == nil {
		return "", errors.New("weaviate created a chat log but returned a nil result")
	}
	return result.Object.ID.String(), nil
}

// FindBySession implements RecordStore.
func (s *WeaviateStore) FindBySession(ctx context.Context, sessionID string) (*Record, error) {
	where := filters.Where().
		WithPath([]string{"session_id"}).
		WithOperator(filters.Equal).
		WithValueString(sessionID)

	fields := []graphql.Field{
		{Name: "session_id"},
		{Name: "history"},
		{Name: "created_at"},
		{Name: "updated_at"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}},
	}

	resp, err := s.client.GraphQL().Get().
		WithClassName(ChatLogClassName).
		WithWhere(where).
		WithFields(fields...).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", ChatLogClassName, err)
	}
	return parseRecordResponse(resp)
}

// Update implements RecordStore.
func (s *WeaviateStore) Update(ctx context.Context, recordID string, history string) error {
	err := s.client.Data().Updater().
		WithClassName(ChatLogClassName).
		WithID(recordID).
		WithProperties(map[string]interface{}{
			"history":    history,
			"updated_at": s.now().UnixMilli(),
		}).
		WithMerge().
		Do(ctx)
	if err != nil {
		return fmt.Errorf("update %s object %s: %w", ChatLogClassName, recordID, err)
	}
	return nil
}

// Close is a no-op; the Weaviate client holds no resources that need release.
func (s *WeaviateStore) Close() error {
	return nil
}

type chatLogQueryResponse struct {
	Get struct {
		ChatLog []chatLogResult `json:"ChatLog"`
	} `json:"Get"`
}

type chatLogResult struct {
	SessionID  string  `json:"session_id"`
	History    string  `json:"history"`
	CreatedAt  float64 `json:"created_at"`
	UpdatedAt  float64 `json:"updated_at"`
	Additional struct {
		ID string `json:"id"`
	} `json:"_additional"`
}

// parseRecordResponse turns a GraphQL Get response into the first record it
// holds.
func parseRecordResponse(resp *models.GraphQLResponse) (*Record, error) {
	if resp == nil {
		return nil, errors.New("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			if e != nil {
				msgs = append(msgs, e.Message)
			}
		}
		return nil, fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; "))
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal GraphQL response data: %w", err)
	}
	var parsed chatLogQueryResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal GraphQL response data: %w", err)
	}
	if len(parsed.Get.ChatLog) == 0 {
		return nil, ErrRecordNotFound
	}

	hit := parsed.Get.ChatLog[0]
	return &Record{
		ID:        hit.Additional.ID,
		SessionID: hit.SessionID,
		History:   hit.History,
		CreatedAt: time.UnixMilli(int64(hit.CreatedAt)),
		UpdatedAt: time.UnixMilli(int64(hit.UpdatedAt)),
	}, nil
}

var _ RecordStore = (*WeaviateStore)(nil)

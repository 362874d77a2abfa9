// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/awnumar/memguard"
)

// DefaultSecretPath is where container runtimes mount the provider key.
const DefaultSecretPath = "/run/secrets/openai_api_key"

// ErrMissingCredential is returned when no provider key could be found.
var ErrMissingCredential = errors.New("provider credential not set")

// Credential holds the upstream provider API key in a memguard enclave.
//
// # Description
//
// The key is read once at startup and sealed; it only leaves the enclave
// when a provider client is being constructed.
//
// # Thread Safety
//
// Safe for concurrent use.
type Credential struct {
	source  string
	enclave *memguard.Enclave
}

// LoadCredential reads the key from envKey, falling back to the secret file
// at secretPath. A missing key is a startup error, never a per-request one.
func LoadCredential(envKey, secretPath string) (*Credential, error) {
	if value := strings.TrimSpace(os.Getenv(envKey)); value != "" {
		slog.Info("Read provider credential from environment", "variable", envKey)
		return newCredential(envKey, []byte(value)), nil
	}
	if secretPath != "" {
		raw, err := os.ReadFile(secretPath)
		if err == nil {
			if value := strings.TrimSpace(string(raw)); value != "" {
				memguard.WipeBytes(raw)
				slog.Info("Read provider credential from secret file", "path", secretPath)
				return newCredential(secretPath, []byte(value)), nil
			}
		}
	}
	return nil, fmt.Errorf("%w: set %s or mount %s", ErrMissingCredential, envKey, secretPath)
}

// NewCredential seals value directly. Intended for tests and embedding.
func NewCredential(value string) (*Credential, error) {
	if value == "" {
		return nil, ErrMissingCredential
	}
	return newCredential("inline", []byte(value)), nil
}

func newCredential(source string, value []byte) *Credential {
	return &Credential{source: source, enclave: memguard.NewEnclave(value)}
}

// Source names where the credential was read from.
func (c *Credential) Source() string {
	return c.source
}

// Reveal decrypts the key into a regular string.
func (c *Credential) Reveal() (string, error) {
	buf, err := c.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("open credential enclave: %w", err)
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

// PurgeCredentials destroys every memguard buffer in the process. Call once
// on shutdown.
func PurgeCredentials() {
	memguard.Purge()
}

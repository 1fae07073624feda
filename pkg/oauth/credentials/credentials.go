// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package credentials stores the tokens this server obtains from upstream
// OAuth providers on behalf of a user.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meridianmcp/meridian/pkg/kv"
)

var keyPrefix = kv.Key{"oauth", "credentials"}

// Credentials is the per-user record of upstream tokens.
type Credentials struct {
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	TokenType    string            `json:"token_type"`
	ExpiresAt    time.Time         `json:"expires_at"`
	Scopes       []string          `json:"scopes,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Expired reports whether the access token is past its expiry.
func (c *Credentials) Expired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// Store persists per-user upstream credentials in the kv store.
type Store struct {
	store kv.Store
}

// NewStore creates a credential store.
func NewStore(store kv.Store) *Store {
	return &Store{store: store}
}

// Put saves a user's credentials, stamping UpdatedAt.
func (s *Store) Put(ctx context.Context, userID string, creds *Credentials) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	creds.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	if err := s.store.Set(ctx, keyPrefix.Append(userID), payload, nil); err != nil {
		return fmt.Errorf("storing credentials: %w", err)
	}
	return nil
}

// Get returns a user's credentials, or nil if none are stored.
func (s *Store) Get(ctx context.Context, userID string) (*Credentials, error) {
	entry, err := s.store.Get(ctx, keyPrefix.Append(userID))
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}
	if entry == nil {
		return nil, nil
	}
	var creds Credentials
	if err := json.Unmarshal(entry.Value, &creds); err != nil {
		return nil, fmt.Errorf("decoding credentials: %w", err)
	}
	return &creds, nil
}

// Delete removes a user's credentials.
func (s *Store) Delete(ctx context.Context, userID string) error {
	return s.store.Delete(ctx, keyPrefix.Append(userID))
}

// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package tokens manages the authorization server's opaque credentials:
// authorization codes, access tokens and refresh tokens. All three are random
// strings with at least 32 bytes of entropy, persisted in the kv store with a
// TTL mirrored in the record so expiry never depends on the backend sweeping.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meridianmcp/meridian/pkg/kv"
	"github.com/meridianmcp/meridian/pkg/logger"
)

// Default lifetimes.
const (
	DefaultAuthorizationCodeExpiry = 10 * time.Minute
	DefaultAccessTokenExpiry       = time.Hour
	DefaultRefreshTokenExpiry      = 30 * 24 * time.Hour
)

// tokenEntropyBytes is the entropy per generated token.
const tokenEntropyBytes = 32

// ErrInvalidRefreshToken is returned when a presented refresh token does not
// exist, has expired, or lost a rotation race.
var ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")

// Keyspaces owned by this package.
var (
	authCodePrefix     = kv.Key{"oauth", "auth_codes"}
	accessTokenPrefix  = kv.Key{"oauth", "access_tokens"}
	refreshTokenPrefix = kv.Key{"oauth", "refresh_tokens"}
)

// AuthorizationCode is a one-time code bound to a client, user and redirect URI.
type AuthorizationCode struct {
	Code          string    `json:"code"`
	ClientID      string    `json:"client_id"`
	UserID        string    `json:"user_id"`
	RedirectURI   string    `json:"redirect_uri"`
	CodeChallenge string    `json:"code_challenge,omitempty"`
	Scope         string    `json:"scope,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// AccessToken is a bearer credential for MCP requests.
type AccessToken struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id"`
	Scopes    []string  `json:"scopes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RefreshToken is the long-lived credential used to rotate token pairs.
type RefreshToken struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id"`
	Scopes    []string  `json:"scopes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Pair is an issued access/refresh token pair.
type Pair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64 // seconds
	Scopes       []string
}

// TokenInfo is the identity resolved from a valid access token.
type TokenInfo struct {
	ClientID string
	UserID   string
	Scopes   []string
}

// Config holds token lifetimes. Zero values fall back to the defaults.
type Config struct {
	AuthorizationCodeExpiry time.Duration
	AccessTokenExpiry       time.Duration
	RefreshTokenExpiry      time.Duration
}

func (c *Config) withDefaults() Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	if out.AuthorizationCodeExpiry == 0 {
		out.AuthorizationCodeExpiry = DefaultAuthorizationCodeExpiry
	}
	if out.AccessTokenExpiry == 0 {
		out.AccessTokenExpiry = DefaultAccessTokenExpiry
	}
	if out.RefreshTokenExpiry == 0 {
		out.RefreshTokenExpiry = DefaultRefreshTokenExpiry
	}
	return out
}

// Manager issues, validates and rotates tokens.
type Manager struct {
	store  kv.Store
	config Config
}

// NewManager creates a Manager over the given store.
func NewManager(store kv.Store, config *Config) *Manager {
	return &Manager{store: store, config: config.withDefaults()}
}

// generateToken returns a base64url token with tokenEntropyBytes of entropy.
func generateToken() (string, error) {
	raw := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// GenerateAuthorizationCode issues a new one-time authorization code.
func (m *Manager) GenerateAuthorizationCode(
	ctx context.Context, clientID, userID, redirectURI, codeChallenge, scope string,
) (string, error) {
	code, err := generateToken()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	record := &AuthorizationCode{
		Code:          code,
		ClientID:      clientID,
		UserID:        userID,
		RedirectURI:   redirectURI,
		CodeChallenge: codeChallenge,
		Scope:         scope,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.config.AuthorizationCodeExpiry),
	}
	if err := m.putJSON(ctx, authCodePrefix.Append(code), record, m.config.AuthorizationCodeExpiry); err != nil {
		return "", err
	}
	return code, nil
}

// GetAuthorizationCode returns the code record, or nil if absent or expired.
// An expired record is deleted on read.
func (m *Manager) GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	var record AuthorizationCode
	ok, err := m.getJSON(ctx, authCodePrefix.Append(code), &record)
	if err != nil || !ok {
		return nil, err
	}
	if time.Now().After(record.ExpiresAt) {
		if err := m.store.Delete(ctx, authCodePrefix.Append(code)); err != nil {
			logger.Warnw("failed to delete expired authorization code", "error", err)
		}
		return nil, nil
	}
	return &record, nil
}

// DeleteAuthorizationCode removes a code. Called exactly once by the exchange
// flow to enforce one-time use.
func (m *Manager) DeleteAuthorizationCode(ctx context.Context, code string) error {
	return m.store.Delete(ctx, authCodePrefix.Append(code))
}

// ConsumeAuthorizationCode deletes the code iff it still exists, using an
// atomic check so concurrent exchanges observe at-most-once consumption.
// Returns false if another consumer won the race.
func (m *Manager) ConsumeAuthorizationCode(ctx context.Context, code string) (bool, error) {
	key := authCodePrefix.Append(code)
	entry, err := m.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("loading authorization code: %w", err)
	}
	if entry == nil {
		return false, nil
	}
	err = m.store.Atomic(ctx,
		[]kv.Check{{Key: key, Version: entry.Version}},
		[]kv.Op{kv.DeleteOp(key)},
	)
	if errors.Is(err, kv.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IssueTokenPair creates and stores a new access/refresh token pair.
func (m *Manager) IssueTokenPair(ctx context.Context, clientID, userID string, scopes []string) (*Pair, error) {
	accessToken, err := generateToken()
	if err != nil {
		return nil, err
	}
	refreshToken, err := generateToken()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	access := &AccessToken{
		Token:     accessToken,
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    scopes,
		CreatedAt: now,
		ExpiresAt: now.Add(m.config.AccessTokenExpiry),
	}
	refresh := &RefreshToken{
		Token:     refreshToken,
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    scopes,
		CreatedAt: now,
		ExpiresAt: now.Add(m.config.RefreshTokenExpiry),
	}

	accessPayload, err := json.Marshal(access)
	if err != nil {
		return nil, fmt.Errorf("encoding access token: %w", err)
	}
	refreshPayload, err := json.Marshal(refresh)
	if err != nil {
		return nil, fmt.Errorf("encoding refresh token: %w", err)
	}

	err = m.store.Atomic(ctx, nil, []kv.Op{
		kv.SetOp(accessTokenPrefix.Append(accessToken), accessPayload, m.config.AccessTokenExpiry),
		kv.SetOp(refreshTokenPrefix.Append(refreshToken), refreshPayload, m.config.RefreshTokenExpiry),
	})
	if err != nil {
		return nil, fmt.Errorf("storing token pair: %w", err)
	}

	return &Pair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(m.config.AccessTokenExpiry.Seconds()),
		Scopes:       scopes,
	}, nil
}

// ValidateAccessToken resolves a bearer token to its identity, or nil if the
// token is absent or expired.
func (m *Manager) ValidateAccessToken(ctx context.Context, token string) (*TokenInfo, error) {
	var record AccessToken
	ok, err := m.getJSON(ctx, accessTokenPrefix.Append(token), &record)
	if err != nil || !ok {
		return nil, err
	}
	if time.Now().After(record.ExpiresAt) {
		if err := m.store.Delete(ctx, accessTokenPrefix.Append(token)); err != nil {
			logger.Warnw("failed to delete expired access token", "error", err)
		}
		return nil, nil
	}
	return &TokenInfo{ClientID: record.ClientID, UserID: record.UserID, Scopes: record.Scopes}, nil
}

// Refresh rotates a token pair: the presented refresh token is deleted in the
// same transaction that decides the rotation, so concurrent refreshes on one
// token observe at-most-once semantics; the loser gets ErrInvalidRefreshToken.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*Pair, error) {
	key := refreshTokenPrefix.Append(refreshToken)
	entry, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("loading refresh token: %w", err)
	}
	if entry == nil {
		return nil, ErrInvalidRefreshToken
	}
	var record RefreshToken
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		return nil, fmt.Errorf("decoding refresh token: %w", err)
	}
	if time.Now().After(record.ExpiresAt) {
		_ = m.store.Delete(ctx, key)
		return nil, ErrInvalidRefreshToken
	}

	newAccess, err := generateToken()
	if err != nil {
		return nil, err
	}
	newRefresh, err := generateToken()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	accessPayload, err := json.Marshal(&AccessToken{
		Token: newAccess, ClientID: record.ClientID, UserID: record.UserID,
		Scopes: record.Scopes, CreatedAt: now, ExpiresAt: now.Add(m.config.AccessTokenExpiry),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding access token: %w", err)
	}
	refreshPayload, err := json.Marshal(&RefreshToken{
		Token: newRefresh, ClientID: record.ClientID, UserID: record.UserID,
		Scopes: record.Scopes, CreatedAt: now, ExpiresAt: now.Add(m.config.RefreshTokenExpiry),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding refresh token: %w", err)
	}

	err = m.store.Atomic(ctx,
		[]kv.Check{{Key: key, Version: entry.Version}},
		[]kv.Op{
			kv.DeleteOp(key),
			kv.SetOp(accessTokenPrefix.Append(newAccess), accessPayload, m.config.AccessTokenExpiry),
			kv.SetOp(refreshTokenPrefix.Append(newRefresh), refreshPayload, m.config.RefreshTokenExpiry),
		},
	)
	if errors.Is(err, kv.ErrConflict) {
		return nil, ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, fmt.Errorf("rotating token pair: %w", err)
	}

	return &Pair{
		AccessToken:  newAccess,
		RefreshToken: newRefresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(m.config.AccessTokenExpiry.Seconds()),
		Scopes:       record.Scopes,
	}, nil
}

// RevokeAccessToken removes an access token. Best-effort per RFC 7009:
// revoking an unknown token is not an error.
func (m *Manager) RevokeAccessToken(ctx context.Context, token string) error {
	return m.store.Delete(ctx, accessTokenPrefix.Append(token))
}

// RevokeRefreshToken removes a refresh token. Best-effort per RFC 7009.
func (m *Manager) RevokeRefreshToken(ctx context.Context, token string) error {
	return m.store.Delete(ctx, refreshTokenPrefix.Append(token))
}

func (m *Manager) putJSON(ctx context.Context, key kv.Key, v any, ttl time.Duration) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	if err := m.store.Set(ctx, key, payload, &kv.SetOptions{ExpiresIn: ttl}); err != nil {
		return fmt.Errorf("storing record: %w", err)
	}
	return nil
}

func (m *Manager) getJSON(ctx context.Context, key kv.Key, v any) (bool, error) {
	entry, err := m.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("loading record: %w", err)
	}
	if entry == nil {
		return false, nil
	}
	if err := json.Unmarshal(entry.Value, v); err != nil {
		return false, fmt.Errorf("decoding record: %w", err)
	}
	return true, nil
}

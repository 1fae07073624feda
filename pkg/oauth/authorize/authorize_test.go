// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianmcp/meridian/pkg/kv"
	"github.com/meridianmcp/meridian/pkg/kv/memory"
	"github.com/meridianmcp/meridian/pkg/oauth/clients"
	"github.com/meridianmcp/meridian/pkg/oauth/pkce"
	"github.com/meridianmcp/meridian/pkg/oauth/tokens"
)

type fixture struct {
	store    kv.Store
	handler  *Handler
	clientID string
}

func newFixture(t *testing.T, config *Config) *fixture {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })

	registry := clients.NewRegistry(store, clients.DefaultConfig())
	resp, err := registry.Register(context.Background(), &clients.Request{
		RedirectURIs: []string{"http://localhost:3000/callback"},
		ClientName:   "Test",
	})
	require.NoError(t, err)

	manager := tokens.NewManager(store, nil)
	return &fixture{
		store:    store,
		handler:  NewHandler(store, registry, manager, config),
		clientID: resp.ClientID,
	}
}

func (f *fixture) validRequest(t *testing.T) (*Request, string) {
	t.Helper()
	verifier, err := pkce.GenerateCodeVerifier()
	require.NoError(t, err)
	challenge, err := pkce.GenerateCodeChallenge(verifier, pkce.MethodS256)
	require.NoError(t, err)
	return &Request{
		ResponseType:        "code",
		ClientID:            f.clientID,
		RedirectURI:         "http://localhost:3000/callback",
		State:               "xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: pkce.MethodS256,
		Scope:               "read write",
	}, verifier
}

func TestAuthorizeHappyPath(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	req, _ := f.validRequest(t)
	result, err := f.handler.HandleAuthorizeRequest(ctx, req, "user-1")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Code)
	assert.Equal(t, "xyz", result.State)

	redirect, err := url.Parse(result.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, result.Code, redirect.Query().Get("code"))
	assert.Equal(t, "xyz", redirect.Query().Get("state"))
	assert.Empty(t, redirect.Fragment)
}

func TestValidateAuthorizationRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	mutate := func(fn func(*Request)) *Request {
		req, _ := f.validRequest(t)
		fn(req)
		return req
	}

	tests := []struct {
		name    string
		req     *Request
		wantMsg string
	}{
		{"bad response type", mutate(func(r *Request) { r.ResponseType = "token" }), "response_type"},
		{"missing client", mutate(func(r *Request) { r.ClientID = "" }), "client_id"},
		{"unknown client", mutate(func(r *Request) { r.ClientID = "mcp_0000000000000000" }), "unknown client"},
		{"redirect mismatch", mutate(func(r *Request) { r.RedirectURI = "http://localhost:3000/other" }), "unknown client"},
		{"bad scope", mutate(func(r *Request) { r.Scope = "admin" }), "unsupported scope"},
		{"missing pkce", mutate(func(r *Request) { r.CodeChallenge = "" }), "PKCE required for this client"},
		{"plain rejected", mutate(func(r *Request) { r.CodeChallengeMethod = "plain" }), "code_challenge_method"},
		{"missing state", mutate(func(r *Request) { r.State = "" }), "state"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := f.handler.ValidateAuthorizationRequest(ctx, tt.req)
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestPlainMethodConfigurable(t *testing.T) {
	t.Parallel()
	config := DefaultConfig()
	config.AllowPlainMethod = true
	f := newFixture(t, config)

	req, _ := f.validRequest(t)
	req.CodeChallengeMethod = "plain"
	req.CodeChallenge = "plain-challenge-of-sufficient-length-for-a-verifier"
	assert.NoError(t, f.handler.ValidateAuthorizationRequest(context.Background(), req))
}

func TestExchangeHappyPath(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	req, verifier := f.validRequest(t)
	result, err := f.handler.HandleAuthorizeRequest(ctx, req, "user-1")
	require.NoError(t, err)

	exch, err := f.handler.ExchangeAuthorizationCode(ctx, result.Code, f.clientID, req.RedirectURI, verifier)
	require.NoError(t, err)
	require.True(t, exch.Success, "exchange failed: %s", exch.Error)
	assert.NotEmpty(t, exch.Pair.AccessToken)
	assert.NotEmpty(t, exch.Pair.RefreshToken)
	assert.Equal(t, []string{"read", "write"}, exch.Pair.Scopes)

	// One-time use.
	exch, err = f.handler.ExchangeAuthorizationCode(ctx, result.Code, f.clientID, req.RedirectURI, verifier)
	require.NoError(t, err)
	assert.False(t, exch.Success)
	assert.Equal(t, "Invalid or expired authorization code", exch.Error)
}

func TestExchangeFailuresPreserveCode(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	req, verifier := f.validRequest(t)
	result, err := f.handler.HandleAuthorizeRequest(ctx, req, "user-1")
	require.NoError(t, err)

	// Wrong client id.
	exch, err := f.handler.ExchangeAuthorizationCode(ctx, result.Code, "mcp_0000000000000000", req.RedirectURI, verifier)
	require.NoError(t, err)
	assert.Equal(t, "Invalid client credentials", exch.Error)

	// Wrong redirect URI.
	exch, err = f.handler.ExchangeAuthorizationCode(ctx, result.Code, f.clientID, "http://localhost:3000/other", verifier)
	require.NoError(t, err)
	assert.Equal(t, "Invalid client credentials", exch.Error)

	// Wrong verifier.
	exch, err = f.handler.ExchangeAuthorizationCode(ctx, result.Code, f.clientID, req.RedirectURI,
		"wrong-verifier-of-sufficient-length-padding-xxxxxxx")
	require.NoError(t, err)
	assert.Equal(t, "Invalid PKCE code verifier", exch.Error)

	// Missing verifier when the code carries a challenge.
	exch, err = f.handler.ExchangeAuthorizationCode(ctx, result.Code, f.clientID, req.RedirectURI, "")
	require.NoError(t, err)
	assert.Equal(t, "Invalid PKCE code verifier", exch.Error)

	// The code survives every failure above and still exchanges cleanly.
	exch, err = f.handler.ExchangeAuthorizationCode(ctx, result.Code, f.clientID, req.RedirectURI, verifier)
	require.NoError(t, err)
	assert.True(t, exch.Success)
}

func TestExchangeUnknownCode(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	exch, err := f.handler.ExchangeAuthorizationCode(context.Background(), "never-issued", f.clientID,
		"http://localhost:3000/callback", "")
	require.NoError(t, err)
	assert.False(t, exch.Success)
	assert.Equal(t, "Invalid or expired authorization code", exch.Error)
}

func TestRefreshTokens(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	req, verifier := f.validRequest(t)
	result, err := f.handler.HandleAuthorizeRequest(ctx, req, "user-1")
	require.NoError(t, err)
	exch, err := f.handler.ExchangeAuthorizationCode(ctx, result.Code, f.clientID, req.RedirectURI, verifier)
	require.NoError(t, err)
	require.True(t, exch.Success)

	rotated, err := f.handler.RefreshTokens(ctx, exch.Pair.RefreshToken, f.clientID)
	require.NoError(t, err)
	assert.True(t, rotated.Success)
	assert.NotEqual(t, exch.Pair.RefreshToken, rotated.Pair.RefreshToken)

	stale, err := f.handler.RefreshTokens(ctx, exch.Pair.RefreshToken, f.clientID)
	require.NoError(t, err)
	assert.False(t, stale.Success)
}

func TestMCPAuthRequestBinding(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	req := &MCPAuthRequest{
		SessionID:   "sess-1",
		ClientID:    f.clientID,
		RedirectURI: "http://localhost:3000/callback",
		State:       "client-state",
	}
	require.NoError(t, f.handler.StoreMCPAuthRequest(ctx, "ext-state-1", req))

	got, err := f.handler.GetMCPAuthRequest(ctx, "ext-state-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "client-state", got.State)
	assert.WithinDuration(t, got.CreatedAt.Add(10*time.Minute), got.ExpiresAt, time.Second)

	got, err = f.handler.GetMCPAuthRequest(ctx, "unknown-state")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, f.handler.DeleteMCPAuthRequest(ctx, "ext-state-1"))
	got, err = f.handler.GetMCPAuthRequest(ctx, "ext-state-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.Error(t, f.handler.StoreMCPAuthRequest(ctx, "", req))
}

func TestExpiredMCPAuthRequestDeletedOnRead(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	// Write a record whose embedded expiry is already past, bypassing the
	// store TTL so the read path has to notice on its own.
	record := &MCPAuthRequest{SessionID: "sess-1", ExpiresAt: time.Now().Add(-time.Minute)}
	require.NoError(t, f.handler.StoreMCPAuthRequest(ctx, "ext-expired", record))
	// StoreMCPAuthRequest stamps fresh timestamps, so overwrite directly.
	record.ExpiresAt = time.Now().Add(-time.Minute)
	payload, err := json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, f.store.Set(ctx, kv.Key{"oauth", "mcp_auth_requests", "ext-expired"}, payload, nil))

	got, err := f.handler.GetMCPAuthRequest(ctx, "ext-expired")
	require.NoError(t, err)
	assert.Nil(t, got)

	entry, err := f.store.Get(ctx, kv.Key{"oauth", "mcp_auth_requests", "ext-expired"})
	require.NoError(t, err)
	assert.Nil(t, entry, "expired record is deleted on read")
}

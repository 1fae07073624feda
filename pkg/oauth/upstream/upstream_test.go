// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianmcp/meridian/pkg/kv/memory"
	"github.com/meridianmcp/meridian/pkg/oauth/credentials"
)

func newProvider(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"token_type": "Bearer",
			"expires_in": 3600,
		}
		switch r.Form.Get("grant_type") {
		case "authorization_code":
			if r.Form.Get("code") != "good-code" {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
				return
			}
			resp["access_token"] = "provider-access-1"
			resp["refresh_token"] = "provider-refresh-1"
		case "refresh_token":
			resp["access_token"] = "provider-access-2"
			resp["refresh_token"] = "provider-refresh-2"
		default:
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newConsumer(t *testing.T, providerURL string) (*BaseConsumer, *credentials.Store) {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	creds := credentials.NewStore(store)
	consumer := NewBaseConsumer(&Config{
		ClientID:    "client",
		AuthURL:     providerURL + "/authorize",
		TokenURL:    providerURL + "/token",
		RedirectURL: "http://localhost:9000/callback",
		Scopes:      []string{"profile"},
	}, creds)
	return consumer, creds
}

func TestBuildAuthorizeURL(t *testing.T) {
	t.Parallel()
	consumer, _ := newConsumer(t, "https://provider.example")

	raw := consumer.BuildAuthorizeURL("state-1", "challenge-1")
	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "state-1", q.Get("state"))
	assert.Equal(t, "challenge-1", q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "client", q.Get("client_id"))

	// Without a challenge the PKCE params are omitted.
	u, err = url.Parse(consumer.BuildAuthorizeURL("state-2", ""))
	require.NoError(t, err)
	assert.Empty(t, u.Query().Get("code_challenge"))
}

func TestExchangeCodeForTokens(t *testing.T) {
	t.Parallel()
	provider := newProvider(t)
	consumer, _ := newConsumer(t, provider.URL)
	ctx := context.Background()

	creds, err := consumer.ExchangeCodeForTokens(ctx, "good-code", "verifier")
	require.NoError(t, err)
	assert.Equal(t, "provider-access-1", creds.AccessToken)
	assert.Equal(t, "provider-refresh-1", creds.RefreshToken)
	assert.Equal(t, "Bearer", creds.TokenType)

	_, err = consumer.ExchangeCodeForTokens(ctx, "bad-code", "verifier")
	assert.Error(t, err)
}

func TestGetAccessTokenRefreshesExpired(t *testing.T) {
	t.Parallel()
	provider := newProvider(t)
	consumer, creds := newConsumer(t, provider.URL)
	ctx := context.Background()

	// Fresh credentials are returned as-is.
	require.NoError(t, creds.Put(ctx, "user-1", &credentials.Credentials{
		AccessToken: "still-good",
		ExpiresAt:   time.Now().Add(time.Hour),
	}))
	token, err := consumer.GetAccessToken(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "still-good", token)

	// Expired credentials are refreshed and re-stored.
	require.NoError(t, creds.Put(ctx, "user-2", &credentials.Credentials{
		AccessToken:  "stale",
		RefreshToken: "refresh-me",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}))
	token, err = consumer.GetAccessToken(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, "provider-access-2", token)

	stored, err := creds.Get(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, "provider-access-2", stored.AccessToken)
	assert.Equal(t, "provider-refresh-2", stored.RefreshToken)

	// No credentials at all.
	_, err = consumer.GetAccessToken(ctx, "user-3")
	assert.Error(t, err)

	// Expired without a refresh token.
	require.NoError(t, creds.Put(ctx, "user-4", &credentials.Credentials{
		AccessToken: "stale",
		ExpiresAt:   time.Now().Add(-time.Minute),
	}))
	_, err = consumer.GetAccessToken(ctx, "user-4")
	assert.Error(t, err)
}

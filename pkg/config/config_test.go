// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, TransportHTTP, c.TransportType)
	assert.Equal(t, BackendMemory, c.Storage.Backend)
	assert.Equal(t, "http://localhost:8080", c.OAuth.Issuer)
	assert.Equal(t, []string{"all", "read", "write"}, c.OAuth.SupportedScopes)
	assert.True(t, c.OAuth.RequirePKCE)
	assert.Equal(t, time.Hour, c.OAuth.AccessTokenExpiry)
	assert.Equal(t, 30*24*time.Hour, c.OAuth.RefreshTokenExpiry)
	assert.Equal(t, 10*time.Minute, c.OAuth.AuthCodeExpiry)
	assert.Equal(t, 60*1024, c.EventStore.MaxChunkSize)
	assert.Equal(t, 24*time.Hour, c.Session.Timeout)
	assert.Equal(t, "0.0.0.0:8080", c.ListenAddr())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("TRANSPORT_TYPE", "stdio")
	t.Setenv("OAUTH_ISSUER", "https://auth.example.com")
	t.Setenv("OAUTH_ACCESS_TOKEN_EXPIRY_MS", "120000")
	t.Setenv("OAUTH_SUPPORTED_SCOPES", "read write")
	t.Setenv("KV_BACKEND", "sqlite")
	t.Setenv("KV_SQLITE_PATH", "/tmp/state.db")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("EVENT_STORE_ENABLE_COMPRESSION", "false")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, TransportStdio, c.TransportType)
	assert.Equal(t, "https://auth.example.com", c.OAuth.Issuer)
	assert.Equal(t, 2*time.Minute, c.OAuth.AccessTokenExpiry)
	assert.Equal(t, []string{"read", "write"}, c.OAuth.SupportedScopes)
	assert.Equal(t, BackendSQLite, c.Storage.Backend)
	assert.Equal(t, "/tmp/state.db", c.Storage.SQLitePath)
	assert.Equal(t, 9090, c.HTTP.Port)
	assert.False(t, c.EventStore.EnableCompression)
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad transport", map[string]string{"TRANSPORT_TYPE": "grpc"}, "TRANSPORT_TYPE"},
		{"bad backend", map[string]string{"KV_BACKEND": "dynamo"}, "KV_BACKEND"},
		{"bad issuer", map[string]string{"OAUTH_ISSUER": "not a url"}, "OAUTH_ISSUER"},
		{"bad port", map[string]string{"HTTP_PORT": "70000"}, "HTTP_PORT"},
		{"zero expiry", map[string]string{"OAUTH_ACCESS_TOKEN_EXPIRY_MS": "0"}, "expiries"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

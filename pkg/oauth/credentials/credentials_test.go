// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianmcp/meridian/pkg/kv/memory"
)

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	s := NewStore(store)
	ctx := context.Background()

	creds := &Credentials{
		AccessToken:  "upstream-access",
		RefreshToken: "upstream-refresh",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour).UTC(),
		Scopes:       []string{"profile"},
		Metadata:     map[string]string{"provider": "example"},
	}
	require.NoError(t, s.Put(ctx, "user-1", creds))
	assert.False(t, creds.UpdatedAt.IsZero())

	got, err := s.Get(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "upstream-access", got.AccessToken)
	assert.Equal(t, map[string]string{"provider": "example"}, got.Metadata)
	assert.False(t, got.Expired())

	got, err = s.Get(ctx, "user-2")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Delete(ctx, "user-1"))
	got, err = s.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.Error(t, s.Put(ctx, "", creds))
}

func TestExpired(t *testing.T) {
	t.Parallel()

	assert.True(t, (&Credentials{ExpiresAt: time.Now().Add(-time.Minute)}).Expired())
	assert.False(t, (&Credentials{ExpiresAt: time.Now().Add(time.Minute)}).Expired())
	assert.False(t, (&Credentials{}).Expired(), "zero expiry means non-expiring")
}

// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianmcp/meridian/pkg/kv"
)

func TestSetGetDelete(t *testing.T) {
	t.Parallel()
	s := New()
	defer s.Close()
	ctx := context.Background()

	key := kv.Key{"oauth", "credentials", "user-1"}
	require.NoError(t, s.Set(ctx, key, []byte("v1"), nil))

	entry, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, []byte("v1"), entry.Value)
	assert.Equal(t, int64(1), entry.Version)

	require.NoError(t, s.Set(ctx, key, []byte("v2"), nil))
	entry, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), entry.Value)
	assert.Greater(t, entry.Version, int64(1))

	require.NoError(t, s.Delete(ctx, key))
	entry, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestGetTreatsExpiredAsAbsent(t *testing.T) {
	t.Parallel()
	s := New()
	defer s.Close()
	ctx := context.Background()

	key := kv.Key{"sessions", "s1"}
	require.NoError(t, s.Set(ctx, key, []byte("x"), &kv.SetOptions{ExpiresIn: 10 * time.Millisecond}))

	entry, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, entry)

	time.Sleep(20 * time.Millisecond)
	entry, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestListOrderAndPagination(t *testing.T) {
	t.Parallel()
	s := New()
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		key := kv.Key{"sessions", fmt.Sprintf("s%02d", i)}
		require.NoError(t, s.Set(ctx, key, []byte{byte(i)}, nil))
	}
	// An entry outside the prefix must not appear.
	require.NoError(t, s.Set(ctx, kv.Key{"transport", "session", "x"}, []byte("y"), nil))

	var all []kv.Entry
	cursor := ""
	for {
		page, err := s.List(ctx, kv.Key{"sessions"}, &kv.ListOptions{BatchSize: 10, Cursor: cursor})
		require.NoError(t, err)
		all = append(all, page.Entries...)
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}

	require.Len(t, all, 25)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Key.Encode(), all[i].Key.Encode())
	}
}

func TestAtomicAllOrNothing(t *testing.T) {
	t.Parallel()
	s := New()
	defer s.Close()
	ctx := context.Background()

	k1 := kv.Key{"oauth", "refresh_tokens", "r1"}
	k2 := kv.Key{"oauth", "access_tokens", "a1"}
	require.NoError(t, s.Set(ctx, k1, []byte("old"), nil))

	entry, err := s.Get(ctx, k1)
	require.NoError(t, err)

	// Rotation: delete the old refresh token and write a new access token,
	// guarded by the version observed above.
	err = s.Atomic(ctx,
		[]kv.Check{{Key: k1, Version: entry.Version}},
		[]kv.Op{kv.DeleteOp(k1), kv.SetOp(k2, []byte("new"), 0)},
	)
	require.NoError(t, err)

	gone, err := s.Get(ctx, k1)
	require.NoError(t, err)
	assert.Nil(t, gone)

	got, err := s.Get(ctx, k2)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("new"), got.Value)
}

func TestAtomicConflictOnStaleVersion(t *testing.T) {
	t.Parallel()
	s := New()
	defer s.Close()
	ctx := context.Background()

	key := kv.Key{"oauth", "refresh_tokens", "r1"}
	require.NoError(t, s.Set(ctx, key, []byte("v1"), nil))
	entry, err := s.Get(ctx, key)
	require.NoError(t, err)

	// Another writer wins the race.
	require.NoError(t, s.Set(ctx, key, []byte("v2"), nil))

	err = s.Atomic(ctx,
		[]kv.Check{{Key: key, Version: entry.Version}},
		[]kv.Op{kv.DeleteOp(key)},
	)
	require.ErrorIs(t, err, kv.ErrConflict)

	// The losing transaction must not have applied its ops.
	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("v2"), got.Value)
}

func TestAtomicAbsenceCheck(t *testing.T) {
	t.Parallel()
	s := New()
	defer s.Close()
	ctx := context.Background()

	key := kv.Key{"oauth", "auth_codes", "c1"}

	// Version 0 asserts absence.
	err := s.Atomic(ctx,
		[]kv.Check{{Key: key, Version: 0}},
		[]kv.Op{kv.SetOp(key, []byte("code"), 0)},
	)
	require.NoError(t, err)

	err = s.Atomic(ctx,
		[]kv.Check{{Key: key, Version: 0}},
		[]kv.Op{kv.SetOp(key, []byte("other"), 0)},
	)
	require.ErrorIs(t, err, kv.ErrConflict)
}

func TestSetRejectsOversizedValue(t *testing.T) {
	t.Parallel()
	s := New()
	defer s.Close()

	err := s.Set(context.Background(), kv.Key{"big"}, make([]byte, kv.MaxValueSize+1), nil)
	require.ErrorIs(t, err, kv.ErrValueTooLarge)
}

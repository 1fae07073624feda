// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianmcp/meridian/pkg/kv/memory"
)

func newPersistenceStore(t *testing.T) *PersistenceStore {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	return NewPersistenceStore(store)
}

func TestPersistAndGet(t *testing.T) {
	t.Parallel()
	p := newPersistenceStore(t)
	ctx := context.Background()

	record := &SessionRecord{
		SessionID: "sess-1",
		UserID:    "user-1",
		Hostname:  "localhost",
		Port:      8080,
		IsActive:  true,
	}
	require.NoError(t, p.Persist(ctx, record))
	assert.False(t, record.CreatedAt.IsZero())

	got, err := p.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, 8080, got.Port)
	assert.True(t, got.IsActive)

	got, err = p.Get(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.Error(t, p.Persist(ctx, &SessionRecord{}))
}

func TestMarkInactivePreservesRecord(t *testing.T) {
	t.Parallel()
	p := newPersistenceStore(t)
	ctx := context.Background()

	require.NoError(t, p.Persist(ctx, &SessionRecord{SessionID: "sess-1", IsActive: true}))
	before, err := p.Get(ctx, "sess-1")
	require.NoError(t, err)

	require.NoError(t, p.MarkInactive(ctx, "sess-1"))
	after, err := p.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, after, "record survives deactivation")
	assert.False(t, after.IsActive)
	assert.False(t, after.LastActivity.Before(before.LastActivity))
}

func TestListActiveAndForUser(t *testing.T) {
	t.Parallel()
	p := newPersistenceStore(t)
	ctx := context.Background()

	require.NoError(t, p.Persist(ctx, &SessionRecord{SessionID: "a", UserID: "user-1", IsActive: true}))
	require.NoError(t, p.Persist(ctx, &SessionRecord{SessionID: "b", UserID: "user-1", IsActive: false}))
	require.NoError(t, p.Persist(ctx, &SessionRecord{SessionID: "c", UserID: "user-2", IsActive: true}))

	active, err := p.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	forUser, err := p.ListForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, forUser, 2)

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalSessions)
	assert.Equal(t, 2, stats.ActiveSessions)
	assert.Equal(t, 1, stats.InactiveSessions)
}

func TestCleanupOld(t *testing.T) {
	t.Parallel()
	p := newPersistenceStore(t)
	ctx := context.Background()

	old := &SessionRecord{
		SessionID:    "stale",
		UserID:       "user-1",
		LastActivity: time.Now().Add(-48 * time.Hour),
		CreatedAt:    time.Now().Add(-48 * time.Hour),
	}
	require.NoError(t, p.Persist(ctx, old))
	require.NoError(t, p.Persist(ctx, &SessionRecord{SessionID: "fresh-inactive"}))
	require.NoError(t, p.Persist(ctx, &SessionRecord{SessionID: "active", IsActive: true}))

	deleted, err := p.CleanupOld(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	got, err := p.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = p.Get(ctx, "fresh-inactive")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestRestoreTransports(t *testing.T) {
	t.Parallel()
	p := newPersistenceStore(t)
	ctx := context.Background()

	// Three persisted sessions, one inactive.
	require.NoError(t, p.Persist(ctx, &SessionRecord{SessionID: "s1", IsActive: true}))
	require.NoError(t, p.Persist(ctx, &SessionRecord{SessionID: "s2", IsActive: true}))
	require.NoError(t, p.Persist(ctx, &SessionRecord{SessionID: "s3", IsActive: false}))

	into := make(map[string]Transport)
	result, err := p.RestoreTransports(ctx, func(record *SessionRecord) (Transport, error) {
		return &fakeTransport{id: record.SessionID}, nil
	}, into)
	require.NoError(t, err)
	assert.Equal(t, 2, result.RestoredCount)
	assert.Equal(t, 0, result.FailedCount)
	assert.Len(t, into, 2)
	assert.Contains(t, into, "s1")
	assert.Contains(t, into, "s2")
	assert.NotContains(t, into, "s3", "inactive sessions are never restored")
}

func TestRestoreIsolatesFailures(t *testing.T) {
	t.Parallel()
	p := newPersistenceStore(t)
	ctx := context.Background()

	require.NoError(t, p.Persist(ctx, &SessionRecord{SessionID: "good", IsActive: true}))
	require.NoError(t, p.Persist(ctx, &SessionRecord{SessionID: "bad", IsActive: true}))

	into := make(map[string]Transport)
	result, err := p.RestoreTransports(ctx, func(record *SessionRecord) (Transport, error) {
		if record.SessionID == "bad" {
			return nil, fmt.Errorf("boom")
		}
		return &fakeTransport{id: record.SessionID}, nil
	}, into)
	require.NoError(t, err)
	assert.Equal(t, 1, result.RestoredCount)
	assert.Equal(t, 1, result.FailedCount)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Error(), "bad")
	assert.Len(t, into, 1)
}

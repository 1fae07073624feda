// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianmcp/meridian/pkg/kv/memory"
)

func TestEventIDFormat(t *testing.T) {
	t.Parallel()

	id := FormatEventID("stream-1", 42)
	assert.Equal(t, "stream-1|42", id)

	sid, counter, err := ParseEventID(id)
	require.NoError(t, err)
	assert.Equal(t, "stream-1", sid)
	assert.Equal(t, uint64(42), counter)

	_, _, err = ParseEventID("no-separator")
	assert.Error(t, err)
	_, _, err = ParseEventID("stream|not-a-number")
	assert.Error(t, err)
}

func TestStoreEventMonotonicIDs(t *testing.T) {
	t.Parallel()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	s := NewStore(store)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := s.StoreEvent(ctx, "S1", json.RawMessage(`{"n":1}`))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, []string{"S1|1", "S1|2", "S1|3", "S1|4", "S1|5"}, ids)

	_, err := s.StoreEvent(ctx, "bad|stream", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrStreamIDInvalid)
}

func TestCounterSeedsFromStreamMetadata(t *testing.T) {
	t.Parallel()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	s1 := NewStore(store)
	_, err := s1.StoreEvent(ctx, "S1", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = s1.StoreEvent(ctx, "S1", json.RawMessage(`{}`))
	require.NoError(t, err)

	// A fresh store over the same backing kv continues, never reuses ids.
	s2 := NewStore(store)
	id, err := s2.StoreEvent(ctx, "S1", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "S1|3", id)
}

func TestReplayAfter(t *testing.T) {
	t.Parallel()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	s := NewStore(store)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		_, err := s.StoreEvent(ctx, "S1", json.RawMessage(`{"n":`+string(rune('0'+i))+`}`))
		require.NoError(t, err)
	}

	var got []string
	sent, err := s.ReplayEventsAfter(ctx, "S1|2", func(eventID string, _ json.RawMessage) error {
		got = append(got, eventID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, []string{"S1|3", "S1|4"}, got)
}

func TestReplayAllStreams(t *testing.T) {
	t.Parallel()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	s := NewStore(store)
	ctx := context.Background()

	_, err := s.StoreEvent(ctx, "A", json.RawMessage(`{"s":"a"}`))
	require.NoError(t, err)
	_, err = s.StoreEvent(ctx, "B", json.RawMessage(`{"s":"b"}`))
	require.NoError(t, err)
	_, err = s.StoreEvent(ctx, "A", json.RawMessage(`{"s":"a2"}`))
	require.NoError(t, err)

	var got []string
	sent, err := s.ReplayEventsAfter(ctx, "", func(eventID string, _ json.RawMessage) error {
		got = append(got, eventID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, sent)
	assert.ElementsMatch(t, []string{"A|1", "A|2", "B|1"}, got)
	// Within a stream, order follows the counter.
	idxA1, idxA2 := indexOf(got, "A|1"), indexOf(got, "A|2")
	assert.Less(t, idxA1, idxA2)
}

func indexOf(haystack []string, needle string) int {
	for i, s := range haystack {
		if s == needle {
			return i
		}
	}
	return -1
}

func TestCleanupOldEvents(t *testing.T) {
	t.Parallel()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	s := NewStore(store)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := s.StoreEvent(ctx, "S1", json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	deleted, err := s.CleanupOldEvents(ctx, "S1", 3)
	require.NoError(t, err)
	assert.Equal(t, 7, deleted)

	var got []string
	_, err = s.ReplayEventsAfter(ctx, "S1|0", func(eventID string, _ json.RawMessage) error {
		got = append(got, eventID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"S1|8", "S1|9", "S1|10"}, got)
}

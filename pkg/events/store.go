// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meridianmcp/meridian/pkg/kv"
	"github.com/meridianmcp/meridian/pkg/logger"
)

// defaultKeyRoot is the keyspace owned by event stores.
var defaultKeyRoot = kv.Key{"events", "stream"}

// DefaultEventTTL is the fallback TTL on event records so forgotten streams
// self-expire.
const DefaultEventTTL = 90 * 24 * time.Hour

// DefaultKeepCount is how many events CleanupOldEvents retains by default.
const DefaultKeepCount = 1000

// storedEvent is the unchunked on-disk record: metadata and message together.
type storedEvent struct {
	EventID   string          `json:"event_id"`
	StreamID  string          `json:"stream_id"`
	Timestamp time.Time       `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
}

// Store is the unchunked event store. Messages must fit in a single kv value;
// use ChunkedStore for arbitrary sizes.
type Store struct {
	store    kv.Store
	keyRoot  kv.Key
	counters *counters
	ttl      time.Duration
}

// NewStore creates an unchunked event store.
func NewStore(store kv.Store) *Store {
	return &Store{
		store:    store,
		keyRoot:  defaultKeyRoot,
		counters: newCounters(store, defaultKeyRoot),
		ttl:      DefaultEventTTL,
	}
}

func (s *Store) eventKey(streamID, eventID string) kv.Key {
	return s.keyRoot.Append(streamID, "metadata", eventID)
}

// StoreEvent appends a message to the stream.
func (s *Store) StoreEvent(ctx context.Context, streamID string, message json.RawMessage) (string, error) {
	if streamContainsSeparator(streamID) {
		return "", ErrStreamIDInvalid
	}
	counter, err := s.counters.allocate(ctx, streamID)
	if err != nil {
		return "", err
	}
	eventID := FormatEventID(streamID, counter)
	record := &storedEvent{
		EventID:   eventID,
		StreamID:  streamID,
		Timestamp: time.Now().UTC(),
		Message:   message,
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encoding event: %w", err)
	}
	if err := s.store.Set(ctx, s.eventKey(streamID, eventID), payload, &kv.SetOptions{ExpiresIn: s.ttl}); err != nil {
		return "", fmt.Errorf("storing event: %w", err)
	}
	s.counters.recordWrite(ctx, streamID, eventID)
	return eventID, nil
}

// ReplayEventsAfter sends stored events strictly after lastEventID.
func (s *Store) ReplayEventsAfter(ctx context.Context, lastEventID string, send SendFunc) (int, error) {
	return replayAfter(ctx, s.store, s.keyRoot, lastEventID, send, s.loadMessage)
}

func (s *Store) loadMessage(ctx context.Context, streamID, eventID string) (json.RawMessage, error) {
	entry, err := s.store.Get(ctx, s.eventKey(streamID, eventID))
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("event %s is missing", eventID)
	}
	var record storedEvent
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		return nil, fmt.Errorf("decoding event %s: %w", eventID, err)
	}
	return record.Message, nil
}

// CleanupOldEvents retains only the newest keepCount events of the stream.
func (s *Store) CleanupOldEvents(ctx context.Context, streamID string, keepCount int) (int, error) {
	return cleanupOld(ctx, s.store, s.keyRoot, streamID, keepCount, func(ctx context.Context, ref eventRef) error {
		return s.store.Delete(ctx, s.eventKey(streamID, ref.eventID))
	})
}

func streamContainsSeparator(streamID string) bool {
	for i := 0; i < len(streamID); i++ {
		if streamID[i] == '|' {
			return true
		}
	}
	return false
}

// listRefs collects the ordering info for a stream's events (or all streams
// when streamID is empty) from their metadata records.
func listRefs(ctx context.Context, store kv.Store, keyRoot kv.Key, streamID string) ([]eventRef, error) {
	prefix := keyRoot
	if streamID != "" {
		prefix = keyRoot.Append(streamID, "metadata")
	}
	var refs []eventRef
	cursor := ""
	for {
		result, err := store.List(ctx, prefix, &kv.ListOptions{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("listing events: %w", err)
		}
		for _, entry := range result.Entries {
			// Key shape: <root...>/<stream>/metadata/<eventID>. Skip chunk
			// and stream_metadata records when scanning across streams.
			if len(entry.Key) != len(keyRoot)+3 || entry.Key[len(keyRoot)+1] != "metadata" {
				continue
			}
			eventID := entry.Key[len(keyRoot)+2]
			sid, counter, err := ParseEventID(eventID)
			if err != nil {
				continue
			}
			var ts struct {
				Timestamp time.Time `json:"timestamp"`
			}
			if err := json.Unmarshal(entry.Value, &ts); err != nil {
				continue
			}
			refs = append(refs, eventRef{
				eventID:   eventID,
				streamID:  sid,
				counter:   counter,
				timestamp: ts.Timestamp,
			})
		}
		if result.Cursor == "" {
			break
		}
		cursor = result.Cursor
	}
	sortRefs(refs)
	return refs, nil
}

type loadFunc func(ctx context.Context, streamID, eventID string) (json.RawMessage, error)

// replayAfter implements the shared replay algorithm. Individual load
// failures are logged and skipped so one corrupt event cannot stall a resume.
func replayAfter(
	ctx context.Context, store kv.Store, keyRoot kv.Key,
	lastEventID string, send SendFunc, load loadFunc,
) (int, error) {
	var streamID string
	var afterCounter uint64
	if lastEventID != "" {
		var err error
		streamID, afterCounter, err = ParseEventID(lastEventID)
		if err != nil {
			return 0, err
		}
	}
	refs, err := listRefs(ctx, store, keyRoot, streamID)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, ref := range refs {
		if lastEventID != "" && ref.counter <= afterCounter {
			continue
		}
		message, err := load(ctx, ref.streamID, ref.eventID)
		if err != nil {
			logger.Warnw("skipping unreadable event during replay",
				"event_id", ref.eventID, "error", err)
			continue
		}
		if err := send(ref.eventID, message); err != nil {
			return sent, fmt.Errorf("delivering event %s: %w", ref.eventID, err)
		}
		sent++
	}
	return sent, nil
}

type deleteEventFunc func(ctx context.Context, ref eventRef) error

// cleanupOld deletes all but the newest keepCount events of a stream.
func cleanupOld(
	ctx context.Context, store kv.Store, keyRoot kv.Key,
	streamID string, keepCount int, deleteEvent deleteEventFunc,
) (int, error) {
	if keepCount <= 0 {
		keepCount = DefaultKeepCount
	}
	refs, err := listRefs(ctx, store, keyRoot, streamID)
	if err != nil {
		return 0, err
	}
	if len(refs) <= keepCount {
		return 0, nil
	}
	deleted := 0
	for _, ref := range refs[:len(refs)-keepCount] {
		if err := deleteEvent(ctx, ref); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

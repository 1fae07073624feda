// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package events is the per-stream protocol message log that makes transports
// resumable. Event ids are "<streamId>|<counter>" with a per-stream monotonic
// counter; replay delivers everything strictly after a given id in timestamp
// order. The chunked store splits large messages across multiple kv records
// to stay under the value-size limit.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/meridianmcp/meridian/pkg/kv"
	"github.com/meridianmcp/meridian/pkg/logger"
)

// EventIDSeparator splits the stream id from the counter. Stream ids must not
// contain it.
const EventIDSeparator = "|"

// ErrStreamIDInvalid rejects stream ids that would corrupt event id parsing.
var ErrStreamIDInvalid = errors.New("stream id must not contain '|'")

// SendFunc receives replayed events.
type SendFunc func(eventID string, message json.RawMessage) error

// EventStore is the resumability contract consumed by transports.
type EventStore interface {
	// StoreEvent appends a message to a stream and returns its event id.
	StoreEvent(ctx context.Context, streamID string, message json.RawMessage) (string, error)
	// ReplayEventsAfter sends every event strictly after lastEventID on its
	// stream. An empty lastEventID replays all events across all streams in
	// global timestamp order.
	ReplayEventsAfter(ctx context.Context, lastEventID string, send SendFunc) (int, error)
	// CleanupOldEvents retains only the newest keepCount events of a stream.
	CleanupOldEvents(ctx context.Context, streamID string, keepCount int) (int, error)
}

// FormatEventID builds "<streamId>|<counter>".
func FormatEventID(streamID string, counter uint64) string {
	return streamID + EventIDSeparator + strconv.FormatUint(counter, 10)
}

// ParseEventID splits an event id into stream id and counter. The stream id
// is everything before the first separator.
func ParseEventID(eventID string) (streamID string, counter uint64, err error) {
	idx := strings.Index(eventID, EventIDSeparator)
	if idx < 0 {
		return "", 0, fmt.Errorf("malformed event id: %q", eventID)
	}
	counter, err = strconv.ParseUint(eventID[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed event id counter: %q", eventID)
	}
	return eventID[:idx], counter, nil
}

// streamMetadata is the per-stream bookkeeping record, updated best-effort
// after each write and used to seed the counter after a restart.
type streamMetadata struct {
	LastEventID string `json:"last_event_id"`
	EventCount  uint64 `json:"event_count"`
}

// counters hands out per-stream monotonic counters, seeded from persisted
// stream metadata the first time a stream is touched.
type counters struct {
	mu      sync.Mutex
	next    map[string]uint64
	keyRoot kv.Key
	store   kv.Store
}

func newCounters(store kv.Store, keyRoot kv.Key) *counters {
	return &counters{next: make(map[string]uint64), keyRoot: keyRoot, store: store}
}

func (c *counters) streamMetadataKey(streamID string) kv.Key {
	return c.keyRoot.Append(streamID, "stream_metadata")
}

// allocate returns the next counter for a stream, seeding from storage on
// first use so ids stay monotonic across restarts.
func (c *counters) allocate(ctx context.Context, streamID string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, ok := c.next[streamID]
	if !ok {
		entry, err := c.store.Get(ctx, c.streamMetadataKey(streamID))
		if err != nil {
			return 0, fmt.Errorf("loading stream metadata: %w", err)
		}
		next = 1
		if entry != nil {
			var meta streamMetadata
			if err := json.Unmarshal(entry.Value, &meta); err == nil && meta.LastEventID != "" {
				if _, last, err := ParseEventID(meta.LastEventID); err == nil {
					next = last + 1
				}
			}
		}
	}
	c.next[streamID] = next + 1
	return next, nil
}

// recordWrite updates the stream metadata. Best-effort: failures are logged,
// never fatal.
func (c *counters) recordWrite(ctx context.Context, streamID, eventID string) {
	key := c.streamMetadataKey(streamID)
	entry, err := c.store.Get(ctx, key)
	meta := streamMetadata{}
	if err == nil && entry != nil {
		_ = json.Unmarshal(entry.Value, &meta)
	}
	meta.LastEventID = eventID
	meta.EventCount++
	payload, err := json.Marshal(&meta)
	if err == nil {
		err = c.store.Set(ctx, key, payload, nil)
	}
	if err != nil {
		logger.Warnw("failed to update stream metadata",
			"stream_id", streamID, "error", err)
	}
}

// eventRef orders events for replay.
type eventRef struct {
	eventID   string
	streamID  string
	counter   uint64
	timestamp time.Time
}

func sortRefs(refs []eventRef) {
	sort.Slice(refs, func(i, j int) bool {
		if !refs[i].timestamp.Equal(refs[j].timestamp) {
			return refs[i].timestamp.Before(refs[j].timestamp)
		}
		if refs[i].streamID != refs[j].streamID {
			return refs[i].streamID < refs[j].streamID
		}
		return refs[i].counter < refs[j].counter
	})
}

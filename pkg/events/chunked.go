// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"strconv"
	"time"

	"github.com/meridianmcp/meridian/pkg/kv"
	"github.com/meridianmcp/meridian/pkg/logger"
)

// Chunked store defaults.
const (
	// DefaultMaxMessageSize rejects pathological payloads outright.
	DefaultMaxMessageSize = 10 * 1024 * 1024
	// DefaultCompressionThreshold is the size above which gzip is attempted.
	DefaultCompressionThreshold = 1024
	// compressionMinSaving keeps the compressed form only when it is at
	// least this much smaller than the original.
	compressionMinSaving = 0.10
	// chunkSizeFactor budgets for base64 expansion and record overhead so a
	// stored chunk never exceeds the kv value limit.
	chunkSizeFactor = 0.75
	// DefaultMaxChunkSize sits below kv.MaxValueSize because base64 expands
	// the chunk slice by 4/3 and the record adds its own framing.
	DefaultMaxChunkSize = 60 * 1024
)

// ChunkedConfig tunes the chunked store. Zero values take defaults.
type ChunkedConfig struct {
	MaxMessageSize       int
	MaxChunkSize         int
	CompressionThreshold int
	CompressionEnabled   bool
	EventTTL             time.Duration
}

// DefaultChunkedConfig returns the standard configuration.
func DefaultChunkedConfig() *ChunkedConfig {
	return &ChunkedConfig{
		MaxMessageSize:       DefaultMaxMessageSize,
		MaxChunkSize:         DefaultMaxChunkSize,
		CompressionThreshold: DefaultCompressionThreshold,
		CompressionEnabled:   true,
		EventTTL:             DefaultEventTTL,
	}
}

func (c *ChunkedConfig) withDefaults() ChunkedConfig {
	out := *DefaultChunkedConfig()
	if c == nil {
		return out
	}
	if c.MaxMessageSize > 0 {
		out.MaxMessageSize = c.MaxMessageSize
	}
	if c.MaxChunkSize > 0 {
		out.MaxChunkSize = c.MaxChunkSize
	}
	if c.CompressionThreshold > 0 {
		out.CompressionThreshold = c.CompressionThreshold
	}
	out.CompressionEnabled = c.CompressionEnabled
	if c.EventTTL > 0 {
		out.EventTTL = c.EventTTL
	}
	return out
}

// chunkedMetadata describes one stored event; the payload lives in chunks.
type chunkedMetadata struct {
	EventID     string    `json:"event_id"`
	StreamID    string    `json:"stream_id"`
	Timestamp   time.Time `json:"timestamp"`
	MessageSize int       `json:"message_size"`
	ChunkCount  int       `json:"chunk_count"`
	Compressed  bool      `json:"compressed"`
}

// chunkRecord is one numbered slice of the payload. Data is base64 of the
// payload slice; Checksum covers the pre-base64 slice.
type chunkRecord struct {
	ChunkIndex int    `json:"chunk_index"`
	Data       string `json:"data"`
	Checksum   uint32 `json:"checksum"`
}

// ChunkStatistics summarizes the physical layout of stored events.
type ChunkStatistics struct {
	TotalEvents        int
	TotalChunks        int
	AverageChunks      float64
	LargestEventBytes  int
	CompressedEvents   int
	UncompressedEvents int
}

// ChunkedStore splits events into checksummed chunks so messages of any size
// survive the kv value limit. It satisfies EventStore.
type ChunkedStore struct {
	store    kv.Store
	keyRoot  kv.Key
	counters *counters
	config   ChunkedConfig
}

// NewChunkedStore creates a chunked event store.
func NewChunkedStore(store kv.Store, config *ChunkedConfig) *ChunkedStore {
	return &ChunkedStore{
		store:    store,
		keyRoot:  defaultKeyRoot,
		counters: newCounters(store, defaultKeyRoot),
		config:   config.withDefaults(),
	}
}

func (s *ChunkedStore) metadataKey(streamID, eventID string) kv.Key {
	return s.keyRoot.Append(streamID, "metadata", eventID)
}

func (s *ChunkedStore) chunkKey(streamID, eventID string, index int) kv.Key {
	return s.keyRoot.Append(streamID, "chunks", eventID, strconv.Itoa(index))
}

// checksum is a fast integrity check against storage corruption. Not a
// security primitive.
func checksum(data string) uint32 {
	h := fnv.New32a()
	_, _ = io.WriteString(h, data)
	return h.Sum32()
}

func (s *ChunkedStore) effectiveChunkSize() int {
	return int(float64(s.config.MaxChunkSize) * chunkSizeFactor)
}

// StoreEvent appends a message, chunking and optionally compressing it. The
// metadata record and all chunks commit in one transaction.
func (s *ChunkedStore) StoreEvent(ctx context.Context, streamID string, message json.RawMessage) (string, error) {
	if streamContainsSeparator(streamID) {
		return "", ErrStreamIDInvalid
	}
	if len(message) > s.config.MaxMessageSize {
		return "", fmt.Errorf("message too large: %d bytes exceeds limit of %d",
			len(message), s.config.MaxMessageSize)
	}

	payload := string(message)
	compressed := false
	if s.config.CompressionEnabled && len(message) >= s.config.CompressionThreshold {
		if gz, err := gzipBytes(message); err == nil {
			encoded := base64.StdEncoding.EncodeToString(gz)
			if float64(len(encoded)) <= float64(len(message))*(1-compressionMinSaving) {
				payload = encoded
				compressed = true
			}
		} else {
			logger.Warnw("compression failed, storing uncompressed", "error", err)
		}
	}

	counter, err := s.counters.allocate(ctx, streamID)
	if err != nil {
		return "", err
	}
	eventID := FormatEventID(streamID, counter)

	chunkSize := s.effectiveChunkSize()
	chunkCount := (len(payload) + chunkSize - 1) / chunkSize
	if chunkCount == 0 {
		chunkCount = 1
	}

	meta := &chunkedMetadata{
		EventID:     eventID,
		StreamID:    streamID,
		Timestamp:   time.Now().UTC(),
		MessageSize: len(message),
		ChunkCount:  chunkCount,
		Compressed:  compressed,
	}
	metaPayload, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encoding event metadata: %w", err)
	}

	ops := []kv.Op{kv.SetOp(s.metadataKey(streamID, eventID), metaPayload, s.config.EventTTL)}
	for i := 0; i < chunkCount; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		slice := payload[start:end]
		record := &chunkRecord{
			ChunkIndex: i,
			Data:       base64.StdEncoding.EncodeToString([]byte(slice)),
			Checksum:   checksum(slice),
		}
		chunkPayload, err := json.Marshal(record)
		if err != nil {
			return "", fmt.Errorf("encoding chunk %d: %w", i, err)
		}
		ops = append(ops, kv.SetOp(s.chunkKey(streamID, eventID, i), chunkPayload, s.config.EventTTL))
	}
	if err := s.store.Atomic(ctx, nil, ops); err != nil {
		return "", fmt.Errorf("storing event: %w", err)
	}

	s.counters.recordWrite(ctx, streamID, eventID)
	return eventID, nil
}

// Reassemble loads, verifies and decodes a stored event. Missing chunks or
// checksum mismatches fail the whole event.
func (s *ChunkedStore) Reassemble(ctx context.Context, streamID, eventID string) (json.RawMessage, error) {
	entry, err := s.store.Get(ctx, s.metadataKey(streamID, eventID))
	if err != nil {
		return nil, fmt.Errorf("loading event metadata: %w", err)
	}
	if entry == nil {
		return nil, fmt.Errorf("event %s is absent", eventID)
	}
	var meta chunkedMetadata
	if err := json.Unmarshal(entry.Value, &meta); err != nil {
		return nil, fmt.Errorf("decoding event metadata: %w", err)
	}

	var payload bytes.Buffer
	for i := 0; i < meta.ChunkCount; i++ {
		chunkEntry, err := s.store.Get(ctx, s.chunkKey(streamID, eventID, i))
		if err != nil {
			return nil, fmt.Errorf("loading chunk %d: %w", i, err)
		}
		if chunkEntry == nil {
			return nil, fmt.Errorf("event %s is missing chunk %d of %d", eventID, i, meta.ChunkCount)
		}
		var record chunkRecord
		if err := json.Unmarshal(chunkEntry.Value, &record); err != nil {
			return nil, fmt.Errorf("decoding chunk %d: %w", i, err)
		}
		slice, err := base64.StdEncoding.DecodeString(record.Data)
		if err != nil {
			return nil, fmt.Errorf("decoding chunk %d data: %w", i, err)
		}
		if checksum(string(slice)) != record.Checksum {
			return nil, fmt.Errorf("event %s chunk %d failed checksum verification", eventID, i)
		}
		payload.Write(slice)
	}

	raw := payload.Bytes()
	if meta.Compressed {
		gz, err := base64.StdEncoding.DecodeString(payload.String())
		if err != nil {
			return nil, fmt.Errorf("decoding compressed payload: %w", err)
		}
		raw, err = gunzipBytes(gz)
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("event %s payload is not valid JSON", eventID)
	}
	return json.RawMessage(raw), nil
}

// ReplayEventsAfter sends events strictly after lastEventID, skipping any
// that fail reassembly.
func (s *ChunkedStore) ReplayEventsAfter(ctx context.Context, lastEventID string, send SendFunc) (int, error) {
	return replayAfter(ctx, s.store, s.keyRoot, lastEventID, send, s.Reassemble)
}

// CleanupOldEvents retains only the newest keepCount events, deleting each
// trimmed event's metadata and exactly ChunkCount chunks in bounded batches.
func (s *ChunkedStore) CleanupOldEvents(ctx context.Context, streamID string, keepCount int) (int, error) {
	return cleanupOld(ctx, s.store, s.keyRoot, streamID, keepCount, func(ctx context.Context, ref eventRef) error {
		return s.deleteEvent(ctx, streamID, ref.eventID)
	})
}

func (s *ChunkedStore) deleteEvent(ctx context.Context, streamID, eventID string) error {
	chunkCount := 0
	entry, err := s.store.Get(ctx, s.metadataKey(streamID, eventID))
	if err != nil {
		return err
	}
	if entry != nil {
		var meta chunkedMetadata
		if err := json.Unmarshal(entry.Value, &meta); err == nil {
			chunkCount = meta.ChunkCount
		}
	}
	keys := []kv.Key{s.metadataKey(streamID, eventID)}
	for i := 0; i < chunkCount; i++ {
		keys = append(keys, s.chunkKey(streamID, eventID, i))
	}
	return s.deleteBatched(ctx, keys)
}

// deleteBatched issues deletions in transactions of at most DeleteBatchSize.
func (s *ChunkedStore) deleteBatched(ctx context.Context, keys []kv.Key) error {
	for start := 0; start < len(keys); start += kv.DeleteBatchSize {
		end := start + kv.DeleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		ops := make([]kv.Op, 0, end-start)
		for _, key := range keys[start:end] {
			ops = append(ops, kv.DeleteOp(key))
		}
		if err := s.store.Atomic(ctx, nil, ops); err != nil {
			return fmt.Errorf("deleting event records: %w", err)
		}
	}
	return nil
}

// CleanupOrphanedChunks deletes chunks whose metadata record is gone.
func (s *ChunkedStore) CleanupOrphanedChunks(ctx context.Context, streamID string) (int, error) {
	chunksByEvent := make(map[string][]kv.Key)
	prefix := s.keyRoot.Append(streamID, "chunks")
	cursor := ""
	for {
		result, err := s.store.List(ctx, prefix, &kv.ListOptions{Cursor: cursor})
		if err != nil {
			return 0, fmt.Errorf("listing chunks: %w", err)
		}
		for _, entry := range result.Entries {
			// Key shape: <root...>/<stream>/chunks/<eventID>/<index>.
			if len(entry.Key) != len(s.keyRoot)+4 {
				continue
			}
			eventID := entry.Key[len(s.keyRoot)+2]
			chunksByEvent[eventID] = append(chunksByEvent[eventID], entry.Key)
		}
		if result.Cursor == "" {
			break
		}
		cursor = result.Cursor
	}

	deleted := 0
	for eventID, keys := range chunksByEvent {
		entry, err := s.store.Get(ctx, s.metadataKey(streamID, eventID))
		if err != nil {
			return deleted, err
		}
		if entry != nil {
			continue
		}
		if err := s.deleteBatched(ctx, keys); err != nil {
			return deleted, err
		}
		deleted += len(keys)
		logger.Debugw("removed orphaned chunks", "stream_id", streamID,
			"event_id", eventID, "chunks", len(keys))
	}
	return deleted, nil
}

// Statistics iterates metadata records for one stream (or all streams when
// streamID is empty) and summarizes the physical layout.
func (s *ChunkedStore) Statistics(ctx context.Context, streamID string) (*ChunkStatistics, error) {
	refs, err := listRefs(ctx, s.store, s.keyRoot, streamID)
	if err != nil {
		return nil, err
	}
	stats := &ChunkStatistics{}
	for _, ref := range refs {
		entry, err := s.store.Get(ctx, s.metadataKey(ref.streamID, ref.eventID))
		if err != nil {
			return nil, err
		}
		if entry == nil {
			continue
		}
		var meta chunkedMetadata
		if err := json.Unmarshal(entry.Value, &meta); err != nil {
			continue
		}
		stats.TotalEvents++
		stats.TotalChunks += meta.ChunkCount
		if meta.MessageSize > stats.LargestEventBytes {
			stats.LargestEventBytes = meta.MessageSize
		}
		if meta.Compressed {
			stats.CompressedEvents++
		} else {
			stats.UncompressedEvents++
		}
	}
	if stats.TotalEvents > 0 {
		stats.AverageChunks = float64(stats.TotalChunks) / float64(stats.TotalEvents)
	}
	return stats, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

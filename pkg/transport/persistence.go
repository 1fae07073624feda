// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport binds MCP protocol traffic to sessions: an HTTP transport
// with event-stream resumability, a single-threaded stdio transport, a
// persistence store that survives restarts, and the manager that owns the
// live session map.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meridianmcp/meridian/pkg/kv"
	"github.com/meridianmcp/meridian/pkg/logger"
)

// DefaultCleanupMaxAge is how long inactive session records are kept.
const DefaultCleanupMaxAge = 24 * time.Hour

var (
	sessionPrefix = kv.Key{"transport", "session"}
	byUserPrefix  = kv.Key{"transport", "session_by_user"}
)

// SessionRecord is the persisted twin of a live transport session.
type SessionRecord struct {
	SessionID    string            `json:"session_id"`
	UserID       string            `json:"user_id,omitempty"`
	Hostname     string            `json:"hostname,omitempty"`
	Port         int               `json:"port,omitempty"`
	AllowedHosts []string          `json:"allowed_hosts,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	IsActive     bool              `json:"is_active"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// sessionPointer is the by_user index record.
type sessionPointer struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// PersistenceStats summarizes the persisted transport sessions.
type PersistenceStats struct {
	TotalSessions    int
	ActiveSessions   int
	InactiveSessions int
}

// RestoreResult reports a restore-after-restart batch.
type RestoreResult struct {
	RestoredCount int
	FailedCount   int
	Errors        []error
}

// PersistenceStore records transport sessions in the kv store so they can be
// reconstructed after a restart.
type PersistenceStore struct {
	store kv.Store
}

// NewPersistenceStore creates a persistence store.
func NewPersistenceStore(store kv.Store) *PersistenceStore {
	return &PersistenceStore{store: store}
}

// Persist writes the session record and, when the user is known, the
// user-index pointer in one transaction.
func (p *PersistenceStore) Persist(ctx context.Context, record *SessionRecord) error {
	if record.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.LastActivity.IsZero() {
		record.LastActivity = now
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding session record: %w", err)
	}
	ops := []kv.Op{kv.SetOp(sessionPrefix.Append(record.SessionID), payload, 0)}
	if record.UserID != "" {
		pointer, err := json.Marshal(&sessionPointer{SessionID: record.SessionID, CreatedAt: record.CreatedAt})
		if err != nil {
			return fmt.Errorf("encoding session pointer: %w", err)
		}
		ops = append(ops, kv.SetOp(byUserPrefix.Append(record.UserID, record.SessionID), pointer, 0))
	}
	if err := p.store.Atomic(ctx, nil, ops); err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}
	return nil
}

// Get returns a session record, or nil if absent.
func (p *PersistenceStore) Get(ctx context.Context, sessionID string) (*SessionRecord, error) {
	entry, err := p.store.Get(ctx, sessionPrefix.Append(sessionID))
	if err != nil {
		return nil, fmt.Errorf("loading session record: %w", err)
	}
	if entry == nil {
		return nil, nil
	}
	var record SessionRecord
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		return nil, fmt.Errorf("decoding session record: %w", err)
	}
	return &record, nil
}

// UpdateActivity touches last_activity.
func (p *PersistenceStore) UpdateActivity(ctx context.Context, sessionID string) error {
	return p.mutate(ctx, sessionID, func(record *SessionRecord) {
		record.LastActivity = time.Now().UTC()
	})
}

// MarkInactive clears is_active but preserves the record.
func (p *PersistenceStore) MarkInactive(ctx context.Context, sessionID string) error {
	return p.mutate(ctx, sessionID, func(record *SessionRecord) {
		record.IsActive = false
		record.LastActivity = time.Now().UTC()
	})
}

func (p *PersistenceStore) mutate(ctx context.Context, sessionID string, fn func(*SessionRecord)) error {
	record, err := p.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("session %s is not persisted", sessionID)
	}
	fn(record)
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding session record: %w", err)
	}
	if err := p.store.Set(ctx, sessionPrefix.Append(sessionID), payload, nil); err != nil {
		return fmt.Errorf("storing session record: %w", err)
	}
	return nil
}

// ListForUser returns the user's persisted sessions.
func (p *PersistenceStore) ListForUser(ctx context.Context, userID string) ([]*SessionRecord, error) {
	var records []*SessionRecord
	err := p.iterate(ctx, byUserPrefix.Append(userID), func(entry kv.Entry) error {
		var pointer sessionPointer
		if err := json.Unmarshal(entry.Value, &pointer); err != nil {
			return nil
		}
		record, err := p.Get(ctx, pointer.SessionID)
		if err != nil {
			return err
		}
		if record != nil {
			records = append(records, record)
		}
		return nil
	})
	return records, err
}

// ListActive returns every session with is_active set.
func (p *PersistenceStore) ListActive(ctx context.Context) ([]*SessionRecord, error) {
	var records []*SessionRecord
	err := p.iterate(ctx, sessionPrefix, func(entry kv.Entry) error {
		var record SessionRecord
		if err := json.Unmarshal(entry.Value, &record); err != nil {
			return nil
		}
		if record.IsActive {
			records = append(records, &record)
		}
		return nil
	})
	return records, err
}

// CleanupOld deletes inactive records older than maxAge in bounded batches.
// A zero maxAge means DefaultCleanupMaxAge.
func (p *PersistenceStore) CleanupOld(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge == 0 {
		maxAge = DefaultCleanupMaxAge
	}
	cutoff := time.Now().Add(-maxAge)
	var stale []*SessionRecord
	err := p.iterate(ctx, sessionPrefix, func(entry kv.Entry) error {
		var record SessionRecord
		if err := json.Unmarshal(entry.Value, &record); err != nil {
			return nil
		}
		if !record.IsActive && record.LastActivity.Before(cutoff) {
			stale = append(stale, &record)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for start := 0; start < len(stale); start += kv.DeleteBatchSize {
		end := start + kv.DeleteBatchSize
		if end > len(stale) {
			end = len(stale)
		}
		var ops []kv.Op
		for _, record := range stale[start:end] {
			ops = append(ops, kv.DeleteOp(sessionPrefix.Append(record.SessionID)))
			if record.UserID != "" {
				ops = append(ops, kv.DeleteOp(byUserPrefix.Append(record.UserID, record.SessionID)))
			}
		}
		if err := p.store.Atomic(ctx, nil, ops); err != nil {
			return deleted, fmt.Errorf("deleting stale sessions: %w", err)
		}
		deleted += end - start
	}
	return deleted, nil
}

// Stats summarizes the persisted sessions.
func (p *PersistenceStore) Stats(ctx context.Context) (*PersistenceStats, error) {
	stats := &PersistenceStats{}
	err := p.iterate(ctx, sessionPrefix, func(entry kv.Entry) error {
		var record SessionRecord
		if err := json.Unmarshal(entry.Value, &record); err != nil {
			return nil
		}
		stats.TotalSessions++
		if record.IsActive {
			stats.ActiveSessions++
		} else {
			stats.InactiveSessions++
		}
		return nil
	})
	return stats, err
}

// TransportFactory reconstructs a transport for a persisted session.
type TransportFactory func(record *SessionRecord) (Transport, error)

// RestoreTransports rebuilds a transport for every active persisted session
// and inserts it into the caller's session map. Individual failures are
// isolated and reported; they never abort the batch. Inactive sessions are
// never restored.
func (p *PersistenceStore) RestoreTransports(
	ctx context.Context, factory TransportFactory, into map[string]Transport,
) (*RestoreResult, error) {
	records, err := p.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	result := &RestoreResult{}
	for _, record := range records {
		transport, err := factory(record)
		if err != nil {
			result.FailedCount++
			result.Errors = append(result.Errors,
				fmt.Errorf("restoring session %s: %w", record.SessionID, err))
			logger.Warnw("failed to restore transport session",
				"session_id", record.SessionID, "error", err)
			continue
		}
		into[record.SessionID] = transport
		result.RestoredCount++
	}
	logger.Infow("transport sessions restored",
		"restored", result.RestoredCount, "failed", result.FailedCount)
	return result, nil
}

func (p *PersistenceStore) iterate(ctx context.Context, prefix kv.Key, fn func(kv.Entry) error) error {
	cursor := ""
	for {
		result, err := p.store.List(ctx, prefix, &kv.ListOptions{Cursor: cursor})
		if err != nil {
			return fmt.Errorf("listing sessions: %w", err)
		}
		for _, entry := range result.Entries {
			if err := fn(entry); err != nil {
				return err
			}
		}
		if result.Cursor == "" {
			return nil
		}
		cursor = result.Cursor
	}
}

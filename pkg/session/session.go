// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package session is the generic application session store: sessions keyed by
// id with a secondary user index, lazy expiry on read, an optimistic
// read-modify-write update, and a background sweeper.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/meridianmcp/meridian/pkg/kv"
	"github.com/meridianmcp/meridian/pkg/logger"
)

// DefaultExpiry is the default session lifetime.
const DefaultExpiry = 24 * time.Hour

// DefaultSweepInterval is how often the background sweeper runs.
const DefaultSweepInterval = time.Hour

// updateMaxTries bounds the optimistic update retry loop.
const updateMaxTries = 5

// ErrNotFound is returned by Update when the session is absent or expired.
var ErrNotFound = errors.New("session not found")

// Session is a generic application session.
type Session struct {
	SessionID    string            `json:"session_id"`
	UserID       string            `json:"user_id,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActiveAt time.Time         `json:"last_active_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	Scopes       []string          `json:"scopes,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// userPointer is the by_user index record.
type userPointer struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats summarizes the session keyspace.
type Stats struct {
	TotalSessions   int
	ExpiredSessions int
	UniqueUsers     int
}

// Config controls the store's prefix and lifetimes.
type Config struct {
	// Prefix is the top-level key segment; defaults to "sessions".
	Prefix string
	// Expiry is the session lifetime; defaults to DefaultExpiry.
	Expiry time.Duration
	// SweepInterval for the background sweeper; defaults to DefaultSweepInterval.
	SweepInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	if out.Prefix == "" {
		out.Prefix = "sessions"
	}
	if out.Expiry == 0 {
		out.Expiry = DefaultExpiry
	}
	if out.SweepInterval == 0 {
		out.SweepInterval = DefaultSweepInterval
	}
	return out
}

// Store persists sessions in the kv store.
type Store struct {
	store  kv.Store
	config Config
	stopCh chan struct{}
}

// NewStore creates a session store. Call StartSweeper to enable background
// expiry, and Stop to halt it.
func NewStore(store kv.Store, config *Config) *Store {
	return &Store{store: store, config: config.withDefaults(), stopCh: make(chan struct{})}
}

func (s *Store) sessionKey(sessionID string) kv.Key {
	return kv.Key{s.config.Prefix, sessionID}
}

func (s *Store) userKey(userID, sessionID string) kv.Key {
	return kv.Key{s.config.Prefix, "by_user", userID, sessionID}
}

// New creates and persists a fresh session.
func (s *Store) New(ctx context.Context, userID string, scopes []string, metadata map[string]string) (*Session, error) {
	now := time.Now().UTC()
	session := &Session{
		SessionID:    uuid.New().String(),
		UserID:       userID,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(s.config.Expiry),
		Scopes:       scopes,
		Metadata:     metadata,
	}
	if err := s.put(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Put stores a caller-constructed session, indexing it by user when known.
func (s *Store) Put(ctx context.Context, session *Session) error {
	if session.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	return s.put(ctx, session)
}

func (s *Store) put(ctx context.Context, session *Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	ttl := time.Until(session.ExpiresAt)
	ops := []kv.Op{kv.SetOp(s.sessionKey(session.SessionID), payload, ttl)}
	if session.UserID != "" {
		pointer, err := json.Marshal(&userPointer{SessionID: session.SessionID, CreatedAt: session.CreatedAt})
		if err != nil {
			return fmt.Errorf("encoding user pointer: %w", err)
		}
		ops = append(ops, kv.SetOp(s.userKey(session.UserID, session.SessionID), pointer, ttl))
	}
	if err := s.store.Atomic(ctx, nil, ops); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

// Get returns a session, or nil if absent. Expired sessions are deleted on
// read and reported as absent.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	session, _, err := s.getWithVersion(ctx, sessionID)
	return session, err
}

func (s *Store) getWithVersion(ctx context.Context, sessionID string) (*Session, int64, error) {
	entry, err := s.store.Get(ctx, s.sessionKey(sessionID))
	if err != nil {
		return nil, 0, fmt.Errorf("loading session: %w", err)
	}
	if entry == nil {
		return nil, 0, nil
	}
	var session Session
	if err := json.Unmarshal(entry.Value, &session); err != nil {
		return nil, 0, fmt.Errorf("decoding session: %w", err)
	}
	if time.Now().After(session.ExpiresAt) {
		if err := s.Delete(ctx, sessionID); err != nil {
			logger.Warnw("failed to delete expired session", "session_id", sessionID, "error", err)
		}
		return nil, 0, nil
	}
	return &session, entry.Version, nil
}

// Update applies fn to the current session record inside an optimistic retry
// loop: the write commits only if the record is unchanged since the read.
// SessionID is preserved and LastActiveAt is stamped on every attempt.
func (s *Store) Update(ctx context.Context, sessionID string, fn func(*Session)) (*Session, error) {
	attempt := func() (*Session, error) {
		session, version, err := s.getWithVersion(ctx, sessionID)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if session == nil {
			return nil, backoff.Permanent(ErrNotFound)
		}
		fn(session)
		session.SessionID = sessionID
		session.LastActiveAt = time.Now().UTC()

		payload, err := json.Marshal(session)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("encoding session: %w", err))
		}
		err = s.store.Atomic(ctx,
			[]kv.Check{{Key: s.sessionKey(sessionID), Version: version}},
			[]kv.Op{kv.SetOp(s.sessionKey(sessionID), payload, time.Until(session.ExpiresAt))},
		)
		if errors.Is(err, kv.ErrConflict) {
			return nil, err // retryable
		}
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("storing session: %w", err))
		}
		return session, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 10 * time.Millisecond
	return backoff.Retry(ctx, attempt,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(updateMaxTries),
	)
}

// Touch extends the session's activity timestamp.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	_, err := s.Update(ctx, sessionID, func(*Session) {})
	return err
}

// Delete removes a session and its user-index pointer.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	entry, err := s.store.Get(ctx, s.sessionKey(sessionID))
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	ops := []kv.Op{kv.DeleteOp(s.sessionKey(sessionID))}
	if entry != nil {
		var session Session
		if err := json.Unmarshal(entry.Value, &session); err == nil && session.UserID != "" {
			ops = append(ops, kv.DeleteOp(s.userKey(session.UserID, sessionID)))
		}
	}
	return s.store.Atomic(ctx, nil, ops)
}

// ListForUser returns the user's live sessions via the by_user index. Stale
// pointers to missing sessions are skipped.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]*Session, error) {
	prefix := kv.Key{s.config.Prefix, "by_user", userID}
	var sessions []*Session
	cursor := ""
	for {
		result, err := s.store.List(ctx, prefix, &kv.ListOptions{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("listing user sessions: %w", err)
		}
		for _, entry := range result.Entries {
			var pointer userPointer
			if err := json.Unmarshal(entry.Value, &pointer); err != nil {
				continue
			}
			session, err := s.Get(ctx, pointer.SessionID)
			if err != nil {
				return nil, err
			}
			if session != nil {
				sessions = append(sessions, session)
			}
		}
		if result.Cursor == "" {
			break
		}
		cursor = result.Cursor
	}
	return sessions, nil
}

// DeleteForUser removes all of a user's sessions.
func (s *Store) DeleteForUser(ctx context.Context, userID string) (int, error) {
	sessions, err := s.ListForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, session := range sessions {
		if err := s.Delete(ctx, session.SessionID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// SweepExpired deletes sessions expired before the cutoff in bounded batches.
// A zero cutoff means now.
func (s *Store) SweepExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = time.Now()
	}
	swept := 0
	cursor := ""
	var batch []string
	flush := func() error {
		for _, id := range batch {
			if err := s.Delete(ctx, id); err != nil {
				return err
			}
			swept++
		}
		batch = batch[:0]
		return nil
	}
	for {
		result, err := s.store.List(ctx, kv.Key{s.config.Prefix}, &kv.ListOptions{Cursor: cursor})
		if err != nil {
			return swept, fmt.Errorf("listing sessions: %w", err)
		}
		for _, entry := range result.Entries {
			// Skip by_user index records.
			if len(entry.Key) != 2 {
				continue
			}
			var session Session
			if err := json.Unmarshal(entry.Value, &session); err != nil {
				continue
			}
			if session.ExpiresAt.Before(before) {
				batch = append(batch, session.SessionID)
				if len(batch) >= kv.DeleteBatchSize {
					if err := flush(); err != nil {
						return swept, err
					}
				}
			}
		}
		if result.Cursor == "" {
			break
		}
		cursor = result.Cursor
	}
	if err := flush(); err != nil {
		return swept, err
	}
	return swept, nil
}

// Stats summarizes the session keyspace.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	users := make(map[string]bool)
	now := time.Now()
	cursor := ""
	for {
		result, err := s.store.List(ctx, kv.Key{s.config.Prefix}, &kv.ListOptions{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("listing sessions: %w", err)
		}
		for _, entry := range result.Entries {
			if len(entry.Key) != 2 {
				continue
			}
			var session Session
			if err := json.Unmarshal(entry.Value, &session); err != nil {
				continue
			}
			stats.TotalSessions++
			if now.After(session.ExpiresAt) {
				stats.ExpiredSessions++
			}
			if session.UserID != "" {
				users[session.UserID] = true
			}
		}
		if result.Cursor == "" {
			break
		}
		cursor = result.Cursor
	}
	stats.UniqueUsers = len(users)
	return stats, nil
}

// StartSweeper launches the background expiry sweeper. It stops when the
// context is cancelled or Stop is called.
func (s *Store) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				swept, err := s.SweepExpired(ctx, time.Now())
				if err != nil {
					logger.Warnw("session sweep failed", "error", err)
				} else if swept > 0 {
					logger.Debugw("swept expired sessions", "count", swept)
				}
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts the background sweeper.
func (s *Store) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

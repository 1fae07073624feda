// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"

	"github.com/meridianmcp/meridian/pkg/events"
	"github.com/meridianmcp/meridian/pkg/logger"
	"github.com/meridianmcp/meridian/pkg/oauth/tokens"
)

// ErrSessionLimit is returned by Resolve when creating one more session
// would exceed the configured cap.
var ErrSessionLimit = errors.New("session limit reached")

// Manager owns the live session map. The map is the only shared process-local
// structure; its mutex is held for map operations only, never across I/O.
type Manager struct {
	mu          sync.Mutex
	transports  map[string]Transport
	maxSessions int

	mcp         *server.MCPServer
	events      events.EventStore
	persistence *PersistenceStore
	tokens      *tokens.Manager
}

// NewManager creates a transport manager.
func NewManager(mcp *server.MCPServer, eventStore events.EventStore, persistence *PersistenceStore, tokenManager *tokens.Manager) *Manager {
	return &Manager{
		transports:  make(map[string]Transport),
		mcp:         mcp,
		events:      eventStore,
		persistence: persistence,
		tokens:      tokenManager,
	}
}

// SetMaxSessions caps the number of live sessions. Zero or negative means no
// cap. The cap applies to new sessions only; restored sessions always load.
func (m *Manager) SetMaxSessions(n int) {
	m.mu.Lock()
	m.maxSessions = n
	m.mu.Unlock()
}

// Restore rebuilds transports for every active persisted session, binding
// them to the current protocol server and event store.
func (m *Manager) Restore(ctx context.Context) (*RestoreResult, error) {
	restored := make(map[string]Transport)
	result, err := m.persistence.RestoreTransports(ctx, func(record *SessionRecord) (Transport, error) {
		return NewHTTPTransport(record.SessionID, record.UserID, m.mcp, m.events), nil
	}, restored)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	for id, transport := range restored {
		m.transports[id] = transport
	}
	m.mu.Unlock()
	return result, nil
}

// Authenticate resolves a bearer token to its identity via the token manager.
// Returns nil when the token is absent or expired.
func (m *Manager) Authenticate(ctx context.Context, accessToken string) (*tokens.TokenInfo, error) {
	if accessToken == "" {
		return nil, nil
	}
	return m.tokens.ValidateAccessToken(ctx, accessToken)
}

// Resolve returns the transport for a session id, creating and persisting a
// new one when the id is empty or unknown. It reports the session id and
// whether a new transport was created.
func (m *Manager) Resolve(ctx context.Context, sessionID, userID string) (Transport, string, bool, error) {
	if sessionID != "" {
		m.mu.Lock()
		transport, ok := m.transports[sessionID]
		m.mu.Unlock()
		if ok {
			return transport, sessionID, false, nil
		}
	} else {
		sessionID = uuid.New().String()
	}

	m.mu.Lock()
	if m.maxSessions > 0 && len(m.transports) >= m.maxSessions {
		m.mu.Unlock()
		return nil, "", false, ErrSessionLimit
	}
	m.mu.Unlock()

	transport := NewHTTPTransport(sessionID, userID, m.mcp, m.events)
	if err := m.persistence.Persist(ctx, &SessionRecord{
		SessionID: sessionID,
		UserID:    userID,
		IsActive:  true,
	}); err != nil {
		return nil, "", false, fmt.Errorf("persisting new session: %w", err)
	}

	m.mu.Lock()
	// A concurrent request may have created the same session; keep the first.
	if existing, ok := m.transports[sessionID]; ok {
		m.mu.Unlock()
		return existing, sessionID, false, nil
	}
	m.transports[sessionID] = transport
	m.mu.Unlock()

	logger.Debugw("transport session created", "session_id", sessionID, "user_id", userID)
	return transport, sessionID, true, nil
}

// Get returns a live transport, or nil.
func (m *Manager) Get(sessionID string) Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transports[sessionID]
}

// Dispatch routes one message to a session's transport and touches the
// persisted activity timestamp.
func (m *Manager) Dispatch(ctx context.Context, transport Transport, message json.RawMessage) (json.RawMessage, error) {
	response, err := transport.HandleMessage(ctx, message)
	if err != nil {
		return nil, err
	}
	if touchErr := m.persistence.UpdateActivity(ctx, transport.SessionID()); touchErr != nil {
		logger.Warnw("failed to touch session activity",
			"session_id", transport.SessionID(), "error", touchErr)
	}
	return response, nil
}

// Remove closes a session's transport, marks it inactive and drops it from
// the live map.
func (m *Manager) Remove(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	transport, ok := m.transports[sessionID]
	delete(m.transports, sessionID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := transport.Close(); err != nil {
		logger.Warnw("error closing transport", "session_id", sessionID, "error", err)
	}
	return m.persistence.MarkInactive(ctx, sessionID)
}

// SessionIDs returns the live session ids.
func (m *Manager) SessionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.transports))
	for id := range m.transports {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transports)
}

// Shutdown marks every live session inactive and closes its transport. Used
// on graceful shutdown; the bounded context keeps it from hanging on a slow
// backend.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	transports := make(map[string]Transport, len(m.transports))
	for id, transport := range m.transports {
		transports[id] = transport
	}
	m.transports = make(map[string]Transport)
	m.mu.Unlock()

	var firstErr error
	for id, transport := range transports {
		if err := transport.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		markCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := m.persistence.MarkInactive(markCtx, id); err != nil && firstErr == nil {
			firstErr = err
		}
		cancel()
	}
	logger.Infow("transport manager shut down", "sessions", len(transports))
	return firstErr
}

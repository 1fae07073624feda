// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/server"

	"github.com/meridianmcp/meridian/pkg/events"
	"github.com/meridianmcp/meridian/pkg/logger"
)

// Header names used by the HTTP transport.
const (
	// SessionIDHeader carries the transport session id.
	SessionIDHeader = "Mcp-Session-Id"
	// LastEventIDHeader carries the resume point on reconnect.
	LastEventIDHeader = "Last-Event-Id"
)

// Transport routes protocol messages for one session.
type Transport interface {
	// SessionID identifies the session this transport serves.
	SessionID() string
	// HandleMessage dispatches one protocol message and returns the
	// response, or nil for notifications.
	HandleMessage(ctx context.Context, message json.RawMessage) (json.RawMessage, error)
	// ReplayAfter re-sends stored events strictly after lastEventID.
	ReplayAfter(ctx context.Context, lastEventID string, send events.SendFunc) (int, error)
	// Close releases transport resources.
	Close() error
}

// HTTPTransport serves one HTTP session: messages dispatch into the protocol
// server and every response is appended to the session's event stream so a
// reconnect with Last-Event-Id can resume.
type HTTPTransport struct {
	sessionID string
	userID    string
	mcp       *server.MCPServer
	events    events.EventStore
}

// NewHTTPTransport binds a session to the protocol server and event store.
func NewHTTPTransport(sessionID, userID string, mcp *server.MCPServer, eventStore events.EventStore) *HTTPTransport {
	return &HTTPTransport{sessionID: sessionID, userID: userID, mcp: mcp, events: eventStore}
}

// SessionID returns the session id.
func (t *HTTPTransport) SessionID() string { return t.sessionID }

// UserID returns the authenticated user, if known.
func (t *HTTPTransport) UserID() string { return t.userID }

// HandleMessage dispatches the message and records the response in the event
// stream. Notifications produce no response and no event.
func (t *HTTPTransport) HandleMessage(ctx context.Context, message json.RawMessage) (json.RawMessage, error) {
	response := t.mcp.HandleMessage(ctx, message)
	if response == nil {
		return nil, nil
	}
	raw, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	if _, err := t.events.StoreEvent(ctx, t.sessionID, raw); err != nil {
		// The client still gets its response; only resumability degrades.
		logger.Warnw("failed to record response event",
			"session_id", t.sessionID, "error", err)
	}
	return raw, nil
}

// ReplayAfter replays this session's stored events after lastEventID. An
// empty lastEventID resumes from the start of this session's stream.
func (t *HTTPTransport) ReplayAfter(ctx context.Context, lastEventID string, send events.SendFunc) (int, error) {
	if lastEventID == "" {
		lastEventID = events.FormatEventID(t.sessionID, 0)
	}
	return t.events.ReplayEventsAfter(ctx, lastEventID, send)
}

// Close is a no-op; HTTP transports hold no connection state.
func (*HTTPTransport) Close() error { return nil }

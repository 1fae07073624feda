// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	merrors "github.com/meridianmcp/meridian/pkg/errors"
	"github.com/meridianmcp/meridian/pkg/logger"
	"github.com/meridianmcp/meridian/pkg/registry"
	"github.com/meridianmcp/meridian/pkg/transport"
)

// maxMessageBody caps a single protocol message read off the wire.
const maxMessageBody = 10 * 1024 * 1024

// RegistrarAdapter surfaces registry tools on the protocol server. It
// implements registry.Registrar; Bind closes the loop so invocations route
// back through the registry's validation and statistics.
type RegistrarAdapter struct {
	mcp   *mcpserver.MCPServer
	tools *registry.Registry
}

// NewRegistrarAdapter wraps a protocol server. Call Bind with the registry
// before registering tools.
func NewRegistrarAdapter(mcp *mcpserver.MCPServer) *RegistrarAdapter {
	return &RegistrarAdapter{mcp: mcp}
}

// Bind attaches the registry that owns the tool handlers.
func (a *RegistrarAdapter) Bind(tools *registry.Registry) {
	a.tools = tools
}

// RegisterTool converts the JSON Schema document into the protocol tool shape
// and installs a handler that routes through the registry.
func (a *RegistrarAdapter) RegisterTool(name, description string, inputSchema map[string]any) {
	schema := mcp.ToolInputSchema{Type: "object"}
	if properties, ok := inputSchema["properties"].(map[string]any); ok {
		schema.Properties = properties
	}
	if required, ok := inputSchema["required"].([]string); ok {
		schema.Required = required
	}

	tool := mcp.Tool{Name: name, Description: description, InputSchema: schema}
	a.mcp.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := a.tools.Invoke(ctx, name, req.GetArguments(), nil)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if result.IsError {
			return mcp.NewToolResultError(result.Error), nil
		}
		return mcp.NewToolResultText(renderContent(result.Content)), nil
	})
}

// UnregisterTool removes a tool from the protocol server.
func (a *RegistrarAdapter) UnregisterTool(name string) {
	a.mcp.DeleteTools(name)
}

func renderContent(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}

// bearerToken pulls the token out of an Authorization header, or "".
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return header[7:]
	}
	return ""
}

// authenticate resolves the request's bearer token to a user id. Requests
// without a token pass through anonymously; a token that does not resolve to
// a live access token is rejected with 401. Returns ok=false after writing
// the error response.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := bearerToken(r)
	if token == "" {
		return "", true
	}
	info, err := s.manager.Authenticate(r.Context(), token)
	if err != nil {
		logger.Errorw("token validation failed", "error", err)
	}
	if err != nil || info == nil {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_token", "access token is invalid or expired")
		return "", false
	}
	return info.UserID, true
}

// mcpPostHandler serves POST /mcp: one protocol message in, one response out.
// A missing Mcp-Session-Id header starts a new session; the assigned id is
// always echoed back in the response header.
func (s *Server) mcpPostHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBody+1))
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}
	if len(body) > maxMessageBody {
		writeOAuthError(w, http.StatusRequestEntityTooLarge, "invalid_request", "message too large")
		return
	}
	if !json.Valid(body) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "body must be a JSON-RPC message")
		return
	}

	tr, sessionID, created, err := s.manager.Resolve(ctx, r.Header.Get(transport.SessionIDHeader), userID)
	if errors.Is(err, transport.ErrSessionLimit) {
		writeOAuthError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "session capacity reached")
		return
	}
	if err != nil {
		logger.Errorw("failed to resolve session", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "session unavailable")
		return
	}
	if created {
		logger.Infow("session started", "session_id", sessionID, "user_id", userID)
	}

	response, err := s.manager.Dispatch(ctx, tr, body)
	if err != nil {
		logger.Errorw("message dispatch failed",
			"session_id", sessionID, "category", merrors.CategoryOf(err), "error", err)
		status := http.StatusInternalServerError
		if merrors.IsValidation(err) {
			status = http.StatusBadRequest
		}
		writeOAuthError(w, status, "server_error", "message handling failed")
		return
	}

	w.Header().Set(transport.SessionIDHeader, sessionID)
	if response == nil {
		// Notifications have no response.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(response); err != nil {
		logger.Warnw("failed to write response", "session_id", sessionID, "error", err)
	}
}

// mcpGetHandler serves GET /mcp: an SSE stream that replays the session's
// stored events after the Last-Event-Id resume point. An absent header
// replays the session from the beginning.
func (s *Server) mcpGetHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	sessionID := r.Header.Get(transport.SessionIDHeader)
	if sessionID == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "Mcp-Session-Id header is required")
		return
	}
	tr := s.manager.Get(sessionID)
	if tr == nil {
		writeOAuthError(w, http.StatusNotFound, "invalid_request", "unknown session")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(transport.SessionIDHeader, sessionID)
	w.WriteHeader(http.StatusOK)

	lastEventID := r.Header.Get(transport.LastEventIDHeader)
	count, err := tr.ReplayAfter(r.Context(), lastEventID, func(eventID string, message json.RawMessage) error {
		if _, err := fmt.Fprintf(w, "id: %s\ndata: %s\n\n", eventID, message); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		logger.Warnw("event replay aborted", "session_id", sessionID, "error", err)
		return
	}
	logger.Debugw("event replay complete",
		"session_id", sessionID, "after", lastEventID, "events", count)
}

// mcpDeleteHandler serves DELETE /mcp: closes the session's transport and
// marks its persisted record inactive.
func (s *Server) mcpDeleteHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(transport.SessionIDHeader)
	if sessionID == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "Mcp-Session-Id header is required")
		return
	}
	if s.manager.Get(sessionID) == nil {
		writeOAuthError(w, http.StatusNotFound, "invalid_request", "unknown session")
		return
	}
	if err := s.manager.Remove(r.Context(), sessionID); err != nil {
		logger.Errorw("failed to remove session", "session_id", sessionID, "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "session removal failed")
		return
	}
	w.WriteHeader(http.StatusOK)
}

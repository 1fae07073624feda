// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mark3labs/mcp-go/server"

	"github.com/meridianmcp/meridian/pkg/events"
	"github.com/meridianmcp/meridian/pkg/logger"
)

// StdioTransport serves one client over line-delimited JSON on a reader and
// writer pair, usually stdin/stdout. It is single-threaded by contract: one
// message is fully handled before the next line is read.
type StdioTransport struct {
	sessionID string
	mcp       *server.MCPServer
	in        io.Reader
	out       io.Writer
}

// NewStdioTransport creates a stdio transport for the given streams.
func NewStdioTransport(sessionID string, mcp *server.MCPServer, in io.Reader, out io.Writer) *StdioTransport {
	return &StdioTransport{sessionID: sessionID, mcp: mcp, in: in, out: out}
}

// SessionID returns the session id.
func (t *StdioTransport) SessionID() string { return t.sessionID }

// HandleMessage dispatches one protocol message.
func (t *StdioTransport) HandleMessage(ctx context.Context, message json.RawMessage) (json.RawMessage, error) {
	response := t.mcp.HandleMessage(ctx, message)
	if response == nil {
		return nil, nil
	}
	raw, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	return raw, nil
}

// ReplayAfter is a no-op for stdio: the single client never reconnects.
func (*StdioTransport) ReplayAfter(context.Context, string, events.SendFunc) (int, error) {
	return 0, nil
}

// Run reads newline-delimited messages until EOF or context cancellation,
// writing each response as one line. Malformed lines are logged and skipped.
func (t *StdioTransport) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			logger.Warnw("skipping malformed stdio message", "session_id", t.sessionID)
			continue
		}
		response, err := t.HandleMessage(ctx, json.RawMessage(line))
		if err != nil {
			return err
		}
		if response == nil {
			continue
		}
		if _, err := t.out.Write(append(response, '\n')); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
	}
	return scanner.Err()
}

// Close is a no-op; the caller owns the streams.
func (*StdioTransport) Close() error { return nil }

// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianmcp/meridian/pkg/events"
	"github.com/meridianmcp/meridian/pkg/kv"
	"github.com/meridianmcp/meridian/pkg/kv/memory"
	"github.com/meridianmcp/meridian/pkg/oauth/tokens"
)

// fakeTransport satisfies Transport for map-level tests.
type fakeTransport struct {
	id     string
	closed bool
}

func (f *fakeTransport) SessionID() string { return f.id }
func (*fakeTransport) HandleMessage(context.Context, json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}
func (*fakeTransport) ReplayAfter(context.Context, string, events.SendFunc) (int, error) {
	return 0, nil
}
func (f *fakeTransport) Close() error { f.closed = true; return nil }

func newTestMCPServer() *server.MCPServer {
	s := server.NewMCPServer("meridian-test", "0.1.0", server.WithToolCapabilities(false))
	s.AddTool(mcp.Tool{
		Name:        "echo",
		Description: "Echo the input back",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"text": map[string]any{"type": "string"},
			},
			Required: []string{"text"},
		},
	}, func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, _ := req.GetArguments()["text"].(string)
		return mcp.NewToolResultText(text), nil
	})
	return s
}

type managerFixture struct {
	manager     *Manager
	store       kv.Store
	events      *events.ChunkedStore
	persistence *PersistenceStore
	tokens      *tokens.Manager
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	eventStore := events.NewChunkedStore(store, nil)
	persistence := NewPersistenceStore(store)
	tokenManager := tokens.NewManager(store, nil)
	return &managerFixture{
		manager:     NewManager(newTestMCPServer(), eventStore, persistence, tokenManager),
		store:       store,
		events:      eventStore,
		persistence: persistence,
		tokens:      tokenManager,
	}
}

func TestResolveCreatesAndReuses(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)
	ctx := context.Background()

	transport, sessionID, created, err := f.manager.Resolve(ctx, "", "user-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, sessionID)
	assert.Equal(t, sessionID, transport.SessionID())

	// The session is persisted as active.
	record, err := f.persistence.Get(ctx, sessionID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, record.IsActive)
	assert.Equal(t, "user-1", record.UserID)

	// Same id resolves to the same transport.
	again, _, created, err := f.manager.Resolve(ctx, sessionID, "user-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, transport, again)
	assert.Equal(t, 1, f.manager.Count())
}

func TestDispatchRecordsEvent(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)
	ctx := context.Background()

	transport, sessionID, _, err := f.manager.Resolve(ctx, "", "user-1")
	require.NoError(t, err)

	call := json.RawMessage(`{
		"jsonrpc": "2.0", "id": 1, "method": "tools/call",
		"params": {"name": "echo", "arguments": {"text": "hello"}}
	}`)
	response, err := f.manager.Dispatch(ctx, transport, call)
	require.NoError(t, err)
	require.NotNil(t, response)
	assert.Contains(t, string(response), "hello")

	// The response landed in the session's event stream.
	var replayed []json.RawMessage
	sent, err := transport.ReplayAfter(ctx, "", func(_ string, m json.RawMessage) error {
		replayed = append(replayed, m)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	assert.JSONEq(t, string(response), string(replayed[0]))

	_ = sessionID
}

func TestReplayAfterReconnect(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)
	ctx := context.Background()

	transport, sessionID, _, err := f.manager.Resolve(ctx, "", "user-1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		call := json.RawMessage(`{"jsonrpc":"2.0","id":` + string(rune('1'+i)) +
			`,"method":"tools/call","params":{"name":"echo","arguments":{"text":"m"}}}`)
		_, err := f.manager.Dispatch(ctx, transport, call)
		require.NoError(t, err)
	}

	// Reconnect after the first event: only the later two replay.
	var got []string
	sent, err := transport.ReplayAfter(ctx, sessionID+"|1", func(id string, _ json.RawMessage) error {
		got = append(got, id)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, []string{sessionID + "|2", sessionID + "|3"}, got)
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)
	ctx := context.Background()

	pair, err := f.tokens.IssueTokenPair(ctx, "mcp_client", "user-1", []string{"read"})
	require.NoError(t, err)

	info, err := f.manager.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "user-1", info.UserID)

	info, err = f.manager.Authenticate(ctx, "bogus")
	require.NoError(t, err)
	assert.Nil(t, info)

	info, err = f.manager.Authenticate(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestRestoreAfterRestart(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)
	ctx := context.Background()

	// Persist three sessions, one inactive.
	require.NoError(t, f.persistence.Persist(ctx, &SessionRecord{SessionID: "s1", UserID: "u", IsActive: true}))
	require.NoError(t, f.persistence.Persist(ctx, &SessionRecord{SessionID: "s2", UserID: "u", IsActive: true}))
	require.NoError(t, f.persistence.Persist(ctx, &SessionRecord{SessionID: "s3", UserID: "u", IsActive: false}))

	// A fresh manager over the same backing store simulates the restart.
	restarted := NewManager(newTestMCPServer(), f.events, f.persistence, f.tokens)
	result, err := restarted.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.RestoredCount)
	assert.Equal(t, 0, result.FailedCount)
	assert.ElementsMatch(t, []string{"s1", "s2"}, restarted.SessionIDs())
}

func TestShutdownMarksInactive(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)
	ctx := context.Background()

	_, s1, _, err := f.manager.Resolve(ctx, "", "user-1")
	require.NoError(t, err)
	_, s2, _, err := f.manager.Resolve(ctx, "", "user-2")
	require.NoError(t, err)

	require.NoError(t, f.manager.Shutdown(ctx))
	assert.Equal(t, 0, f.manager.Count())

	for _, id := range []string{s1, s2} {
		record, err := f.persistence.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.False(t, record.IsActive)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)
	ctx := context.Background()

	_, sessionID, _, err := f.manager.Resolve(ctx, "", "user-1")
	require.NoError(t, err)

	require.NoError(t, f.manager.Remove(ctx, sessionID))
	assert.Nil(t, f.manager.Get(sessionID))

	record, err := f.persistence.Get(ctx, sessionID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.False(t, record.IsActive)

	// Removing an unknown session is a no-op.
	assert.NoError(t, f.manager.Remove(ctx, "unknown"))
}

func TestStdioTransportRun(t *testing.T) {
	t.Parallel()

	in := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"text":"one"}}}` + "\n" +
			"not json\n" +
			`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"text":"two"}}}` + "\n")
	var out bytes.Buffer

	transport := NewStdioTransport("stdio", newTestMCPServer(), in, &out)
	require.NoError(t, transport.Run(context.Background()))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2, "malformed line is skipped")
	assert.Contains(t, lines[0], "one")
	assert.Contains(t, lines[1], "two")
}

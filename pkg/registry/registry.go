// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meridianmcp/meridian/pkg/logger"
)

// redactedPlaceholder replaces sensitive values in logged arguments.
const redactedPlaceholder = "[REDACTED]"

// sensitiveKeyFragments flags argument keys that must never be logged.
var sensitiveKeyFragments = []string{
	"password", "token", "secret", "authorization", "credential", "api_key", "access_token",
}

// InvocationContext carries caller identity extracted from the arguments or
// supplied by the transport.
type InvocationContext struct {
	UserID    string
	RequestID string
	ClientID  string
}

// Result is a structured tool result.
type Result struct {
	Content any
	IsError bool
	Error   string
}

// Handler executes a tool with validated arguments.
type Handler func(ctx context.Context, args map[string]any, ictx *InvocationContext) (*Result, error)

// Definition declares a tool.
type Definition struct {
	Title       string
	Description string
	Category    string
	Tags        []string
	InputSchema *Schema
}

// Stats are per-tool rolling statistics, updated atomically per invocation.
type Stats struct {
	CallCount     int64
	TotalDuration time.Duration
	AverageTime   time.Duration
	LastCalled    time.Time
	LastError     string
}

// RegisteredTool is one entry in the registry.
type RegisteredTool struct {
	Name         string
	Definition   Definition
	RegisteredAt time.Time

	handler   Handler
	validator *Validator

	statsMu sync.Mutex
	stats   Stats
}

// Stats returns a snapshot of the tool's statistics.
func (t *RegisteredTool) Stats() Stats {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return t.stats
}

func (t *RegisteredTool) recordCall(duration time.Duration, callErr error) {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	t.stats.CallCount++
	t.stats.TotalDuration += duration
	t.stats.AverageTime = t.stats.TotalDuration / time.Duration(t.stats.CallCount)
	t.stats.LastCalled = time.Now().UTC()
	if callErr != nil {
		t.stats.LastError = callErr.Error()
	}
}

// Registrar is implemented by the protocol server so tools become visible to
// connected clients. The registry depends on this interface, not the server.
type Registrar interface {
	// RegisterTool surfaces a tool on the protocol server. inputSchema is a
	// JSON Schema document.
	RegisterTool(name, description string, inputSchema map[string]any)
	// UnregisterTool removes a tool from the protocol server.
	UnregisterTool(name string)
}

// RegistryStats summarizes the whole registry.
type RegistryStats struct {
	ToolCount  int
	TotalCalls int64
	Categories map[string]int
}

// Registry maps tool names to registered tools. Read-mostly: lookups take a
// read lock, registration a write lock released before any handler runs.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]*RegisteredTool
	registrar Registrar
}

// New creates a tool registry. registrar may be nil in tests.
func New(registrar Registrar) *Registry {
	return &Registry{tools: make(map[string]*RegisteredTool), registrar: registrar}
}

// Register compiles the input schema, stores the tool and surfaces it on the
// protocol server. Re-registering a name replaces validator and handler.
func (r *Registry) Register(name string, definition Definition, handler Handler) error {
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %s has no handler", name)
	}
	schema := definition.InputSchema
	if schema == nil {
		schema = &Schema{}
	}
	validator, err := Compile(schema)
	if err != nil {
		return fmt.Errorf("compiling schema for tool %s: %w", name, err)
	}
	tool := &RegisteredTool{
		Name:         name,
		Definition:   definition,
		RegisteredAt: time.Now().UTC(),
		handler:      handler,
		validator:    validator,
	}

	r.mu.Lock()
	_, replaced := r.tools[name]
	r.tools[name] = tool
	r.mu.Unlock()

	if r.registrar != nil {
		r.registrar.RegisterTool(name, definition.Description, schema.JSONSchema())
	}
	if replaced {
		logger.Infow("tool replaced", "tool", name)
	} else {
		logger.Debugw("tool registered", "tool", name, "category", definition.Category)
	}
	return nil
}

// Get returns a registered tool, or nil.
func (r *Registry) Get(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateToolInput applies a tool's validator to raw arguments.
func (r *Registry) ValidateToolInput(name string, args map[string]any) (map[string]any, error) {
	tool := r.Get(name)
	if tool == nil {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return tool.validator.Validate(args)
}

// Invoke validates the arguments and runs the tool handler. Handler panics
// are caught and converted to error-flagged results; statistics are updated
// for every invocation.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any, extra *InvocationContext) (result *Result, err error) {
	tool := r.Get(name)
	if tool == nil {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}

	validated, err := tool.validator.Validate(args)
	if err != nil {
		tool.recordCall(0, err)
		return nil, err
	}
	ictx := extractContext(validated, extra)

	logger.Debugw("invoking tool", "tool", name,
		"user_id", ictx.UserID, "args", Sanitize(validated))

	start := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			panicErr := fmt.Errorf("tool %s panicked: %v", name, recovered)
			tool.recordCall(time.Since(start), panicErr)
			logger.Errorw("tool handler panicked", "tool", name, "panic", recovered)
			result = &Result{IsError: true, Error: panicErr.Error()}
			err = nil
		}
	}()

	result, err = tool.handler(ctx, validated, ictx)
	duration := time.Since(start)
	if err != nil {
		tool.recordCall(duration, err)
		return &Result{IsError: true, Error: err.Error()}, nil
	}
	tool.recordCall(duration, nil)
	return result, nil
}

// Remove drops a tool from the registry and the protocol server.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	r.mu.Unlock()
	if ok && r.registrar != nil {
		r.registrar.UnregisterTool(name)
	}
	return ok
}

// Clear removes every tool.
func (r *Registry) Clear() {
	r.mu.Lock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.tools = make(map[string]*RegisteredTool)
	r.mu.Unlock()
	if r.registrar != nil {
		for _, name := range names {
			r.registrar.UnregisterTool(name)
		}
	}
}

// ByCategory returns tools grouped under the given category.
func (r *Registry) ByCategory(category string) []*RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var tools []*RegisteredTool
	for _, tool := range r.tools {
		if tool.Definition.Category == category {
			tools = append(tools, tool)
		}
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// RegistryStats summarizes all registered tools.
func (r *Registry) RegistryStats() *RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := &RegistryStats{
		ToolCount:  len(r.tools),
		Categories: make(map[string]int),
	}
	for _, tool := range r.tools {
		stats.TotalCalls += tool.Stats().CallCount
		if tool.Definition.Category != "" {
			stats.Categories[tool.Definition.Category]++
		}
	}
	return stats
}

// extractContext pulls identity fields out of the validated arguments,
// falling back to extra only for keys the args do not carry. Non-string
// values never populate context fields.
func extractContext(args map[string]any, extra *InvocationContext) *InvocationContext {
	ictx := &InvocationContext{}
	if extra != nil {
		*ictx = *extra
	}
	if v := stringArg(args, "userId", "user_id"); v != "" {
		ictx.UserID = v
	}
	if v := stringArg(args, "requestId", "request_id"); v != "" {
		ictx.RequestID = v
	}
	if v := stringArg(args, "clientId", "client_id"); v != "" {
		ictx.ClientID = v
	}
	return ictx
}

// stringArg returns the first string value among the given keys. camelCase
// keys are listed first so they take precedence.
func stringArg(args map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Sanitize returns a shallow copy of args with sensitive top-level keys
// replaced by a placeholder. The input is never mutated.
func Sanitize(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for key, value := range args {
		lower := strings.ToLower(key)
		redacted := false
		for _, fragment := range sensitiveKeyFragments {
			if strings.Contains(lower, fragment) {
				redacted = true
				break
			}
		}
		if redacted {
			out[key] = redactedPlaceholder
		} else {
			out[key] = value
		}
	}
	return out
}

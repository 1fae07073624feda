// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package authorize implements the authorization-code grant: request
// validation, code issuance, code exchange with PKCE verification, and the
// binding that correlates upstream provider callbacks back to the originating
// MCP client request.
package authorize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/meridianmcp/meridian/pkg/kv"
	"github.com/meridianmcp/meridian/pkg/logger"
	"github.com/meridianmcp/meridian/pkg/oauth/clients"
	"github.com/meridianmcp/meridian/pkg/oauth/pkce"
	"github.com/meridianmcp/meridian/pkg/oauth/tokens"
)

// mcpAuthRequestTTL bounds how long an upstream callback can take before the
// originating request is forgotten.
const mcpAuthRequestTTL = 10 * time.Minute

var mcpAuthRequestPrefix = kv.Key{"oauth", "mcp_auth_requests"}

// Exchange failure messages. These are part of the token endpoint's
// observable contract and must not drift.
const (
	msgInvalidCode     = "Invalid or expired authorization code"
	msgInvalidClient   = "Invalid client credentials"
	msgInvalidVerifier = "Invalid PKCE code verifier"
)

// ValidationError is a non-retryable request validation failure. The client
// must correct its input; retrying the same request cannot succeed.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Request is a parsed authorization request.
type Request struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Result is a successful authorization: the issued code and the redirect the
// user agent should follow.
type Result struct {
	Code        string
	State       string
	RedirectURL string
}

// ExchangeResult reports the outcome of a code exchange.
type ExchangeResult struct {
	Success bool
	Error   string
	Pair    *tokens.Pair
}

// MCPAuthRequest captures the originating MCP client request while an
// upstream OAuth flow is in flight, keyed by the external provider's state.
type MCPAuthRequest struct {
	SessionID     string    `json:"session_id"`
	ClientID      string    `json:"client_id"`
	RedirectURI   string    `json:"redirect_uri"`
	State         string    `json:"state"`
	CodeChallenge string    `json:"code_challenge,omitempty"`
	Scope         string    `json:"scope,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Config controls request validation.
type Config struct {
	// SupportedResponseTypes defaults to ["code"].
	SupportedResponseTypes []string
	// SupportedScopes defaults to {all, read, write}.
	SupportedScopes []string
	// RequirePKCE rejects authorization requests without a code challenge.
	RequirePKCE bool
	// AllowPlainMethod accepts code_challenge_method=plain at the
	// authorization endpoint. Off by default; plain is never advertised.
	AllowPlainMethod bool
}

// DefaultConfig returns the standard PKCE-mandatory configuration.
func DefaultConfig() *Config {
	return &Config{
		SupportedResponseTypes: []string{"code"},
		SupportedScopes:        []string{"all", "read", "write"},
		RequirePKCE:            true,
	}
}

// Handler executes the authorization-code grant.
type Handler struct {
	store    kv.Store
	registry *clients.Registry
	tokens   *tokens.Manager
	config   Config
}

// NewHandler creates a Handler. A nil config uses DefaultConfig.
func NewHandler(store kv.Store, registry *clients.Registry, manager *tokens.Manager, config *Config) *Handler {
	if config == nil {
		config = DefaultConfig()
	}
	return &Handler{store: store, registry: registry, tokens: manager, config: *config}
}

// HandleAuthorizeRequest validates the request, issues a one-time code for
// the authenticated user, and builds the redirect URL carrying code and state
// as query parameters.
func (h *Handler) HandleAuthorizeRequest(ctx context.Context, req *Request, userID string) (*Result, error) {
	if err := h.ValidateAuthorizationRequest(ctx, req); err != nil {
		return nil, err
	}

	code, err := h.tokens.GenerateAuthorizationCode(ctx,
		req.ClientID, userID, req.RedirectURI, req.CodeChallenge, req.Scope)
	if err != nil {
		return nil, fmt.Errorf("issuing authorization code: %w", err)
	}

	redirect, err := url.Parse(req.RedirectURI)
	if err != nil {
		return nil, validationErrorf("invalid redirect_uri: %v", err)
	}
	q := redirect.Query()
	q.Set("code", code)
	q.Set("state", req.State)
	redirect.RawQuery = q.Encode()

	logger.Infow("authorization code issued",
		"client_id", req.ClientID, "user_id", userID, "scope", req.Scope)

	return &Result{Code: code, State: req.State, RedirectURL: redirect.String()}, nil
}

// ValidateAuthorizationRequest checks an authorization request against the
// configured policy and the client registry.
func (h *Handler) ValidateAuthorizationRequest(ctx context.Context, req *Request) error {
	if req == nil {
		return validationErrorf("missing authorization request")
	}
	if !contains(h.config.SupportedResponseTypes, req.ResponseType) {
		return validationErrorf("unsupported response_type: %s", req.ResponseType)
	}
	if req.ClientID == "" {
		return validationErrorf("client_id is required")
	}

	ok, err := h.registry.ValidateClient(ctx, req.ClientID, req.RedirectURI)
	if err != nil {
		return fmt.Errorf("validating client: %w", err)
	}
	if !ok {
		return validationErrorf("unknown client or redirect_uri mismatch")
	}

	for _, scope := range strings.Fields(req.Scope) {
		if !contains(h.config.SupportedScopes, scope) {
			return validationErrorf("unsupported scope: %s", scope)
		}
	}

	if req.CodeChallenge != "" {
		switch req.CodeChallengeMethod {
		case pkce.MethodS256:
		case pkce.MethodPlain:
			if !h.config.AllowPlainMethod {
				return validationErrorf("unsupported code_challenge_method: plain")
			}
			logger.Warnw("accepting plain PKCE challenge", "client_id", req.ClientID)
		default:
			return validationErrorf("unsupported code_challenge_method: %s", req.CodeChallengeMethod)
		}
	} else if h.config.RequirePKCE {
		return validationErrorf("PKCE required for this client")
	}

	if req.State == "" {
		return validationErrorf("state parameter is required")
	}
	return nil
}

// ExchangeAuthorizationCode redeems a code for a token pair. The code is
// consumed only on success; failures after the code loads preserve it so the
// client can retry with corrected credentials within the expiry window.
func (h *Handler) ExchangeAuthorizationCode(
	ctx context.Context, code, clientID, redirectURI, codeVerifier string,
) (*ExchangeResult, error) {
	record, err := h.tokens.GetAuthorizationCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("loading authorization code: %w", err)
	}
	if record == nil {
		return &ExchangeResult{Error: msgInvalidCode}, nil
	}

	if record.ClientID != clientID {
		logger.Warnw("code exchange with mismatched client", "client_id", clientID)
		return &ExchangeResult{Error: msgInvalidClient}, nil
	}
	if record.RedirectURI != redirectURI {
		logger.Warnw("code exchange with mismatched redirect_uri", "client_id", clientID)
		return &ExchangeResult{Error: msgInvalidClient}, nil
	}
	if record.CodeChallenge != "" {
		if codeVerifier == "" {
			return &ExchangeResult{Error: msgInvalidVerifier}, nil
		}
		if err := pkce.ValidateCodeChallenge(record.CodeChallenge, codeVerifier, pkce.MethodS256); err != nil {
			logger.Warnw("PKCE verification failed", "client_id", clientID)
			return &ExchangeResult{Error: msgInvalidVerifier}, nil
		}
	}

	consumed, err := h.tokens.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("consuming authorization code: %w", err)
	}
	if !consumed {
		return &ExchangeResult{Error: msgInvalidCode}, nil
	}

	pair, err := h.tokens.IssueTokenPair(ctx, record.ClientID, record.UserID, strings.Fields(record.Scope))
	if err != nil {
		return nil, fmt.Errorf("issuing token pair: %w", err)
	}

	logger.Infow("authorization code exchanged",
		"client_id", record.ClientID, "user_id", record.UserID)
	return &ExchangeResult{Success: true, Pair: pair}, nil
}

// RefreshTokens rotates a refresh token for the given client.
func (h *Handler) RefreshTokens(ctx context.Context, refreshToken, clientID string) (*ExchangeResult, error) {
	pair, err := h.tokens.Refresh(ctx, refreshToken)
	if errors.Is(err, tokens.ErrInvalidRefreshToken) {
		return &ExchangeResult{Error: err.Error()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("refreshing tokens: %w", err)
	}
	logger.Infow("token pair refreshed", "client_id", clientID)
	return &ExchangeResult{Success: true, Pair: pair}, nil
}

// StoreMCPAuthRequest persists the originating request under the external
// provider's state value so the callback can find it.
func (h *Handler) StoreMCPAuthRequest(ctx context.Context, externalState string, req *MCPAuthRequest) error {
	if externalState == "" {
		return validationErrorf("external state is required")
	}
	now := time.Now().UTC()
	req.CreatedAt = now
	req.ExpiresAt = now.Add(mcpAuthRequestTTL)

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding auth request: %w", err)
	}
	key := mcpAuthRequestPrefix.Append(externalState)
	if err := h.store.Set(ctx, key, payload, &kv.SetOptions{ExpiresIn: mcpAuthRequestTTL}); err != nil {
		return fmt.Errorf("storing auth request: %w", err)
	}
	return nil
}

// GetMCPAuthRequest returns the request bound to an external state, or nil if
// unknown or expired. Expired records are deleted on read.
func (h *Handler) GetMCPAuthRequest(ctx context.Context, externalState string) (*MCPAuthRequest, error) {
	key := mcpAuthRequestPrefix.Append(externalState)
	entry, err := h.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("loading auth request: %w", err)
	}
	if entry == nil {
		return nil, nil
	}
	var record MCPAuthRequest
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		return nil, fmt.Errorf("decoding auth request: %w", err)
	}
	if time.Now().After(record.ExpiresAt) {
		if err := h.store.Delete(ctx, key); err != nil {
			logger.Warnw("failed to delete expired auth request", "error", err)
		}
		return nil, nil
	}
	return &record, nil
}

// DeleteMCPAuthRequest removes a binding once the callback completes.
func (h *Handler) DeleteMCPAuthRequest(ctx context.Context, externalState string) error {
	return h.store.Delete(ctx, mcpAuthRequestPrefix.Append(externalState))
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

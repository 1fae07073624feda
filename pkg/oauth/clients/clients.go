// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package clients provides OAuth 2.0 Dynamic Client Registration (DCR)
// per RFC 7591 for public PKCE-only clients, backed by the kv store.
package clients

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/meridianmcp/meridian/pkg/kv"
	"github.com/meridianmcp/meridian/pkg/logger"
)

// DCR error codes per RFC 7591 Section 3.2.2.
const (
	ErrorInvalidRedirectURI     = "invalid_redirect_uri"
	ErrorInvalidClientMetadata  = "invalid_client_metadata"
	ErrorRegistrationNotAllowed = "registration_not_supported"
)

// Validation limits to prevent DoS via excessively large requests.
const (
	// MaxRedirectURICount is the maximum number of redirect URIs per client.
	MaxRedirectURICount = 10

	// MaxClientNameLength is the maximum allowed length for a client name.
	MaxClientNameLength = 256
)

// ClientIDPrefix prefixes every generated client identifier.
const ClientIDPrefix = "mcp_"

// clientIDRandomBytes yields 16 hex characters after encoding.
const clientIDRandomBytes = 8

// maxIDAttempts bounds client-id collision retries.
const maxIDAttempts = 10

// keyPrefix is the kv keyspace owned by this package.
var keyPrefix = kv.Key{"oauth", "client_registrations"}

// Registration is a persisted RFC 7591 client registration. The registry is
// PKCE-only: there is no client secret and token_endpoint_auth_method is
// always "none".
type Registration struct {
	ClientID      string    `json:"client_id"`
	RedirectURIs  []string  `json:"redirect_uris"`
	GrantTypes    []string  `json:"grant_types"`
	ResponseTypes []string  `json:"response_types"`
	Scopes        []string  `json:"scopes,omitempty"`
	ClientName    string    `json:"client_name,omitempty"`
	ClientURI     string    `json:"client_uri,omitempty"`
	Contacts      []string  `json:"contacts,omitempty"`
	TosURI        string    `json:"tos_uri,omitempty"`
	PolicyURI     string    `json:"policy_uri,omitempty"`
	SoftwareID    string    `json:"software_id,omitempty"`
	Revoked       bool      `json:"revoked,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Request is an RFC 7591 Section 2 registration request body.
type Request struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	Contacts                []string `json:"contacts,omitempty"`
	TosURI                  string   `json:"tos_uri,omitempty"`
	PolicyURI               string   `json:"policy_uri,omitempty"`
	SoftwareID              string   `json:"software_id,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// Response is an RFC 7591 Section 3.2.1 registration response.
type Response struct {
	ClientID                string   `json:"client_id"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	CodeChallengeMethods    []string `json:"code_challenge_methods_supported"`
}

// RegistrationError is an RFC 7591 Section 3.2.2 error response.
type RegistrationError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// Error implements the error interface.
func (e *RegistrationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func regError(code, description string) *RegistrationError {
	return &RegistrationError{Code: code, Description: description}
}

// defaultGrantTypes are the grants given to clients that request none.
var defaultGrantTypes = []string{"authorization_code", "refresh_token"}

// defaultResponseTypes are the response types given to clients that request none.
var defaultResponseTypes = []string{"code"}

// Config controls registry behavior.
type Config struct {
	// EnableDynamicRegistration gates the /register endpoint.
	EnableDynamicRegistration bool

	// RequireHTTPS forces https redirect URIs except for allowed hosts.
	RequireHTTPS bool

	// AllowedRedirectHosts lists hostnames exempt from the HTTPS requirement.
	// When non-empty it is also an allowlist of acceptable hostnames.
	// Defaults to localhost and 127.0.0.1.
	AllowedRedirectHosts []string
}

// DefaultConfig returns a Config with the standard development allowances.
func DefaultConfig() *Config {
	return &Config{
		EnableDynamicRegistration: true,
		RequireHTTPS:              true,
		AllowedRedirectHosts:      []string{"localhost", "127.0.0.1"},
	}
}

// Registry stores and validates OAuth client registrations.
type Registry struct {
	store  kv.Store
	config *Config
}

// NewRegistry creates a Registry over the given store.
func NewRegistry(store kv.Store, config *Config) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if len(config.AllowedRedirectHosts) == 0 {
		config.AllowedRedirectHosts = []string{"localhost", "127.0.0.1"}
	}
	return &Registry{store: store, config: config}
}

func clientKey(clientID string) kv.Key {
	return keyPrefix.Append(clientID)
}

// Register validates the request, generates a collision-checked client id and
// persists the registration.
func (r *Registry) Register(ctx context.Context, req *Request) (*Response, error) {
	if !r.config.EnableDynamicRegistration {
		return nil, regError(ErrorRegistrationNotAllowed, "dynamic client registration is disabled")
	}

	validated, regErr := r.validateRequest(req)
	if regErr != nil {
		return nil, regErr
	}

	clientID, err := r.generateClientID(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	reg := &Registration{
		ClientID:      clientID,
		RedirectURIs:  validated.RedirectURIs,
		GrantTypes:    validated.GrantTypes,
		ResponseTypes: validated.ResponseTypes,
		Scopes:        splitScope(validated.Scope),
		ClientName:    validated.ClientName,
		ClientURI:     validated.ClientURI,
		Contacts:      validated.Contacts,
		TosURI:        validated.TosURI,
		PolicyURI:     validated.PolicyURI,
		SoftwareID:    validated.SoftwareID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.put(ctx, reg); err != nil {
		return nil, err
	}

	logger.Infow("registered new OAuth client",
		"client_id", clientID,
		"client_name", reg.ClientName,
		"redirect_uris", len(reg.RedirectURIs),
	)

	return &Response{
		ClientID:         clientID,
		ClientIDIssuedAt: now.Unix(),
		// No secret is ever issued; zero means "never expires" per RFC 7591.
		ClientSecretExpiresAt:   0,
		RedirectURIs:            reg.RedirectURIs,
		ClientName:              reg.ClientName,
		TokenEndpointAuthMethod: "none",
		GrantTypes:              reg.GrantTypes,
		ResponseTypes:           reg.ResponseTypes,
		CodeChallengeMethods:    []string{"S256"},
	}, nil
}

func (r *Registry) generateClientID(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		raw := make([]byte, clientIDRandomBytes)
		if _, err := rand.Read(raw); err != nil {
			return "", fmt.Errorf("reading random bytes: %w", err)
		}
		clientID := ClientIDPrefix + hex.EncodeToString(raw)

		existing, err := r.store.Get(ctx, clientKey(clientID))
		if err != nil {
			return "", fmt.Errorf("checking client id collision: %w", err)
		}
		if existing == nil {
			return clientID, nil
		}
		logger.Warnw("client id collision, retrying", "attempt", attempt+1)
	}
	return "", fmt.Errorf("exhausted client id generation attempts")
}

func (r *Registry) validateRequest(req *Request) (*Request, *RegistrationError) {
	if len(req.RedirectURIs) == 0 {
		return nil, regError(ErrorInvalidRedirectURI, "redirect_uris is required")
	}
	if len(req.RedirectURIs) > MaxRedirectURICount {
		return nil, regError(ErrorInvalidRedirectURI,
			fmt.Sprintf("too many redirect_uris (maximum %d)", MaxRedirectURICount))
	}
	for _, uri := range req.RedirectURIs {
		if err := r.validateRedirectURI(uri); err != nil {
			return nil, err
		}
	}
	if len(req.ClientName) > MaxClientNameLength {
		return nil, regError(ErrorInvalidClientMetadata,
			fmt.Sprintf("client_name too long (maximum %d characters)", MaxClientNameLength))
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "none"
	}
	if authMethod != "none" {
		return nil, regError(ErrorInvalidClientMetadata,
			"token_endpoint_auth_method must be 'none' for public clients")
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = defaultGrantTypes
	}
	// Require authorization_code explicitly; a refresh-token-only client
	// could never obtain its first token pair.
	if !slices.Contains(grantTypes, "authorization_code") {
		return nil, regError(ErrorInvalidClientMetadata, "grant_types must include 'authorization_code'")
	}
	for _, gt := range grantTypes {
		if gt != "authorization_code" && gt != "refresh_token" {
			return nil, regError(ErrorInvalidClientMetadata, "unsupported grant_type: "+gt)
		}
	}

	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = defaultResponseTypes
	}
	for _, rt := range responseTypes {
		if rt != "code" {
			return nil, regError(ErrorInvalidClientMetadata, "unsupported response_type: "+rt)
		}
	}

	out := *req
	out.TokenEndpointAuthMethod = authMethod
	out.GrantTypes = grantTypes
	out.ResponseTypes = responseTypes
	return &out, nil
}

func (r *Registry) validateRedirectURI(rawURI string) *RegistrationError {
	parsed, err := url.Parse(rawURI)
	if err != nil || !parsed.IsAbs() {
		return regError(ErrorInvalidRedirectURI, "redirect_uri must be an absolute URL: "+rawURI)
	}
	if parsed.Fragment != "" {
		return regError(ErrorInvalidRedirectURI, "redirect_uri must not contain a fragment: "+rawURI)
	}
	host := parsed.Hostname()
	allowed := slices.Contains(r.config.AllowedRedirectHosts, host)
	if r.config.RequireHTTPS && parsed.Scheme != "https" && !allowed {
		return regError(ErrorInvalidRedirectURI, "redirect_uri must use https: "+rawURI)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return regError(ErrorInvalidRedirectURI, "redirect_uri has unsupported scheme: "+rawURI)
	}
	return nil
}

func (r *Registry) put(ctx context.Context, reg *Registration) error {
	payload, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("encoding registration: %w", err)
	}
	if err := r.store.Set(ctx, clientKey(reg.ClientID), payload, nil); err != nil {
		return fmt.Errorf("storing registration: %w", err)
	}
	return nil
}

// Get returns the registration for clientID, or nil if absent.
func (r *Registry) Get(ctx context.Context, clientID string) (*Registration, error) {
	entry, err := r.store.Get(ctx, clientKey(clientID))
	if err != nil {
		return nil, fmt.Errorf("loading registration: %w", err)
	}
	if entry == nil {
		return nil, nil
	}
	var reg Registration
	if err := json.Unmarshal(entry.Value, &reg); err != nil {
		return nil, fmt.Errorf("decoding registration: %w", err)
	}
	return &reg, nil
}

// ValidateClient reports whether clientID names a live registration and, when
// redirectURI is non-empty, whether it matches a registered URI byte-exactly.
func (r *Registry) ValidateClient(ctx context.Context, clientID, redirectURI string) (bool, error) {
	reg, err := r.Get(ctx, clientID)
	if err != nil {
		return false, err
	}
	if reg == nil || reg.Revoked {
		return false, nil
	}
	if redirectURI == "" {
		return true, nil
	}
	return slices.Contains(reg.RedirectURIs, redirectURI), nil
}

// Update replaces the mutable metadata of a registration. ClientID and
// CreatedAt are immutable; redirect URIs are re-validated.
func (r *Registry) Update(ctx context.Context, clientID string, req *Request) (*Registration, error) {
	reg, err := r.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, fmt.Errorf("client not found: %s", clientID)
	}
	validated, regErr := r.validateRequest(req)
	if regErr != nil {
		return nil, regErr
	}

	reg.RedirectURIs = validated.RedirectURIs
	reg.GrantTypes = validated.GrantTypes
	reg.ResponseTypes = validated.ResponseTypes
	reg.Scopes = splitScope(validated.Scope)
	reg.ClientName = validated.ClientName
	reg.ClientURI = validated.ClientURI
	reg.Contacts = validated.Contacts
	reg.TosURI = validated.TosURI
	reg.PolicyURI = validated.PolicyURI
	reg.SoftwareID = validated.SoftwareID
	reg.UpdatedAt = time.Now().UTC()

	if err := r.put(ctx, reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// Revoke marks a registration revoked but keeps the record.
func (r *Registry) Revoke(ctx context.Context, clientID string) error {
	reg, err := r.Get(ctx, clientID)
	if err != nil {
		return err
	}
	if reg == nil {
		return fmt.Errorf("client not found: %s", clientID)
	}
	reg.Revoked = true
	reg.UpdatedAt = time.Now().UTC()
	return r.put(ctx, reg)
}

// Delete removes a registration entirely.
func (r *Registry) Delete(ctx context.Context, clientID string) error {
	return r.store.Delete(ctx, clientKey(clientID))
}

// List returns all registrations in client-id order.
func (r *Registry) List(ctx context.Context) ([]*Registration, error) {
	var out []*Registration
	cursor := ""
	for {
		page, err := r.store.List(ctx, keyPrefix, &kv.ListOptions{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("listing registrations: %w", err)
		}
		for _, entry := range page.Entries {
			var reg Registration
			if err := json.Unmarshal(entry.Value, &reg); err != nil {
				logger.Warnw("skipping undecodable registration", "key", entry.Key.Encode(), "error", err)
				continue
			}
			out = append(out, &reg)
		}
		if page.Cursor == "" {
			return out, nil
		}
		cursor = page.Cursor
	}
}

// Stats summarizes the registry contents.
type Stats struct {
	TotalClients   int `json:"total_clients"`
	RevokedClients int `json:"revoked_clients"`
}

// Stats returns registry statistics.
func (r *Registry) Stats(ctx context.Context) (*Stats, error) {
	regs, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{TotalClients: len(regs)}
	for _, reg := range regs {
		if reg.Revoked {
			stats.RevokedClients++
		}
	}
	return stats, nil
}

func splitScope(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}

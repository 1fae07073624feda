// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package metadata builds the RFC 8414 authorization server metadata document
// served at /.well-known/oauth-authorization-server.
package metadata

import (
	"fmt"
	"net/url"

	"github.com/meridianmcp/meridian/pkg/oauth/pkce"
)

// Config describes the authorization server for metadata generation.
type Config struct {
	// Issuer is the server's base URL, e.g. https://auth.example.com.
	Issuer string
	// GrantTypes defaults to authorization_code + refresh_token.
	GrantTypes []string
	// ResponseTypes defaults to ["code"].
	ResponseTypes []string
	// Scopes advertised in scopes_supported.
	Scopes []string
	// EnableDynamicRegistration adds registration_endpoint.
	EnableDynamicRegistration bool
	// EnablePKCE adds code_challenge_methods_supported.
	EnablePKCE bool
	// ServerName, when set, is surfaced in the mcp_extensions block.
	ServerName string
}

// DefaultConfig returns a PKCE-enabled configuration for the given issuer.
func DefaultConfig(issuer string) *Config {
	return &Config{
		Issuer:                    issuer,
		GrantTypes:                []string{"authorization_code", "refresh_token"},
		ResponseTypes:             []string{"code"},
		Scopes:                    []string{"all", "read", "write"},
		EnableDynamicRegistration: true,
		EnablePKCE:                true,
	}
}

// Document is the RFC 8414 metadata JSON shape.
type Document struct {
	Issuer                            string         `json:"issuer"`
	AuthorizationEndpoint             string         `json:"authorization_endpoint"`
	TokenEndpoint                     string         `json:"token_endpoint"`
	RegistrationEndpoint              string         `json:"registration_endpoint,omitempty"`
	RevocationEndpoint                string         `json:"revocation_endpoint"`
	GrantTypesSupported               []string       `json:"grant_types_supported"`
	ResponseTypesSupported            []string       `json:"response_types_supported"`
	ScopesSupported                   []string       `json:"scopes_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string       `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string       `json:"code_challenge_methods_supported,omitempty"`
	MCPExtensions                     *MCPExtensions `json:"mcp_extensions,omitempty"`
}

// MCPExtensions names the MCP server behind this authorization server.
type MCPExtensions struct {
	ServerName string `json:"server_name"`
}

// Validate rejects configurations that could not serve the code grant.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid issuer URL: %q", c.Issuer)
	}
	if len(c.GrantTypes) == 0 {
		return fmt.Errorf("grant_types_supported must not be empty")
	}
	if len(c.ResponseTypes) == 0 {
		return fmt.Errorf("response_types_supported must not be empty")
	}
	if !contains(c.GrantTypes, "authorization_code") {
		return fmt.Errorf("grant_types_supported must include authorization_code")
	}
	if !contains(c.ResponseTypes, "code") {
		return fmt.Errorf("response_types_supported must include code")
	}
	if c.EnablePKCE && !contains(c.ResponseTypes, "code") {
		return fmt.Errorf("PKCE requires the code response type")
	}
	return nil
}

// Generate builds the metadata document. The configuration must validate.
func Generate(c *Config) (*Document, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	doc := &Document{
		Issuer:                 c.Issuer,
		AuthorizationEndpoint:  c.Issuer + "/authorize",
		TokenEndpoint:          c.Issuer + "/token",
		RevocationEndpoint:     c.Issuer + "/revoke",
		GrantTypesSupported:    c.GrantTypes,
		ResponseTypesSupported: c.ResponseTypes,
		ScopesSupported:        c.Scopes,
		// Only "none" is exercised by the public-client registry; the
		// confidential methods are advertised for interoperability.
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_basic", "client_secret_post"},
	}
	if c.EnableDynamicRegistration {
		doc.RegistrationEndpoint = c.Issuer + "/register"
	}
	if c.EnablePKCE {
		doc.CodeChallengeMethodsSupported = pkce.SupportedMethods()
	}
	if c.ServerName != "" {
		doc.MCPExtensions = &MCPExtensions{ServerName: c.ServerName}
	}
	return doc, nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

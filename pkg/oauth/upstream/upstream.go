// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package upstream is the client side of OAuth: it talks to third-party
// providers on behalf of users. Providers with quirks implement Consumer and
// embed BaseConsumer, overriding only the hooks that differ.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/meridianmcp/meridian/pkg/oauth/credentials"
)

// DefaultHTTPTimeout bounds calls to upstream providers.
const DefaultHTTPTimeout = 30 * time.Second

// Consumer is an OAuth client for one upstream provider. The four hooks cover
// the points where providers diverge; everything else is generic.
type Consumer interface {
	// BuildAuthorizeURL returns the provider's authorization URL for the
	// given state and PKCE challenge.
	BuildAuthorizeURL(state, codeChallenge string) string
	// ExchangeCodeForTokens redeems the provider's authorization code.
	ExchangeCodeForTokens(ctx context.Context, code, codeVerifier string) (*credentials.Credentials, error)
	// RefreshTokens rotates the provider-side token pair.
	RefreshTokens(ctx context.Context, refreshToken string) (*credentials.Credentials, error)
	// GetAccessToken returns a currently valid access token for the user,
	// refreshing stored credentials if needed.
	GetAccessToken(ctx context.Context, userID string) (string, error)
}

// Config describes one upstream provider.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
	// HTTPTimeout defaults to DefaultHTTPTimeout.
	HTTPTimeout time.Duration
}

// BaseConsumer is the default Consumer implementation over golang.org/x/oauth2.
// Concrete providers embed it and override individual hooks.
type BaseConsumer struct {
	oauth  oauth2.Config
	creds  *credentials.Store
	client *http.Client
}

// NewBaseConsumer builds the default consumer for a provider.
func NewBaseConsumer(config *Config, creds *credentials.Store) *BaseConsumer {
	timeout := config.HTTPTimeout
	if timeout == 0 {
		timeout = DefaultHTTPTimeout
	}
	return &BaseConsumer{
		oauth: oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  config.AuthURL,
				TokenURL: config.TokenURL,
			},
			RedirectURL: config.RedirectURL,
			Scopes:      config.Scopes,
		},
		creds:  creds,
		client: &http.Client{Timeout: timeout},
	}
}

// BuildAuthorizeURL returns the provider authorization URL with PKCE params.
func (c *BaseConsumer) BuildAuthorizeURL(state, codeChallenge string) string {
	opts := []oauth2.AuthCodeOption{}
	if codeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	return c.oauth.AuthCodeURL(state, opts...)
}

// ExchangeCodeForTokens redeems an authorization code at the provider.
func (c *BaseConsumer) ExchangeCodeForTokens(ctx context.Context, code, codeVerifier string) (*credentials.Credentials, error) {
	opts := []oauth2.AuthCodeOption{}
	if codeVerifier != "" {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	}
	token, err := c.oauth.Exchange(c.httpContext(ctx), code, opts...)
	if err != nil {
		return nil, fmt.Errorf("exchanging code with provider: %w", err)
	}
	return fromToken(token, c.oauth.Scopes), nil
}

// RefreshTokens rotates tokens at the provider.
func (c *BaseConsumer) RefreshTokens(ctx context.Context, refreshToken string) (*credentials.Credentials, error) {
	source := c.oauth.TokenSource(c.httpContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing provider tokens: %w", err)
	}
	return fromToken(token, c.oauth.Scopes), nil
}

// GetAccessToken returns a valid access token for the user, refreshing and
// re-storing credentials when the stored token has expired.
func (c *BaseConsumer) GetAccessToken(ctx context.Context, userID string) (string, error) {
	creds, err := c.creds.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if creds == nil {
		return "", fmt.Errorf("no stored credentials for user")
	}
	if !creds.Expired() {
		return creds.AccessToken, nil
	}
	if creds.RefreshToken == "" {
		return "", fmt.Errorf("credentials expired and no refresh token available")
	}
	refreshed, err := c.RefreshTokens(ctx, creds.RefreshToken)
	if err != nil {
		return "", err
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = creds.RefreshToken
	}
	refreshed.Metadata = creds.Metadata
	if err := c.creds.Put(ctx, userID, refreshed); err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// httpContext injects the timeout-bounded HTTP client for oauth2 calls.
func (c *BaseConsumer) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.client)
}

func fromToken(token *oauth2.Token, scopes []string) *credentials.Credentials {
	return &credentials.Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresAt:    token.Expiry,
		Scopes:       scopes,
	}
}

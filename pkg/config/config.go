// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the server configuration from the environment. Every
// key is bound explicitly so the consumed surface is enumerable.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transport types selectable via TRANSPORT_TYPE.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Storage backends selectable via KV_BACKEND.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// OAuthConfig tunes the embedded authorization server.
type OAuthConfig struct {
	Issuer                    string
	SupportedScopes           []string
	EnablePKCE                bool
	RequirePKCE               bool
	EnableDynamicRegistration bool
	AccessTokenExpiry         time.Duration
	RefreshTokenExpiry        time.Duration
	AuthCodeExpiry            time.Duration
	RequireHTTPS              bool
	AllowedRedirectHosts      []string
}

// EventStoreConfig tunes the chunked event store.
type EventStoreConfig struct {
	MaxChunkSize         int
	EnableCompression    bool
	CompressionThreshold int
	MaxMessageSize       int
}

// SessionConfig tunes session expiry and sweeping.
type SessionConfig struct {
	Timeout         time.Duration
	CleanupInterval time.Duration
}

// HTTPConfig tunes the HTTP transport.
type HTTPConfig struct {
	Hostname              string
	Port                  int
	MaxConcurrentSessions int
	RequestTimeout        time.Duration
}

// StorageConfig selects the kv backend.
type StorageConfig struct {
	Backend    string
	SQLitePath string
	RedisAddr  string
	RedisDB    int
}

// Config is the full server configuration.
type Config struct {
	TransportType string
	OAuth         OAuthConfig
	EventStore    EventStoreConfig
	Session       SessionConfig
	HTTP          HTTPConfig
	Storage       StorageConfig
	Debug         bool
}

// binding ties a viper key to its environment variable and default.
type binding struct {
	key     string
	env     string
	fallback any
}

var bindings = []binding{
	{"transport.type", "TRANSPORT_TYPE", TransportHTTP},
	{"oauth.issuer", "OAUTH_ISSUER", "http://localhost:8080"},
	{"oauth.supported_scopes", "OAUTH_SUPPORTED_SCOPES", "all read write"},
	{"oauth.enable_pkce", "OAUTH_ENABLE_PKCE", true},
	{"oauth.require_pkce", "OAUTH_REQUIRE_PKCE", true},
	{"oauth.enable_dynamic_registration", "OAUTH_ENABLE_DYNAMIC_REGISTRATION", true},
	{"oauth.access_token_expiry_ms", "OAUTH_ACCESS_TOKEN_EXPIRY_MS", 3600_000},
	{"oauth.refresh_token_expiry_ms", "OAUTH_REFRESH_TOKEN_EXPIRY_MS", 2_592_000_000},
	{"oauth.auth_code_expiry_ms", "OAUTH_AUTH_CODE_EXPIRY_MS", 600_000},
	{"oauth.require_https", "OAUTH_REQUIRE_HTTPS", true},
	{"oauth.allowed_redirect_hosts", "OAUTH_ALLOWED_REDIRECT_HOSTS", "localhost 127.0.0.1"},
	{"event_store.max_chunk_size", "EVENT_STORE_MAX_CHUNK_SIZE", 60 * 1024},
	{"event_store.enable_compression", "EVENT_STORE_ENABLE_COMPRESSION", true},
	{"event_store.compression_threshold", "EVENT_STORE_COMPRESSION_THRESHOLD", 1024},
	{"event_store.max_message_size", "EVENT_STORE_MAX_MESSAGE_SIZE", 10 * 1024 * 1024},
	{"session.timeout_ms", "SESSION_TIMEOUT_MS", 86_400_000},
	{"session.cleanup_interval_ms", "SESSION_CLEANUP_INTERVAL_MS", 3_600_000},
	{"http.hostname", "HTTP_HOSTNAME", "0.0.0.0"},
	{"http.port", "HTTP_PORT", 8080},
	{"http.max_concurrent_sessions", "HTTP_MAX_CONCURRENT_SESSIONS", 1000},
	{"http.request_timeout_ms", "HTTP_REQUEST_TIMEOUT_MS", 30_000},
	{"kv.backend", "KV_BACKEND", BackendMemory},
	{"kv.sqlite_path", "KV_SQLITE_PATH", "meridian.db"},
	{"kv.redis_addr", "KV_REDIS_ADDR", "localhost:6379"},
	{"kv.redis_db", "KV_REDIS_DB", 0},
	{"debug", "DEBUG", false},
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	v := viper.New()
	for _, b := range bindings {
		v.SetDefault(b.key, b.fallback)
		if err := v.BindEnv(b.key, b.env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", b.env, err)
		}
	}

	c := &Config{
		TransportType: v.GetString("transport.type"),
		OAuth: OAuthConfig{
			Issuer:                    v.GetString("oauth.issuer"),
			SupportedScopes:           strings.Fields(v.GetString("oauth.supported_scopes")),
			EnablePKCE:                v.GetBool("oauth.enable_pkce"),
			RequirePKCE:               v.GetBool("oauth.require_pkce"),
			EnableDynamicRegistration: v.GetBool("oauth.enable_dynamic_registration"),
			AccessTokenExpiry:         millis(v, "oauth.access_token_expiry_ms"),
			RefreshTokenExpiry:        millis(v, "oauth.refresh_token_expiry_ms"),
			AuthCodeExpiry:            millis(v, "oauth.auth_code_expiry_ms"),
			RequireHTTPS:              v.GetBool("oauth.require_https"),
			AllowedRedirectHosts:      strings.Fields(v.GetString("oauth.allowed_redirect_hosts")),
		},
		EventStore: EventStoreConfig{
			MaxChunkSize:         v.GetInt("event_store.max_chunk_size"),
			EnableCompression:    v.GetBool("event_store.enable_compression"),
			CompressionThreshold: v.GetInt("event_store.compression_threshold"),
			MaxMessageSize:       v.GetInt("event_store.max_message_size"),
		},
		Session: SessionConfig{
			Timeout:         millis(v, "session.timeout_ms"),
			CleanupInterval: millis(v, "session.cleanup_interval_ms"),
		},
		HTTP: HTTPConfig{
			Hostname:              v.GetString("http.hostname"),
			Port:                  v.GetInt("http.port"),
			MaxConcurrentSessions: v.GetInt("http.max_concurrent_sessions"),
			RequestTimeout:        millis(v, "http.request_timeout_ms"),
		},
		Storage: StorageConfig{
			Backend:    v.GetString("kv.backend"),
			SQLitePath: v.GetString("kv.sqlite_path"),
			RedisAddr:  v.GetString("kv.redis_addr"),
			RedisDB:    v.GetInt("kv.redis_db"),
		},
		Debug: v.GetBool("debug"),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func millis(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Millisecond
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch c.TransportType {
	case TransportStdio, TransportHTTP:
	default:
		return fmt.Errorf("invalid TRANSPORT_TYPE %q: must be %q or %q",
			c.TransportType, TransportStdio, TransportHTTP)
	}
	switch c.Storage.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("invalid KV_BACKEND %q: must be %q, %q or %q",
			c.Storage.Backend, BackendMemory, BackendSQLite, BackendRedis)
	}
	parsed, err := url.Parse(c.OAuth.Issuer)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid OAUTH_ISSUER %q: must be an absolute URL", c.OAuth.Issuer)
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP_PORT %d", c.HTTP.Port)
	}
	if c.OAuth.AccessTokenExpiry <= 0 || c.OAuth.RefreshTokenExpiry <= 0 || c.OAuth.AuthCodeExpiry <= 0 {
		return fmt.Errorf("token expiries must be positive")
	}
	if c.EventStore.MaxChunkSize <= 0 || c.EventStore.MaxMessageSize <= 0 {
		return fmt.Errorf("event store sizes must be positive")
	}
	return nil
}

// ListenAddr is the HTTP listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Hostname, c.HTTP.Port)
}

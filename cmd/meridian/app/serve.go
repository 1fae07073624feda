// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meridianmcp/meridian/pkg/config"
	merrors "github.com/meridianmcp/meridian/pkg/errors"
	"github.com/meridianmcp/meridian/pkg/events"
	"github.com/meridianmcp/meridian/pkg/kv"
	"github.com/meridianmcp/meridian/pkg/kv/memory"
	"github.com/meridianmcp/meridian/pkg/kv/rediskv"
	"github.com/meridianmcp/meridian/pkg/kv/sqlitekv"
	"github.com/meridianmcp/meridian/pkg/logger"
	"github.com/meridianmcp/meridian/pkg/oauth/authorize"
	"github.com/meridianmcp/meridian/pkg/oauth/clients"
	"github.com/meridianmcp/meridian/pkg/oauth/metadata"
	"github.com/meridianmcp/meridian/pkg/oauth/tokens"
	"github.com/meridianmcp/meridian/pkg/server"
	"github.com/meridianmcp/meridian/pkg/session"
	"github.com/meridianmcp/meridian/pkg/versions"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Meridian server",
		Long: `Start the Meridian server.

Configuration is read from the environment; see the project documentation for
the list of supported variables. The transport is selected via TRANSPORT_TYPE
(http or stdio) and the storage backend via KV_BACKEND (memory, sqlite or
redis).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return merrors.NewConfigurationError("loading configuration", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return merrors.NewStorageError(fmt.Sprintf("opening %s store", cfg.Storage.Backend), err)
	}

	s := server.New(store, &server.Config{
		Addr:       cfg.ListenAddr(),
		Issuer:     cfg.OAuth.Issuer,
		ServerName: "meridian",
		Version:    versions.GetVersionInfo().Version,
		Metadata: &metadata.Config{
			Issuer:                    cfg.OAuth.Issuer,
			GrantTypes:                []string{"authorization_code", "refresh_token"},
			ResponseTypes:             []string{"code"},
			Scopes:                    cfg.OAuth.SupportedScopes,
			EnableDynamicRegistration: cfg.OAuth.EnableDynamicRegistration,
			EnablePKCE:                cfg.OAuth.EnablePKCE,
		},
		MaxConcurrentSessions: cfg.HTTP.MaxConcurrentSessions,
		RequestTimeout:        cfg.HTTP.RequestTimeout,
		Authorize: &authorize.Config{
			SupportedResponseTypes: []string{"code"},
			SupportedScopes:        cfg.OAuth.SupportedScopes,
			RequirePKCE:            cfg.OAuth.RequirePKCE,
		},
		Tokens: &tokens.Config{
			AuthorizationCodeExpiry: cfg.OAuth.AuthCodeExpiry,
			AccessTokenExpiry:       cfg.OAuth.AccessTokenExpiry,
			RefreshTokenExpiry:      cfg.OAuth.RefreshTokenExpiry,
		},
		Clients: &clients.Config{
			EnableDynamicRegistration: cfg.OAuth.EnableDynamicRegistration,
			RequireHTTPS:              cfg.OAuth.RequireHTTPS,
			AllowedRedirectHosts:      cfg.OAuth.AllowedRedirectHosts,
		},
		Session: &session.Config{
			Expiry:        cfg.Session.Timeout,
			SweepInterval: cfg.Session.CleanupInterval,
		},
		Events: &events.ChunkedConfig{
			MaxChunkSize:         cfg.EventStore.MaxChunkSize,
			CompressionEnabled:   cfg.EventStore.EnableCompression,
			CompressionThreshold: cfg.EventStore.CompressionThreshold,
			MaxMessageSize:       cfg.EventStore.MaxMessageSize,
		},
	})

	if cfg.TransportType == config.TransportStdio {
		return s.RunStdio(ctx)
	}
	return s.Run(ctx)
}

func openStore(ctx context.Context, cfg *config.Config) (kv.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		return sqlitekv.Open(ctx, cfg.Storage.SQLitePath)
	case config.BackendRedis:
		return rediskv.New(ctx, &rediskv.Config{
			Addr:      cfg.Storage.RedisAddr,
			DB:        cfg.Storage.RedisDB,
			KeyPrefix: "meridian:",
		})
	default:
		logger.Infow("using in-memory store; state will not survive restarts")
		return memory.New(), nil
	}
}

// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package server wires the OAuth authorization server, the tool and workflow
// registries and the transport manager behind a single HTTP surface.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"

	"github.com/meridianmcp/meridian/pkg/events"
	"github.com/meridianmcp/meridian/pkg/kv"
	"github.com/meridianmcp/meridian/pkg/logger"
	"github.com/meridianmcp/meridian/pkg/oauth/authorize"
	"github.com/meridianmcp/meridian/pkg/oauth/clients"
	"github.com/meridianmcp/meridian/pkg/oauth/metadata"
	"github.com/meridianmcp/meridian/pkg/oauth/tokens"
	"github.com/meridianmcp/meridian/pkg/registry"
	"github.com/meridianmcp/meridian/pkg/session"
	"github.com/meridianmcp/meridian/pkg/transport"
	"github.com/meridianmcp/meridian/pkg/workflows"
)

// UserResolver determines the authenticated user behind an authorization
// request. Deployments front /authorize with their own login; the resolver is
// the seam where that identity enters.
type UserResolver func(r *http.Request) (string, error)

// HeaderUserResolver trusts the X-User-Id request header. Suitable only
// behind an authenticating proxy.
func HeaderUserResolver(r *http.Request) (string, error) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		return "", fmt.Errorf("user identity required")
	}
	return userID, nil
}

// Config carries the server's tunables. Zero values take defaults.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// Issuer is the externally visible base URL of the authorization server.
	Issuer string
	// ServerName is advertised in the protocol handshake and the
	// authorization server metadata.
	ServerName string
	// Version is the protocol server version string.
	Version string

	UserResolver UserResolver

	// Metadata overrides the advertised authorization server metadata.
	// Nil takes metadata.DefaultConfig for the issuer.
	Metadata *metadata.Config

	// MaxConcurrentSessions caps the number of live transport sessions.
	// Zero means no cap.
	MaxConcurrentSessions int
	// RequestTimeout bounds each HTTP request. Defaults to 30s.
	RequestTimeout time.Duration

	Authorize *authorize.Config
	Tokens    *tokens.Config
	Clients   *clients.Config
	Session   *session.Config
	Events    *events.ChunkedConfig
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Addr == "" {
		out.Addr = ":8080"
	}
	if out.Issuer == "" {
		out.Issuer = "http://localhost:8080"
	}
	if out.ServerName == "" {
		out.ServerName = "meridian"
	}
	if out.Version == "" {
		out.Version = "dev"
	}
	if out.UserResolver == nil {
		out.UserResolver = HeaderUserResolver
	}
	if out.RequestTimeout == 0 {
		out.RequestTimeout = 30 * time.Second
	}
	return &out
}

// Server is the composed HTTP surface over a single kv store.
type Server struct {
	config *Config
	store  kv.Store

	clients      *clients.Registry
	tokens       *tokens.Manager
	authorizeHdl *authorize.Handler

	metadataConfig *metadata.Config
	userResolver   UserResolver

	sessions    *session.Store
	eventStore  *events.ChunkedStore
	persistence *transport.PersistenceStore
	manager     *transport.Manager

	mcpServer *mcpserver.MCPServer
	tools     *registry.Registry
	workflows *workflows.Registry

	httpServer *http.Server
}

// New composes the server's components over the given store.
func New(store kv.Store, config *Config) *Server {
	config = config.withDefaults()

	clientRegistry := clients.NewRegistry(store, config.Clients)
	tokenManager := tokens.NewManager(store, config.Tokens)
	authorizeHandler := authorize.NewHandler(store, clientRegistry, tokenManager, config.Authorize)

	metadataConfig := config.Metadata
	if metadataConfig == nil {
		metadataConfig = metadata.DefaultConfig(config.Issuer)
	}
	if metadataConfig.Issuer == "" {
		metadataConfig.Issuer = config.Issuer
	}
	metadataConfig.ServerName = config.ServerName

	eventStore := events.NewChunkedStore(store, config.Events)
	mcpServer := mcpserver.NewMCPServer(config.ServerName, config.Version,
		mcpserver.WithToolCapabilities(false))

	adapter := NewRegistrarAdapter(mcpServer)
	toolRegistry := registry.New(adapter)
	adapter.Bind(toolRegistry)

	persistence := transport.NewPersistenceStore(store)
	manager := transport.NewManager(mcpServer, eventStore, persistence, tokenManager)
	manager.SetMaxSessions(config.MaxConcurrentSessions)

	s := &Server{
		config:         config,
		store:          store,
		clients:        clientRegistry,
		tokens:         tokenManager,
		authorizeHdl:   authorizeHandler,
		metadataConfig: metadataConfig,
		userResolver:   config.UserResolver,
		sessions:       session.NewStore(store, config.Session),
		eventStore:     eventStore,
		persistence:    persistence,
		manager:        manager,
		mcpServer:      mcpServer,
		tools:          toolRegistry,
		workflows:      workflows.New(toolRegistry, true),
	}
	s.httpServer = &http.Server{
		Addr:              config.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
	}
	return s
}

// Tools returns the tool registry for application tool registration.
func (s *Server) Tools() *registry.Registry { return s.tools }

// Workflows returns the workflow registry.
func (s *Server) Workflows() *workflows.Registry { return s.workflows }

// Sessions returns the session store.
func (s *Server) Sessions() *session.Store { return s.sessions }

// Manager returns the transport manager.
func (s *Server) Manager() *transport.Manager { return s.manager }

// Routes builds the chi router with the OAuth and protocol endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.config.RequestTimeout))

	s.WellKnownRoutes(r)
	s.OAuthRoutes(r)
	s.MCPRoutes(r)
	return r
}

// WellKnownRoutes registers the discovery endpoints.
func (s *Server) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/oauth-authorization-server", s.metadataHandler)
}

// OAuthRoutes registers the authorization server endpoints.
func (s *Server) OAuthRoutes(r chi.Router) {
	r.Get("/authorize", s.authorizeHandler)
	r.Post("/token", s.tokenHandler)
	r.Post("/register", s.registerHandler)
	r.Post("/revoke", s.revokeHandler)
}

// MCPRoutes registers the protocol endpoint.
func (s *Server) MCPRoutes(r chi.Router) {
	r.Post("/mcp", s.mcpPostHandler)
	r.Get("/mcp", s.mcpGetHandler)
	r.Delete("/mcp", s.mcpDeleteHandler)
}

// Run restores persisted transports, starts the session sweeper and serves
// HTTP until the context is canceled, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	restored, err := s.manager.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restoring transports: %w", err)
	}
	logger.Infow("transports restored",
		"restored", restored.RestoredCount, "failed", restored.FailedCount)

	s.sessions.StartSweeper(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infow("server listening", "addr", s.config.Addr, "issuer", s.config.Issuer)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return s.shutdown()
	})
	return g.Wait()
}

// RunStdio serves a single client over stdin and stdout. The stdio transport
// handles one request at a time and needs no event persistence.
func (s *Server) RunStdio(ctx context.Context) error {
	t := transport.NewStdioTransport(uuid.New().String(), s.mcpServer, os.Stdin, os.Stdout)
	logger.Infow("serving on stdio", "session_id", t.SessionID())
	err := t.Run(ctx)
	if closeErr := s.store.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("closing store: %w", closeErr)
	}
	return err
}

func (s *Server) shutdown() error {
	logger.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("http shutdown failed", "error", err)
	}
	if err := s.manager.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("transport shutdown failed", "error", err)
	}
	s.sessions.Stop()
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	return nil
}

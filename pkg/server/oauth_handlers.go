// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/meridianmcp/meridian/pkg/logger"
	"github.com/meridianmcp/meridian/pkg/oauth/authorize"
	"github.com/meridianmcp/meridian/pkg/oauth/clients"
	"github.com/meridianmcp/meridian/pkg/oauth/metadata"
)

// oauthError is the RFC 6749 error response shape.
type oauthError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warnw("failed to write response", "error", err)
	}
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, &oauthError{Error: code, Description: description})
}

// metadataHandler serves GET /.well-known/oauth-authorization-server.
func (s *Server) metadataHandler(w http.ResponseWriter, _ *http.Request) {
	doc, err := metadata.Generate(s.metadataConfig)
	if err != nil {
		logger.Errorw("metadata generation failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "metadata unavailable")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// authorizeHandler serves GET /authorize: validates the request, issues a
// code for the resolved user and redirects back to the client.
func (s *Server) authorizeHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	request := &authorize.Request{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}

	userID, err := s.userResolver(r)
	if err != nil {
		writeOAuthError(w, http.StatusUnauthorized, "access_denied", err.Error())
		return
	}

	result, err := s.authorizeHdl.HandleAuthorizeRequest(r.Context(), request, userID)
	if err != nil {
		var verr *authorize.ValidationError
		if errors.As(err, &verr) {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request", verr.Message)
			return
		}
		logger.Errorw("authorize request failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "authorization failed")
		return
	}
	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

// tokenHandler serves POST /token for the authorization_code and
// refresh_token grants.
func (s *Server) tokenHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		result, err := s.authorizeHdl.ExchangeAuthorizationCode(r.Context(),
			r.PostForm.Get("code"),
			r.PostForm.Get("client_id"),
			r.PostForm.Get("redirect_uri"),
			r.PostForm.Get("code_verifier"),
		)
		s.writeTokenResult(w, result, err)
	case "refresh_token":
		result, err := s.authorizeHdl.RefreshTokens(r.Context(),
			r.PostForm.Get("refresh_token"),
			r.PostForm.Get("client_id"),
		)
		s.writeTokenResult(w, result, err)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type",
			"supported grant types: authorization_code, refresh_token")
	}
}

func (s *Server) writeTokenResult(w http.ResponseWriter, result *authorize.ExchangeResult, err error) {
	if err != nil {
		logger.Errorw("token request failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "token issuance failed")
		return
	}
	if !result.Success {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", result.Error)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  result.Pair.AccessToken,
		"token_type":    result.Pair.TokenType,
		"expires_in":    result.Pair.ExpiresIn,
		"refresh_token": result.Pair.RefreshToken,
		"scope":         strings.Join(result.Pair.Scopes, " "),
	})
}

// registerHandler serves POST /register per RFC 7591.
func (s *Server) registerHandler(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", "body must be application/json")
		return
	}
	var request clients.Request
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", "malformed JSON body")
		return
	}
	response, err := s.clients.Register(r.Context(), &request)
	if err != nil {
		var regErr *clients.RegistrationError
		if errors.As(err, &regErr) {
			writeOAuthError(w, http.StatusBadRequest, regErr.Code, regErr.Description)
			return
		}
		logger.Errorw("client registration failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "registration failed")
		return
	}
	writeJSON(w, http.StatusCreated, response)
}

// revokeHandler serves POST /revoke per RFC 7009. Revocation is best-effort:
// unknown tokens still yield 200.
func (s *Server) revokeHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	token := r.PostForm.Get("token")
	if token == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}
	ctx := r.Context()
	switch r.PostForm.Get("token_type_hint") {
	case "refresh_token":
		_ = s.tokens.RevokeRefreshToken(ctx, token)
	case "access_token":
		_ = s.tokens.RevokeAccessToken(ctx, token)
	default:
		_ = s.tokens.RevokeAccessToken(ctx, token)
		_ = s.tokens.RevokeRefreshToken(ctx, token)
	}
	w.WriteHeader(http.StatusOK)
}

// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package oauth groups the building blocks of the embedded OAuth 2.1
// authorization server: PKCE (RFC 7636), dynamic client registration
// (RFC 7591), authorization server metadata (RFC 8414), opaque token
// management, the authorization code flow, and clients for upstream
// identity providers.
package oauth

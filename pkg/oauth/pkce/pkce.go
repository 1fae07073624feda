// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package pkce implements RFC 7636 Proof Key for Code Exchange: verifier and
// challenge generation, and constant-time challenge validation. The server is
// PKCE-mandatory; only S256 is advertised, though "plain" can be validated
// for legacy clients (and is logged as insecure when it is).
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/meridianmcp/meridian/pkg/logger"
)

// Methods defined by RFC 7636 Section 4.2.
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// VerifierLength is the length of generated code verifiers. RFC 7636 allows
// 43-128 characters; 64 gives 384 bits of alphabet entropy.
const VerifierLength = 64

// Verifier length bounds per RFC 7636 Section 4.1.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// unreservedAlphabet is the RFC 7636 Section 4.1 unreserved character set.
const unreservedAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// GenerateCodeVerifier returns a new random code verifier of VerifierLength
// characters drawn from the RFC 7636 unreserved alphabet using a
// cryptographically secure RNG.
func GenerateCodeVerifier() (string, error) {
	raw := make([]byte, VerifierLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	out := make([]byte, VerifierLength)
	for i, b := range raw {
		out[i] = unreservedAlphabet[int(b)%len(unreservedAlphabet)]
	}
	return string(out), nil
}

// GenerateCodeChallenge derives the code_challenge for a verifier.
// For S256: BASE64URL(SHA256(verifier)) without padding. For plain the
// verifier itself is returned; plain is logged as insecure and is never
// advertised by the metadata endpoint.
func GenerateCodeChallenge(verifier, method string) (string, error) {
	switch method {
	case MethodS256:
		sum := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(sum[:]), nil
	case MethodPlain:
		logger.Warnw("generating plain PKCE challenge; plain offers no protection against interception",
			"method", method)
		return verifier, nil
	default:
		return "", fmt.Errorf("unsupported code challenge method: %s", method)
	}
}

// ValidateCodeVerifier checks length and alphabet per RFC 7636 Section 4.1.
func ValidateCodeVerifier(verifier string) error {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return fmt.Errorf("code verifier must be %d-%d characters, got %d",
			MinVerifierLength, MaxVerifierLength, len(verifier))
	}
	for i := 0; i < len(verifier); i++ {
		if !isUnreserved(verifier[i]) {
			return fmt.Errorf("code verifier contains invalid character at position %d", i)
		}
	}
	return nil
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	}
	return false
}

// ValidateCodeChallenge recomputes the expected challenge from the verifier
// and compares it to the presented challenge in constant time. The comparison
// never short-circuits on length in a timing-observable way.
func ValidateCodeChallenge(challenge, verifier, method string) error {
	if err := ValidateCodeVerifier(verifier); err != nil {
		return err
	}
	expected, err := GenerateCodeChallenge(verifier, method)
	if err != nil {
		return err
	}
	// ConstantTimeCompare returns 0 for unequal lengths without inspecting
	// content; fold the length check into the comparison input instead so
	// timing does not reveal where the mismatch is.
	if subtle.ConstantTimeEq(int32(len(challenge)), int32(len(expected)))&
		subtle.ConstantTimeCompare([]byte(challenge), []byte(padTo(expected, len(challenge)))) != 1 {
		return fmt.Errorf("code challenge does not match verifier")
	}
	return nil
}

// padTo returns s truncated or zero-padded to n bytes so that the constant
// time comparison always processes the attacker-controlled length.
func padTo(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + string(make([]byte, n-len(s)))
}

// SupportedMethods returns the challenge methods this server advertises.
func SupportedMethods() []string {
	return []string{MethodS256}
}

// IsRequiredFor reports whether PKCE is mandatory for the given client.
// The registry is PKCE-only, so this is true for every client.
func IsRequiredFor(_ string) bool {
	return true
}

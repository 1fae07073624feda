// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package pkce

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RFC 7636 Appendix B test vector.
const (
	rfcVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	rfcChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func TestRFC7636TestVector(t *testing.T) {
	t.Parallel()

	challenge, err := GenerateCodeChallenge(rfcVerifier, MethodS256)
	require.NoError(t, err)
	assert.Equal(t, rfcChallenge, challenge)

	assert.NoError(t, ValidateCodeChallenge(rfcChallenge, rfcVerifier, MethodS256))
}

func TestGenerateCodeVerifier(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		v, err := GenerateCodeVerifier()
		require.NoError(t, err)
		assert.Len(t, v, VerifierLength)
		assert.NoError(t, ValidateCodeVerifier(v))
		assert.False(t, seen[v], "verifiers must not repeat")
		seen[v] = true
	}
}

func TestGenerateRoundTrip(t *testing.T) {
	t.Parallel()

	for _, method := range []string{MethodS256, MethodPlain} {
		v, err := GenerateCodeVerifier()
		require.NoError(t, err)
		challenge, err := GenerateCodeChallenge(v, method)
		require.NoError(t, err)
		assert.NoError(t, ValidateCodeChallenge(challenge, v, method),
			"round trip must validate for method %s", method)
	}
}

func TestValidateCodeVerifierLengthBoundaries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		length  int
		wantErr bool
	}{
		{42, true},
		{43, false},
		{128, false},
		{129, true},
	}
	for _, tt := range tests {
		err := ValidateCodeVerifier(strings.Repeat("a", tt.length))
		if tt.wantErr {
			assert.Error(t, err, "length %d", tt.length)
		} else {
			assert.NoError(t, err, "length %d", tt.length)
		}
	}
}

func TestValidateCodeVerifierAlphabet(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateCodeVerifier(strings.Repeat("aZ0-._~", 7)))
	assert.Error(t, ValidateCodeVerifier(strings.Repeat("a", 42)+"+"))
	assert.Error(t, ValidateCodeVerifier(strings.Repeat("a", 42)+" "))
}

func TestValidateCodeChallengeMismatch(t *testing.T) {
	t.Parallel()

	err := ValidateCodeChallenge(rfcChallenge, strings.Repeat("b", 50), MethodS256)
	assert.Error(t, err)

	// A truncated challenge must not validate either.
	err = ValidateCodeChallenge(rfcChallenge[:10], rfcVerifier, MethodS256)
	assert.Error(t, err)
}

func TestUnsupportedMethod(t *testing.T) {
	t.Parallel()

	_, err := GenerateCodeChallenge(rfcVerifier, "S512")
	assert.Error(t, err)
}

func TestSupportedMethods(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{MethodS256}, SupportedMethods())
	assert.True(t, IsRequiredFor("mcp_0123456789abcdef"))
}

// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyEncode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "oauth/auth_codes/abc", Key{"oauth", "auth_codes", "abc"}.Encode())
	assert.Equal(t, "sessions", Key{"sessions"}.Encode())
}

func TestKeyAppendDoesNotAliasParent(t *testing.T) {
	t.Parallel()

	base := Key{"events", "stream"}
	a := base.Append("s1", "metadata")
	b := base.Append("s2", "chunks")

	assert.Equal(t, "events/stream/s1/metadata", a.Encode())
	assert.Equal(t, "events/stream/s2/chunks", b.Encode())
	assert.Equal(t, "events/stream", base.Encode())
}

func TestKeyValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		key     Key
		wantErr bool
	}{
		{name: "valid", key: Key{"oauth", "access_tokens", "tok"}},
		{name: "empty key", key: Key{}, wantErr: true},
		{name: "empty segment", key: Key{"oauth", ""}, wantErr: true},
		{name: "separator in segment", key: Key{"oauth", "a/b"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.key.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidKey)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseKeyRoundTrip(t *testing.T) {
	t.Parallel()

	key := Key{"transport", "session_by_user", "user-1", "sess-1"}
	assert.Equal(t, key, ParseKey(key.Encode()))
}

func TestValidateOpsRejectsOversizedValue(t *testing.T) {
	t.Parallel()

	ops := []Op{SetOp(Key{"k"}, make([]byte, MaxValueSize+1), 0)}
	require.ErrorIs(t, ValidateOps(ops), ErrValueTooLarge)

	ops = []Op{SetOp(Key{"k"}, make([]byte, MaxValueSize), 0)}
	assert.NoError(t, ValidateOps(ops))
}

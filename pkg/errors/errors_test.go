// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifiedError(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("connection refused")
	err := NewStorageError("writing session record", cause)

	assert.Equal(t, CategoryStorage, err.Category)
	assert.Equal(t, SeverityHigh, err.Severity)
	assert.Equal(t, RecoveryRetryWithBackoff, err.Recovery)
	assert.Contains(t, err.Error(), "storage")
	assert.Contains(t, err.Error(), "connection refused")
	assert.True(t, stderrors.Is(err, cause))
}

func TestCategoryOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, CategoryValidation, CategoryOf(NewValidationError("bad input", nil)))
	assert.Equal(t, CategoryConflict, CategoryOf(fmt.Errorf("wrapped: %w", NewConflictError("lost race", nil))))
	assert.Equal(t, CategoryInternal, CategoryOf(fmt.Errorf("plain")))

	assert.True(t, IsValidation(NewValidationError("x", nil)))
	assert.True(t, IsConflict(NewConflictError("x", nil)))
	assert.False(t, IsStorage(NewTimeoutError("x", nil)))
}

func TestErrorWithoutCause(t *testing.T) {
	t.Parallel()

	err := NewNotFoundError("no such session", nil)
	assert.Equal(t, "not_found: no such session", err.Error())
	assert.Nil(t, stderrors.Unwrap(err))
}

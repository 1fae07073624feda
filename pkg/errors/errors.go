// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the error classification taxonomy used across
// meridian components. Every error carries a category, a severity, and a
// recovery hint so that callers at the transport boundary can decide whether
// to retry, surface the failure, or fail the request.
package errors

import (
	"errors"
	"fmt"
)

// Category classifies the origin of an error.
type Category string

// Error categories.
const (
	CategoryValidation     Category = "validation"
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryNotFound       Category = "not_found"
	CategoryConflict       Category = "conflict"
	CategoryRateLimit      Category = "rate_limit"
	CategoryExternalAPI    Category = "external_api"
	CategoryStorage        Category = "storage"
	CategoryTransport      Category = "transport"
	CategoryWorkflow       Category = "workflow"
	CategoryConfiguration  Category = "configuration"
	CategoryNetwork        Category = "network"
	CategoryTimeout        Category = "timeout"
	CategoryInternal       Category = "internal"
)

// Severity indicates how serious an error is.
type Severity string

// Error severities.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RecoveryHint suggests what the caller should do about an error.
type RecoveryHint string

// Recovery hints.
const (
	RecoveryRetry              RecoveryHint = "retry"
	RecoveryRetryWithBackoff   RecoveryHint = "retry_with_backoff"
	RecoveryRefreshToken       RecoveryHint = "refresh_token"
	RecoveryReconfigure        RecoveryHint = "reconfigure"
	RecoveryUserActionRequired RecoveryHint = "user_action_required"
	RecoveryFallback           RecoveryHint = "fallback"
	RecoveryIgnore             RecoveryHint = "ignore"
	RecoveryContactSupport     RecoveryHint = "contact_support"
)

// Error represents a classified error in the application.
type Error struct {
	// Category is the error category.
	Category Category

	// Severity is the error severity.
	Severity Severity

	// Recovery is the suggested recovery action.
	Recovery RecoveryHint

	// Message is the error message.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new classified error.
func New(category Category, severity Severity, recovery RecoveryHint, message string, cause error) *Error {
	return &Error{
		Category: category,
		Severity: severity,
		Recovery: recovery,
		Message:  message,
		Cause:    cause,
	}
}

// NewValidationError creates a validation error. Validation errors are never
// retried internally; the caller must fix its input.
func NewValidationError(message string, cause error) *Error {
	return New(CategoryValidation, SeverityLow, RecoveryUserActionRequired, message, cause)
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string, cause error) *Error {
	return New(CategoryAuthentication, SeverityMedium, RecoveryRefreshToken, message, cause)
}

// NewAuthorizationError creates an authorization error.
func NewAuthorizationError(message string, cause error) *Error {
	return New(CategoryAuthorization, SeverityMedium, RecoveryUserActionRequired, message, cause)
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(message string, cause error) *Error {
	return New(CategoryNotFound, SeverityLow, RecoveryIgnore, message, cause)
}

// NewConflictError creates a conflict error. Conflicts arise from losing an
// optimistic storage transaction and are safe to retry.
func NewConflictError(message string, cause error) *Error {
	return New(CategoryConflict, SeverityLow, RecoveryRetry, message, cause)
}

// NewStorageError creates a storage error. Storage errors bubble to the
// request boundary; the transport chooses whether to retry.
func NewStorageError(message string, cause error) *Error {
	return New(CategoryStorage, SeverityHigh, RecoveryRetryWithBackoff, message, cause)
}

// NewTransportError creates a transport error.
func NewTransportError(message string, cause error) *Error {
	return New(CategoryTransport, SeverityHigh, RecoveryRetryWithBackoff, message, cause)
}

// NewWorkflowError creates a workflow error.
func NewWorkflowError(message string, cause error) *Error {
	return New(CategoryWorkflow, SeverityMedium, RecoveryFallback, message, cause)
}

// NewExternalAPIError creates an external API error.
func NewExternalAPIError(message string, cause error) *Error {
	return New(CategoryExternalAPI, SeverityMedium, RecoveryRetryWithBackoff, message, cause)
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(message string, cause error) *Error {
	return New(CategoryConfiguration, SeverityCritical, RecoveryReconfigure, message, cause)
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(message string, cause error) *Error {
	return New(CategoryTimeout, SeverityMedium, RecoveryRetryWithBackoff, message, cause)
}

// NewInternalError creates an internal error.
func NewInternalError(message string, cause error) *Error {
	return New(CategoryInternal, SeverityHigh, RecoveryContactSupport, message, cause)
}

// CategoryOf returns the category of an error, unwrapping as needed.
// Unclassified errors report CategoryInternal.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryInternal
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool { return CategoryOf(err) == CategoryValidation }

// IsAuthentication checks if the error is an authentication error.
func IsAuthentication(err error) bool { return CategoryOf(err) == CategoryAuthentication }

// IsNotFound checks if the error is a not-found error.
func IsNotFound(err error) bool { return CategoryOf(err) == CategoryNotFound }

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool { return CategoryOf(err) == CategoryConflict }

// IsStorage checks if the error is a storage error.
func IsStorage(err error) bool { return CategoryOf(err) == CategoryStorage }

// IsTransport checks if the error is a transport error.
func IsTransport(err error) bool { return CategoryOf(err) == CategoryTransport }

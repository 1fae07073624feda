// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package kv defines the ordered-key store contract that all persistent
// meridian state is layered on. A store maps an ordered tuple of string
// segments to an opaque value, supports per-entry TTL, ascending prefix
// iteration, and all-or-nothing transactions with optimistic version checks.
//
// Three backends implement the contract: memory (development and tests),
// sqlitekv (embedded single-node) and rediskv (distributed).
package kv

import (
	"context"
	"errors"
	"strings"
	"time"
)

// MaxValueSize is the hard per-value size limit honored by all backends.
// Payloads larger than this must be chunked by the caller (see pkg/events).
const MaxValueSize = 64 * 1024

// DefaultListBatchSize is the page size used by List when none is given.
const DefaultListBatchSize = 100

// DeleteBatchSize bounds the number of deletions per transaction so that
// batch cleanups stay under backend transaction limits.
const DeleteBatchSize = 10

var (
	// ErrConflict is returned by Atomic when a version check fails or a
	// concurrent transaction touched one of the checked keys.
	ErrConflict = errors.New("kv: transaction conflict")

	// ErrValueTooLarge is returned when a value exceeds MaxValueSize.
	ErrValueTooLarge = errors.New("kv: value exceeds maximum size")

	// ErrInvalidKey is returned for empty keys or segments containing the
	// key separator.
	ErrInvalidKey = errors.New("kv: invalid key")
)

// Key is an ordered tuple of string segments. Segments must be non-empty and
// must not contain '/', which is the canonical separator in the encoded form.
type Key []string

// Encode joins the key segments with '/'. The encoded form is what backends
// store and order by, so lexicographic order of encoded keys matches
// segment-wise order of the tuples.
func (k Key) Encode() string {
	return strings.Join(k, "/")
}

// Append returns a new key with the given segments appended.
func (k Key) Append(segments ...string) Key {
	out := make(Key, 0, len(k)+len(segments))
	out = append(out, k...)
	out = append(out, segments...)
	return out
}

// Validate checks the key for empty segments and embedded separators.
func (k Key) Validate() error {
	if len(k) == 0 {
		return ErrInvalidKey
	}
	for _, seg := range k {
		if seg == "" || strings.Contains(seg, "/") {
			return ErrInvalidKey
		}
	}
	return nil
}

// ParseKey splits an encoded key back into segments.
func ParseKey(encoded string) Key {
	return Key(strings.Split(encoded, "/"))
}

// Entry is a stored key-value pair. Version is a backend-assigned revision
// counter that increases on every write to the key; it is used for optimistic
// checks in Atomic. Version 0 never refers to an existing entry.
type Entry struct {
	Key     Key
	Value   []byte
	Version int64
}

// SetOptions carries optional per-write settings.
type SetOptions struct {
	// ExpiresIn sets a TTL on the entry. Zero means no expiry. TTL is
	// best-effort: backends without native expiry emulate it with sweeping,
	// and callers never rely on it alone for correctness.
	ExpiresIn time.Duration
}

// ListOptions controls prefix iteration.
type ListOptions struct {
	// BatchSize bounds the number of entries returned per page.
	// Defaults to DefaultListBatchSize.
	BatchSize int

	// Cursor resumes iteration strictly after the given encoded key.
	// Empty starts from the beginning of the prefix.
	Cursor string
}

// ListResult is one page of a prefix listing.
type ListResult struct {
	Entries []Entry

	// Cursor is the continuation cursor for the next page. Empty when the
	// listing is exhausted.
	Cursor string
}

// Check is an optimistic precondition for Atomic. The transaction commits
// only if the current version of Key equals Version (0 = key must be absent).
type Check struct {
	Key     Key
	Version int64
}

// OpKind discriminates transaction operations.
type OpKind int

// Transaction operation kinds.
const (
	OpSet OpKind = iota
	OpDelete
)

// Op is a single mutation inside an atomic transaction.
type Op struct {
	Kind      OpKind
	Key       Key
	Value     []byte
	ExpiresIn time.Duration
}

// SetOp builds a set operation.
func SetOp(key Key, value []byte, expiresIn time.Duration) Op {
	return Op{Kind: OpSet, Key: key, Value: value, ExpiresIn: expiresIn}
}

// DeleteOp builds a delete operation.
func DeleteOp(key Key) Op {
	return Op{Kind: OpDelete, Key: key}
}

// Store is the ordered-key persistent map consumed by every meridian
// component. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the entry for key, or (nil, nil) if absent. Backends that
	// emulate TTL treat an expired entry as absent and may delete it lazily.
	Get(ctx context.Context, key Key) (*Entry, error)

	// Set stores value under key, replacing any existing entry.
	Set(ctx context.Context, key Key, value []byte, opts *SetOptions) error

	// Delete removes the entry for key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key Key) error

	// List returns entries whose encoded key starts with the encoded prefix,
	// in ascending key order. Iteration is restartable via the returned cursor.
	List(ctx context.Context, prefix Key, opts *ListOptions) (*ListResult, error)

	// Atomic applies all ops or none. Checks are verified inside the same
	// transaction; any failed check aborts with ErrConflict.
	Atomic(ctx context.Context, checks []Check, ops []Op) error

	// Close releases backend resources.
	Close() error
}

// ValidateOps runs the shared pre-commit validation all backends apply.
func ValidateOps(ops []Op) error {
	for _, op := range ops {
		if err := op.Key.Validate(); err != nil {
			return err
		}
		if op.Kind == OpSet && len(op.Value) > MaxValueSize {
			return ErrValueTooLarge
		}
	}
	return nil
}

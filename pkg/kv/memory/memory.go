// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory implements the kv.Store contract with in-memory maps.
// This implementation is thread-safe and suitable for development, tests and
// single-process stdio deployments. State does not survive a restart.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meridianmcp/meridian/pkg/kv"
)

// sweepInterval is how often the background janitor drops expired entries.
// Expired entries are also dropped lazily on read, so the interval only
// bounds memory growth, not correctness.
const sweepInterval = time.Minute

type entry struct {
	value     []byte
	version   int64
	expiresAt time.Time // zero = no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store is an in-memory ordered-key store.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	nextVer int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

var _ kv.Store = (*Store)(nil)

// New creates an empty in-memory store and starts its expiry janitor.
func New() *Store {
	s := &Store{
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
	}
	go s.sweepRoutine()
	return s
}

func (s *Store) sweepRoutine() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
		}
	}
}

// Get returns the entry for key, or nil if absent or expired.
func (s *Store) Get(_ context.Context, key kv.Key) (*kv.Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	encoded := key.Encode()

	s.mu.RLock()
	e, ok := s.entries[encoded]
	if ok && !e.expired(time.Now()) {
		out := &kv.Entry{Key: key, Value: append([]byte(nil), e.value...), Version: e.version}
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	if ok {
		// Lazy expiry.
		s.mu.Lock()
		if cur, still := s.entries[encoded]; still && cur.expired(time.Now()) {
			delete(s.entries, encoded)
		}
		s.mu.Unlock()
	}
	return nil, nil
}

// Set stores value under key.
func (s *Store) Set(_ context.Context, key kv.Key, value []byte, opts *kv.SetOptions) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if len(value) > kv.MaxValueSize {
		return kv.ErrValueTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key.Encode(), value, ttlOf(opts))
	return nil
}

func ttlOf(opts *kv.SetOptions) time.Duration {
	if opts == nil {
		return 0
	}
	return opts.ExpiresIn
}

// put stores under an already-encoded key. Caller holds the write lock.
func (s *Store) put(encoded string, value []byte, expiresIn time.Duration) {
	s.nextVer++
	e := &entry{
		value:   append([]byte(nil), value...),
		version: s.nextVer,
	}
	if expiresIn > 0 {
		e.expiresAt = time.Now().Add(expiresIn)
	}
	s.entries[encoded] = e
}

// Delete removes the entry for key.
func (s *Store) Delete(_ context.Context, key kv.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.entries, key.Encode())
	s.mu.Unlock()
	return nil
}

// List returns one page of entries under prefix in ascending key order.
func (s *Store) List(_ context.Context, prefix kv.Key, opts *kv.ListOptions) (*kv.ListResult, error) {
	batch := kv.DefaultListBatchSize
	cursor := ""
	if opts != nil {
		if opts.BatchSize > 0 {
			batch = opts.BatchSize
		}
		cursor = opts.Cursor
	}
	encodedPrefix := prefix.Encode()
	if encodedPrefix != "" {
		encodedPrefix += "/"
	}
	now := time.Now()

	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k, e := range s.entries {
		if strings.HasPrefix(k, encodedPrefix) && k > cursor && !e.expired(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	result := &kv.ListResult{}
	for i, k := range keys {
		if i >= batch {
			result.Cursor = keys[i-1]
			break
		}
		e := s.entries[k]
		result.Entries = append(result.Entries, kv.Entry{
			Key:     kv.ParseKey(k),
			Value:   append([]byte(nil), e.value...),
			Version: e.version,
		})
	}
	s.mu.RUnlock()
	return result, nil
}

// Atomic applies all ops or none, after verifying the version checks.
func (s *Store) Atomic(_ context.Context, checks []kv.Check, ops []kv.Op) error {
	if err := kv.ValidateOps(ops); err != nil {
		return err
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range checks {
		e, ok := s.entries[c.Key.Encode()]
		if ok && e.expired(now) {
			ok = false
		}
		switch {
		case !ok && c.Version != 0:
			return kv.ErrConflict
		case ok && e.version != c.Version:
			return kv.ErrConflict
		}
	}

	for _, op := range ops {
		encoded := op.Key.Encode()
		switch op.Kind {
		case kv.OpSet:
			s.put(encoded, op.Value, op.ExpiresIn)
		case kv.OpDelete:
			delete(s.entries, encoded)
		}
	}
	return nil
}

// Close stops the expiry janitor and clears all entries.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	s.entries = make(map[string]*entry)
	s.mu.Unlock()
	return nil
}

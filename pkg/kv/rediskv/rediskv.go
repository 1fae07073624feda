// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package rediskv implements the kv.Store contract on Redis, enabling
// multi-replica deployments to share OAuth, session and event state.
//
// Entries are stored as JSON envelopes carrying a version counter for the
// optimistic checks that Atomic requires; transactions use WATCH/MULTI/EXEC
// so a concurrent writer to any checked key aborts the commit.
package rediskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meridianmcp/meridian/pkg/kv"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Config holds Redis connection configuration.
type Config struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Username and Password authenticate against Redis ACLs. Optional.
	Username string
	Password string

	// DB selects the Redis logical database.
	DB int

	// KeyPrefix namespaces all keys, e.g. "meridian:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// envelope wraps a stored value with its version counter.
type envelope struct {
	Version int64  `json:"v"`
	Data    []byte `json:"d"`
}

// Store is a Redis-backed ordered-key store.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ kv.Store = (*Store)(nil)

// New creates a Store from the given config and verifies connectivity.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  orDefault(cfg.DialTimeout, DefaultDialTimeout),
		ReadTimeout:  orDefault(cfg.ReadTimeout, DefaultReadTimeout),
		WriteTimeout: orDefault(cfg.WriteTimeout, DefaultWriteTimeout),
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &Store{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Store {
	return &Store{client: client, keyPrefix: keyPrefix}
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return d
}

func (s *Store) redisKey(key kv.Key) string {
	return s.keyPrefix + key.Encode()
}

func decodeEnvelope(raw []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding stored envelope: %w", err)
	}
	return &env, nil
}

// Get returns the entry for key, or nil if absent. Redis handles TTL
// natively, so an expired key is simply gone.
func (s *Store) Get(ctx context.Context, key kv.Key) (*kv.Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting key: %w", err)
	}
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	return &kv.Entry{Key: key, Value: env.Data, Version: env.Version}, nil
}

// Set stores value under key, bumping the stored version.
func (s *Store) Set(ctx context.Context, key kv.Key, value []byte, opts *kv.SetOptions) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if len(value) > kv.MaxValueSize {
		return kv.ErrValueTooLarge
	}
	var expiresIn time.Duration
	if opts != nil {
		expiresIn = opts.ExpiresIn
	}

	rkey := s.redisKey(key)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		version, err := s.currentVersion(ctx, tx, rkey)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(&envelope{Version: version + 1, Data: value})
		if err != nil {
			return fmt.Errorf("encoding envelope: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rkey, payload, expiresIn)
			return nil
		})
		return err
	}, rkey)
}

func (*Store) currentVersion(ctx context.Context, tx *redis.Tx, rkey string) (int64, error) {
	raw, err := tx.Get(ctx, rkey).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("getting key: %w", err)
	}
	env, err := decodeEnvelope(raw)
	if err != nil {
		return 0, err
	}
	return env.Version, nil
}

// Delete removes the entry for key.
func (s *Store) Delete(ctx context.Context, key kv.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("deleting key: %w", err)
	}
	return nil
}

// List returns one page of entries under prefix in ascending key order.
//
// Redis has no ordered keyspace, so the full matching key set is collected
// with SCAN and sorted in memory. Meridian keyspaces are bounded (clients,
// sessions, per-stream events), which keeps this acceptable; very large event
// histories should prefer the sqlite backend.
func (s *Store) List(ctx context.Context, prefix kv.Key, opts *kv.ListOptions) (*kv.ListResult, error) {
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
	match := s.keyPrefix + encodedPrefix + "*"

	var keys []string
	iter := s.client.Scan(ctx, 0, match, 256).Iterator()
	for iter.Next(ctx) {
		encoded := strings.TrimPrefix(iter.Val(), s.keyPrefix)
		if encoded > cursor {
			keys = append(keys, encoded)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning keys: %w", err)
	}
	sort.Strings(keys)
	if len(keys) > batch {
		keys = keys[:batch]
	}

	result := &kv.ListResult{}
	for _, encoded := range keys {
		raw, err := s.client.Get(ctx, s.keyPrefix+encoded).Bytes()
		if errors.Is(err, redis.Nil) {
			// Expired between SCAN and GET.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("getting key: %w", err)
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			return nil, err
		}
		result.Entries = append(result.Entries, kv.Entry{
			Key:     kv.ParseKey(encoded),
			Value:   env.Data,
			Version: env.Version,
		})
	}
	if len(keys) == batch {
		result.Cursor = keys[batch-1]
	}
	return result, nil
}

// Atomic applies all ops or none. Checked keys are WATCHed, so both a failed
// version check and a concurrent write abort with kv.ErrConflict.
func (s *Store) Atomic(ctx context.Context, checks []kv.Check, ops []kv.Op) error {
	if err := kv.ValidateOps(ops); err != nil {
		return err
	}

	watched := make([]string, 0, len(checks))
	for _, c := range checks {
		watched = append(watched, s.redisKey(c.Key))
	}
	// Op targets are watched too so version bumps are race-free.
	for _, op := range ops {
		watched = append(watched, s.redisKey(op.Key))
	}

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		for _, c := range checks {
			version, err := s.currentVersion(ctx, tx, s.redisKey(c.Key))
			if err != nil {
				return err
			}
			if version != c.Version {
				return kv.ErrConflict
			}
		}

		// Read current versions of set targets before entering MULTI.
		versions := make([]int64, len(ops))
		for i, op := range ops {
			if op.Kind != kv.OpSet {
				continue
			}
			version, err := s.currentVersion(ctx, tx, s.redisKey(op.Key))
			if err != nil {
				return err
			}
			versions[i] = version
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, op := range ops {
				rkey := s.redisKey(op.Key)
				switch op.Kind {
				case kv.OpSet:
					payload, err := json.Marshal(&envelope{Version: versions[i] + 1, Data: op.Value})
					if err != nil {
						return fmt.Errorf("encoding envelope: %w", err)
					}
					pipe.Set(ctx, rkey, payload, op.ExpiresIn)
				case kv.OpDelete:
					pipe.Del(ctx, rkey)
				}
			}
			return nil
		})
		return err
	}, watched...)

	if errors.Is(err, redis.TxFailedErr) {
		return kv.ErrConflict
	}
	return err
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

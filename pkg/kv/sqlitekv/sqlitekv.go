// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitekv implements the kv.Store contract on an embedded SQLite
// database using the pure-Go modernc.org/sqlite driver. It is the default
// persistent backend for single-node deployments.
package sqlitekv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/meridianmcp/meridian/pkg/kv"
	"github.com/meridianmcp/meridian/pkg/logger"
)

// Store is a SQLite-backed ordered-key store. A single table keyed by the
// encoded key provides ordered prefix iteration via range scans; the version
// column backs optimistic transaction checks; expires_at backs TTL.
type Store struct {
	db *sql.DB
}

var _ kv.Store = (*Store)(nil)

// Open opens (or creates) the database at path, applies pending migrations
// and returns a ready Store. Use ":memory:" for an ephemeral database.
func Open(ctx context.Context, path string) (*Store, error) {
	// _txlock=immediate makes every transaction take the write lock up
	// front, so Atomic never hits SQLITE_BUSY on upgrade mid-transaction.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// modernc/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent transactions.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying migrations: %w", err)
	}

	logger.Debugw("opened sqlite kv store", "path", path)
	return &Store{db: db}, nil
}

// rollback rolls a transaction back, tolerating the already-committed case.
func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logger.Warnf("failed to roll back transaction: %v", err)
	}
}

// nowMillis returns the current wall clock in Unix milliseconds.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func expiryMillis(expiresIn time.Duration) any {
	if expiresIn <= 0 {
		return nil
	}
	return time.Now().Add(expiresIn).UnixMilli()
}

// Get returns the entry for key, or nil if absent or expired.
func (s *Store) Get(ctx context.Context, key kv.Key) (*kv.Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	var value []byte
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, version FROM kv
		 WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key.Encode(), nowMillis(),
	).Scan(&value, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying key: %w", err)
	}
	return &kv.Entry{Key: key, Value: value, Version: version}, nil
}

// Set stores value under key, replacing any existing entry.
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, version, expires_at) VALUES (?, ?, 1, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			version = kv.version + 1,
			expires_at = excluded.expires_at`,
		key.Encode(), value, expiryMillis(expiresIn),
	)
	if err != nil {
		return fmt.Errorf("upserting key: %w", err)
	}
	return nil
}

// Delete removes the entry for key.
func (s *Store) Delete(ctx context.Context, key kv.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key.Encode()); err != nil {
		return fmt.Errorf("deleting key: %w", err)
	}
	return nil
}

// List returns one page of entries under prefix in ascending key order.
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
	query := `
		SELECT key, value, version FROM kv
		WHERE key > ? AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{cursor, nowMillis()}
	if encodedPrefix != "" {
		// The smallest string greater than every key with the prefix is the
		// prefix with its trailing '/' bumped to '0' ('/' + 1).
		upperBound := strings.TrimSuffix(encodedPrefix, "/") + "0"
		if cursor < encodedPrefix {
			args[0] = encodedPrefix
			// Include the boundary key itself on the first page.
			query = strings.Replace(query, "key > ?", "key >= ?", 1)
		}
		query += ` AND key < ?`
		args = append(args, upperBound)
	}
	query += ` ORDER BY key ASC LIMIT ?`
	args = append(args, batch+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing prefix: %w", err)
	}
	defer rows.Close()

	result := &kv.ListResult{}
	for rows.Next() {
		var encoded string
		var value []byte
		var version int64
		if err := rows.Scan(&encoded, &value, &version); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		if len(result.Entries) == batch {
			result.Cursor = result.Entries[batch-1].Key.Encode()
			break
		}
		result.Entries = append(result.Entries, kv.Entry{
			Key:     kv.ParseKey(encoded),
			Value:   value,
			Version: version,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return result, nil
}

// Atomic applies all ops or none inside a single SQLite transaction.
func (s *Store) Atomic(ctx context.Context, checks []kv.Check, ops []kv.Op) error {
	if err := kv.ValidateOps(ops); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	now := nowMillis()
	for _, c := range checks {
		var version int64
		err := tx.QueryRowContext(ctx,
			`SELECT version FROM kv WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
			c.Key.Encode(), now,
		).Scan(&version)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if c.Version != 0 {
				return kv.ErrConflict
			}
		case err != nil:
			return fmt.Errorf("checking key: %w", err)
		case version != c.Version:
			return kv.ErrConflict
		}
	}

	for _, op := range ops {
		switch op.Kind {
		case kv.OpSet:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO kv (key, value, version, expires_at) VALUES (?, ?, 1, ?)
				ON CONFLICT (key) DO UPDATE SET
					value = excluded.value,
					version = kv.version + 1,
					expires_at = excluded.expires_at`,
				op.Key.Encode(), op.Value, expiryMillis(op.ExpiresIn),
			)
		case kv.OpDelete:
			_, err = tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, op.Key.Encode())
		}
		if err != nil {
			return fmt.Errorf("applying op: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Sweep removes expired rows. Called periodically by the owning server; the
// read paths already treat expired rows as absent.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`, nowMillis())
	if err != nil {
		return 0, fmt.Errorf("sweeping expired rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

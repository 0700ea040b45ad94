// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

// Package postgres implements verification.Store on the
// verification_tokens table.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"

	"github.com/castline/castline/internal/store"
	"github.com/castline/castline/internal/verification"
)

// Store persists verification records in PostgreSQL. Consume locks the row
// with SELECT ... FOR UPDATE so concurrent redemptions serialize on it.
type Store struct {
	pool store.Pool
}

// NewStore creates a Store on pool.
func NewStore(pool store.Pool) *Store {
	return &Store{pool: pool}
}

// Save inserts a new record.
func (s *Store) Save(ctx context.Context, r verification.Record) error {
	if r.Hash == "" || r.UserID == "" {
		return oops.Code("VERIFICATION_SAVE_FAILED").Errorf("hash and user id are required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO verification_tokens (hash, user_id, expires_at, used)
		VALUES ($1, $2, $3, $4)
	`, r.Hash, r.UserID, r.ExpiresAt, r.Used)
	if err != nil {
		return oops.Code("VERIFICATION_SAVE_FAILED").With("user_id", r.UserID).Wrap(err)
	}
	return nil
}

// Consume applies the redemption rules to hash inside one transaction.
func (s *Store) Consume(ctx context.Context, hash string, now time.Time) (verification.Record, verification.Outcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return verification.Record{}, "", oops.Code("TX_BEGIN_FAILED").Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var r verification.Record
	err = tx.QueryRow(ctx, `
		SELECT hash, user_id, expires_at, used
		FROM verification_tokens WHERE hash = $1
		FOR UPDATE
	`, hash).Scan(&r.Hash, &r.UserID, &r.ExpiresAt, &r.Used)
	if errors.Is(err, pgx.ErrNoRows) {
		return verification.Record{}, verification.NotFound, nil
	}
	if err != nil {
		return verification.Record{}, "", oops.Code("VERIFICATION_CONSUME_FAILED").Wrap(corruption(err))
	}

	outcome, purge := verification.Decide(r, now)
	if purge {
		_, err = tx.Exec(ctx, `DELETE FROM verification_tokens WHERE hash = $1`, hash)
	} else {
		_, err = tx.Exec(ctx, `UPDATE verification_tokens SET used = TRUE WHERE hash = $1`, hash)
		r.Used = true
	}
	if err != nil {
		return verification.Record{}, "", oops.Code("VERIFICATION_CONSUME_FAILED").
			With("outcome", string(outcome)).
			Wrap(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return verification.Record{}, "", oops.Code("TX_COMMIT_FAILED").Wrap(err)
	}
	return r, outcome, nil
}

// Sweep deletes used and expired records.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM verification_tokens
		WHERE used OR expires_at <= $1
	`, now)
	if err != nil {
		return 0, oops.Code("VERIFICATION_SWEEP_FAILED").Wrap(corruption(err))
	}
	return int(tag.RowsAffected()), nil
}

// Reset deletes every record.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM verification_tokens`); err != nil {
		return oops.Code("VERIFICATION_RESET_FAILED").Wrap(err)
	}
	return nil
}

// corruption marks server-reported data or index corruption with
// verification.ErrCorrupted so the sweeper resets the table.
func corruption(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.DataCorrupted, pgerrcode.IndexCorrupted:
			return errors.Join(verification.ErrCorrupted, err)
		}
	}
	return err
}

var _ verification.Store = (*Store)(nil)

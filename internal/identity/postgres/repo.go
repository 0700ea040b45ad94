// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

// Package postgres implements identity.Repository on the identities table.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/castline/castline/internal/identity"
	"github.com/castline/castline/internal/store"
)

const selectIdentity = `
	SELECT id, email, password_hash, email_verified, role,
	       failed_attempts, locked_until, created_at, updated_at
	FROM identities`

// Repository implements identity.Repository using PostgreSQL.
type Repository struct {
	pool store.Pool
	now  func() time.Time
}

// NewRepository creates a Repository on pool.
func NewRepository(pool store.Pool) *Repository {
	return &Repository{pool: pool, now: time.Now}
}

// Create inserts a new identity. A taken email surfaces as the driver's
// unique violation.
func (r *Repository) Create(ctx context.Context, i *identity.Identity) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO identities (
			id, email, password_hash, email_verified, role,
			failed_attempts, locked_until, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		i.ID.String(),
		identity.NormalizeEmail(i.Email),
		i.PasswordHash,
		i.EmailVerified,
		string(i.Role),
		i.FailedAttempts,
		i.LockedUntil,
		i.CreatedAt,
		i.UpdatedAt,
	)
	if err != nil {
		return oops.Code("IDENTITY_CREATE_FAILED").
			With("operation", "insert identity").
			With("id", i.ID.String()).
			Wrap(err)
	}
	return nil
}

// GetByID retrieves an identity by id.
func (r *Repository) GetByID(ctx context.Context, id ulid.ULID) (*identity.Identity, error) {
	i, err := scanIdentity(r.pool.QueryRow(ctx, selectIdentity+` WHERE id = $1`, id.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("IDENTITY_NOT_FOUND").With("id", id.String()).Wrap(identity.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("IDENTITY_GET_FAILED").
			With("operation", "get identity by id").
			With("id", id.String()).
			Wrap(err)
	}
	return i, nil
}

// GetByEmail retrieves an identity by normalized email.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*identity.Identity, error) {
	email = identity.NormalizeEmail(email)
	i, err := scanIdentity(r.pool.QueryRow(ctx, selectIdentity+` WHERE email = $1`, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("IDENTITY_NOT_FOUND").With("email", email).Wrap(identity.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("IDENTITY_GET_FAILED").
			With("operation", "get identity by email").
			Wrap(err)
	}
	return i, nil
}

// MarkEmailVerified sets email_verified.
func (r *Repository) MarkEmailVerified(ctx context.Context, id ulid.ULID) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE identities SET email_verified = TRUE, updated_at = $2
		WHERE id = $1
	`, id.String(), r.now())
	if err != nil {
		return oops.Code("IDENTITY_UPDATE_FAILED").
			With("operation", "mark email verified").
			With("id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("IDENTITY_NOT_FOUND").With("id", id.String()).Wrap(identity.ErrNotFound)
	}
	return nil
}

// Update writes every mutable column.
func (r *Repository) Update(ctx context.Context, i *identity.Identity) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE identities SET
			email = $2,
			password_hash = $3,
			email_verified = $4,
			role = $5,
			failed_attempts = $6,
			locked_until = $7,
			updated_at = $8
		WHERE id = $1
	`,
		i.ID.String(),
		identity.NormalizeEmail(i.Email),
		i.PasswordHash,
		i.EmailVerified,
		string(i.Role),
		i.FailedAttempts,
		i.LockedUntil,
		i.UpdatedAt,
	)
	if err != nil {
		return oops.Code("IDENTITY_UPDATE_FAILED").
			With("operation", "update identity").
			With("id", i.ID.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("IDENTITY_NOT_FOUND").With("id", i.ID.String()).Wrap(identity.ErrNotFound)
	}
	return nil
}

// scanIdentity scans one row. Callers handle pgx.ErrNoRows.
func scanIdentity(row pgx.Row) (*identity.Identity, error) {
	var (
		idStr string
		role  string
		i     identity.Identity
	)
	err := row.Scan(
		&idStr,
		&i.Email,
		&i.PasswordHash,
		&i.EmailVerified,
		&role,
		&i.FailedAttempts,
		&i.LockedUntil,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.With("operation", "parse id").With("id", idStr).Wrap(err)
	}
	i.ID = id
	parsed, ok := identity.ParseRole(role)
	if !ok {
		return nil, oops.With("operation", "parse role").With("role", role).Errorf("unknown role %q", role)
	}
	i.Role = parsed
	return &i, nil
}

var _ identity.Repository = (*Repository)(nil)

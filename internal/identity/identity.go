// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

// Package identity holds talent and agency accounts, their password hashes
// and the login lockout rules.
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/oklog/ulid/v2"

	"github.com/castline/castline/internal/failure"
)

// ErrNotFound is returned when a requested identity does not exist.
var ErrNotFound = errors.New("identity not found")

// ErrEmailTaken is the cause of the constraint failure reported when an
// email is already registered.
var ErrEmailTaken = errors.New("email already registered")

// Role is the marketplace side an account belongs to.
type Role string

// Roles.
const (
	RoleTalent Role = "TALENT"
	RoleAgency Role = "AGENCY"
)

// ParseRole accepts a role name in any case.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleTalent:
		return RoleTalent, true
	case RoleAgency:
		return RoleAgency, true
	}
	return "", false
}

// Identity is a registered account.
type Identity struct {
	ID             ulid.ULID
	Email          string
	PasswordHash   string
	EmailVerified  bool
	Role           Role
	FailedAttempts int
	LockedUntil    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// New returns an unverified identity with a fresh id.
func New(email, passwordHash string, role Role, now time.Time) *Identity {
	return &Identity{
		ID:           ulid.Make(),
		Email:        NormalizeEmail(email),
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NormalizeEmail lowercases and trims an email address. Emails are unique
// in this form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsLocked reports whether the account is locked out at now.
func (i *Identity) IsLocked(now time.Time) bool {
	return IsLockedOut(i.LockedUntil, now)
}

// RecordFailure counts a failed login and locks the account once the
// threshold is reached.
func (i *Identity) RecordFailure(now time.Time) {
	i.FailedAttempts++
	i.LockedUntil = ComputeLockoutTime(i.FailedAttempts, now)
	i.UpdatedAt = now
}

// RecordSuccess clears the failure counter and any lockout.
func (i *Identity) RecordSuccess(now time.Time) {
	i.FailedAttempts = 0
	i.LockedUntil = nil
	i.UpdatedAt = now
}

// Repository persists identities. Constraint violations from Create are
// returned so that failure.Of classifies them; lookups of missing rows wrap
// ErrNotFound.
type Repository interface {
	Create(ctx context.Context, i *Identity) error
	GetByID(ctx context.Context, id ulid.ULID) (*Identity, error)
	// GetByEmail matches the normalized email.
	GetByEmail(ctx context.Context, email string) (*Identity, error)
	MarkEmailVerified(ctx context.Context, id ulid.ULID) error
	Update(ctx context.Context, i *Identity) error
}

// DuplicateEmail is the failure a repository without a database constraint
// reports for a taken email. It classifies like the postgres unique
// violation.
func DuplicateEmail() *failure.Error {
	return failure.Constraint(pgerrcode.UniqueViolation, ErrEmailTaken)
}

// NotFound wraps ErrNotFound as a 404.
func NotFound() *failure.Error {
	f := failure.HTTP(http.StatusNotFound, "", "Identity not found")
	f.Cause = ErrNotFound
	return f
}

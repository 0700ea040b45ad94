// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package identity

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// MemoryRepository keeps identities in process memory. It enforces the
// same email uniqueness as the identities table.
type MemoryRepository struct {
	mu      sync.RWMutex
	byID    map[ulid.ULID]Identity
	byEmail map[string]ulid.ULID
	now     func() time.Time
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:    make(map[ulid.ULID]Identity),
		byEmail: make(map[string]ulid.ULID),
		now:     time.Now,
	}
}

// Create stores a new identity.
func (r *MemoryRepository) Create(_ context.Context, i *Identity) error {
	email := NormalizeEmail(i.Email)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byEmail[email]; taken {
		return oops.Code("IDENTITY_CREATE_FAILED").With("email", email).Wrap(DuplicateEmail())
	}
	cp := *i
	cp.Email = email
	r.byID[i.ID] = cp
	r.byEmail[email] = i.ID
	return nil
}

// GetByID retrieves an identity by id.
func (r *MemoryRepository) GetByID(_ context.Context, id ulid.ULID) (*Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byID[id]
	if !ok {
		return nil, oops.Code("IDENTITY_NOT_FOUND").With("id", id.String()).Wrap(ErrNotFound)
	}
	return &i, nil
}

// GetByEmail retrieves an identity by normalized email.
func (r *MemoryRepository) GetByEmail(_ context.Context, email string) (*Identity, error) {
	email = NormalizeEmail(email)
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[email]
	if !ok {
		return nil, oops.Code("IDENTITY_NOT_FOUND").With("email", email).Wrap(ErrNotFound)
	}
	i := r.byID[id]
	return &i, nil
}

// MarkEmailVerified sets EmailVerified.
func (r *MemoryRepository) MarkEmailVerified(_ context.Context, id ulid.ULID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.byID[id]
	if !ok {
		return oops.Code("IDENTITY_NOT_FOUND").With("id", id.String()).Wrap(ErrNotFound)
	}
	i.EmailVerified = true
	i.UpdatedAt = r.now()
	r.byID[id] = i
	return nil
}

// Update replaces a stored identity. The email may not change to one that
// belongs to another identity.
func (r *MemoryRepository) Update(_ context.Context, i *Identity) error {
	email := NormalizeEmail(i.Email)
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.byID[i.ID]
	if !ok {
		return oops.Code("IDENTITY_NOT_FOUND").With("id", i.ID.String()).Wrap(ErrNotFound)
	}
	if owner, taken := r.byEmail[email]; taken && owner != i.ID {
		return oops.Code("IDENTITY_UPDATE_FAILED").With("email", email).Wrap(DuplicateEmail())
	}
	delete(r.byEmail, old.Email)
	cp := *i
	cp.Email = email
	r.byID[i.ID] = cp
	r.byEmail[email] = i.ID
	return nil
}

// Delete removes an identity. It exists for tests and maintenance.
func (r *MemoryRepository) Delete(_ context.Context, id ulid.ULID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.byID[id]
	if !ok {
		return oops.Code("IDENTITY_NOT_FOUND").With("id", id.String()).Wrap(ErrNotFound)
	}
	delete(r.byID, id)
	delete(r.byEmail, i.Email)
	return nil
}

var _ Repository = (*MemoryRepository)(nil)

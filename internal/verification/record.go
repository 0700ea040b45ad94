// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

// Package verification issues and redeems single-use, time-limited
// verification tokens such as email confirmation links.
//
// Only the SHA-256 hash of a raw token is ever stored. A record moves from
// unused to used at most once and only before it expires; expiry dominates
// the used flag. Each Store backend makes Consume atomic, so concurrent
// redemptions of one token yield exactly one CONSUMED outcome.
package verification

import (
	"context"
	"errors"
	"time"
)

// Outcome is the result of redeeming a token.
type Outcome string

// Redemption outcomes.
const (
	Consumed Outcome = "CONSUMED"
	NotFound Outcome = "NOT_FOUND"
	Expired  Outcome = "EXPIRED"
	Used     Outcome = "USED"
)

// ErrCorrupted is reported by a Store whose contents can no longer be
// trusted. The sweeper resets such a store to empty.
var ErrCorrupted = errors.New("verification store corrupted")

// Record is a stored verification token.
type Record struct {
	Hash      string    `json:"hash"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
}

// Expired reports whether the record is expired at now. A record is valid
// only while ExpiresAt is strictly in the future.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Evictable reports whether a sweep at now may delete the record.
func (r Record) Evictable(now time.Time) bool {
	return r.Used || r.Expired(now)
}

// Decide applies the redemption rules to a record that was found. It
// returns the outcome and whether the record must be deleted; on Consumed
// the caller marks the record used and keeps it.
func Decide(r Record, now time.Time) (outcome Outcome, purge bool) {
	switch {
	case r.Expired(now):
		return Expired, true
	case r.Used:
		return Used, true
	default:
		return Consumed, false
	}
}

// Store persists verification records. Implementations must make Consume
// atomic with respect to concurrent Consume and Sweep calls.
type Store interface {
	// Save stores a new record.
	Save(ctx context.Context, r Record) error
	// Consume looks up hash and applies Decide at now. A missing record
	// yields NotFound with a zero Record.
	Consume(ctx context.Context, hash string, now time.Time) (Record, Outcome, error)
	// Sweep deletes every record that is used or expired at now and returns
	// how many were deleted.
	Sweep(ctx context.Context, now time.Time) (int, error)
	// Reset deletes every record.
	Reset(ctx context.Context) error
}

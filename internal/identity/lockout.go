// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package identity

import "time"

// Lockout configuration.
const (
	// LockoutDuration is how long an account stays locked.
	LockoutDuration = 15 * time.Minute

	// LockoutThreshold is the number of consecutive failures that locks an
	// account.
	LockoutThreshold = 7

	maxDelay = 32 * time.Second
)

// LockoutState is the login throttling state for a failure count.
type LockoutState struct {
	// Delay is the wait before the next attempt is worth making.
	Delay time.Duration

	IsLockedOut      bool
	LockoutRemaining time.Duration
}

// CheckFailures evaluates the throttling state at now.
func CheckFailures(failures int, lockedUntil *time.Time, now time.Time) LockoutState {
	var s LockoutState

	if IsLockedOut(lockedUntil, now) {
		s.IsLockedOut = true
		s.LockoutRemaining = lockedUntil.Sub(now)
		return s
	}

	// 2^(failures-1) seconds, capped.
	if failures > 0 && failures < LockoutThreshold {
		s.Delay = min(time.Duration(1<<(failures-1))*time.Second, maxDelay)
	}

	if failures >= LockoutThreshold {
		s.IsLockedOut = true
		s.LockoutRemaining = LockoutDuration
	}
	return s
}

// IsLockedOut reports whether lockedUntil is after now.
func IsLockedOut(lockedUntil *time.Time, now time.Time) bool {
	return lockedUntil != nil && lockedUntil.After(now)
}

// ComputeLockoutTime returns when a lockout for failures ends, or nil below
// the threshold.
func ComputeLockoutTime(failures int, now time.Time) *time.Time {
	if failures < LockoutThreshold {
		return nil
	}
	until := now.Add(LockoutDuration)
	return &until
}

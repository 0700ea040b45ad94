// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

// Package ttl parses the short duration strings used by cookie and token
// configuration ("15m", "14d").
//
// Parsing never fails: a value that does not match the grammar falls back to
// Default so that a misconfigured TTL cannot block login.
package ttl

import (
	"regexp"
	"strconv"
	"time"
)

// Default is returned for any input that does not match the grammar.
const Default = 15 * time.Minute

var pattern = regexp.MustCompile(`^(\d+)([smhd])$`)

var units = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
}

// Parse converts a duration string of the form <digits><s|m|h|d> to a
// time.Duration. Anything else, including overflowing values, yields Default.
func Parse(s string) time.Duration {
	d, ok := Lookup(s)
	if !ok {
		return Default
	}
	return d
}

// Lookup is Parse without the fallback. It reports whether s matched the
// grammar.
func Lookup(s string) (time.Duration, bool) {
	m := pattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	unit := units[m[2]]
	if n > int64(maxDuration/unit) {
		return 0, false
	}
	return time.Duration(n) * unit, true
}

// Millis returns Parse(s) in milliseconds.
func Millis(s string) int64 {
	return Parse(s).Milliseconds()
}

const maxDuration = time.Duration(1<<63 - 1)

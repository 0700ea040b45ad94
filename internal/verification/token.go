// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package verification

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"github.com/samber/oops"
)

// TokenBytes is the entropy of a raw token: 32 bytes, 64 hex chars.
const TokenBytes = 32

// GenerateToken creates a random raw token and its hash.
// The raw token goes into the redemption URL; only the hash is stored.
func GenerateToken() (raw, hash string, err error) {
	b := make([]byte, TokenBytes)
	if _, err = rand.Read(b); err != nil {
		return "", "", oops.Code("VERIFICATION_TOKEN_GENERATE_FAILED").Wrap(err)
	}
	raw = hex.EncodeToString(b)
	return raw, HashToken(raw), nil
}

// HashToken returns the hex SHA-256 of a raw token.
func HashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// wellFormed reports whether raw could have come from GenerateToken.
func wellFormed(raw string) bool {
	if len(raw) != 2*TokenBytes {
		return false
	}
	_, err := hex.DecodeString(raw)
	return err == nil
}

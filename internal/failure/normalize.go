// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package failure

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"
)

// jwtInvalid lists the jwt sentinel errors that mean "not a valid token".
// jwt.ErrTokenExpired is handled separately.
var jwtInvalid = []error{
	jwt.ErrTokenMalformed,
	jwt.ErrTokenUnverifiable,
	jwt.ErrTokenSignatureInvalid,
	jwt.ErrSignatureInvalid,
	jwt.ErrTokenInvalidClaims,
	jwt.ErrTokenNotValidYet,
	jwt.ErrTokenUsedBeforeIssued,
	jwt.ErrTokenInvalidIssuer,
	jwt.ErrTokenInvalidAudience,
	jwt.ErrTokenInvalidSubject,
	jwt.ErrTokenInvalidId,
	jwt.ErrTokenRequiredClaimMissing,
}

// Of normalizes err into the failure variant. It returns nil for a nil error
// and never returns nil otherwise.
//
// An *Error already present in the chain wins. Otherwise driver constraint
// violations, jwt errors and bcrypt errors are recognized; anything else
// becomes KindUnknown.
func Of(err error) *Error {
	if err == nil {
		return nil
	}
	if f, ok := As(err); ok {
		return f
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation, pgerrcode.ForeignKeyViolation, pgerrcode.NotNullViolation:
			return Constraint(pgErr.Code, err)
		}
		return Unknown(err)
	}

	if errors.Is(err, jwt.ErrTokenExpired) {
		return Token(CodeTokenExpired, err)
	}
	for _, target := range jwtInvalid {
		if errors.Is(err, target) {
			return Token(CodeInvalidToken, err)
		}
	}

	if isBcrypt(err) {
		return Crypto(err)
	}

	return Unknown(err)
}

func isBcrypt(err error) bool {
	if errors.Is(err, bcrypt.ErrHashTooShort) ||
		errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) ||
		errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return true
	}
	var prefixErr bcrypt.InvalidHashPrefixError
	var versionErr bcrypt.HashVersionTooNewError
	var costErr bcrypt.InvalidCostError
	return errors.As(err, &prefixErr) || errors.As(err, &versionErr) || errors.As(err, &costErr)
}

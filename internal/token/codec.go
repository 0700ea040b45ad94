// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

// Package token issues and verifies the signed access and refresh bearer
// tokens.
//
// Access and refresh tokens are signed with distinct secrets and carry a
// "use" claim, so neither can stand in for the other. Verification failures
// are uniform: every failure satisfies errors.Is(err, ErrInvalid). Expiry is
// additionally tagged with failure.CodeTokenExpired for the error envelope.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/samber/oops"

	"github.com/castline/castline/internal/config"
	"github.com/castline/castline/internal/failure"
	"github.com/castline/castline/internal/observability"
)

// ErrInvalid is matched by every verification failure.
var ErrInvalid = errors.New("invalid token")

// Claims is the identity carried by a token.
type Claims struct {
	SubjectID string
	Email     string
	Role      string
}

// Use distinguishes access from refresh tokens.
type Use string

// Token uses.
const (
	UseAccess  Use = "access"
	UseRefresh Use = "refresh"
)

type jwtClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"role"`
	Use   Use    `json:"use"`
}

// Codec signs and verifies bearer tokens. It is safe for concurrent use.
type Codec struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
	now           func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock replaces time.Now for issuing and verifying.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// NewCodec creates a Codec. The configuration must pass
// config.AuthConfig.ValidateTokens.
func NewCodec(cfg config.Token, opts ...Option) (*Codec, error) {
	if err := (config.AuthConfig{Token: cfg}).ValidateTokens(); err != nil {
		return nil, err
	}
	c := &Codec{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		issuer:        cfg.Issuer,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AccessTTL returns the access token lifetime.
func (c *Codec) AccessTTL() time.Duration { return c.accessTTL }

// RefreshTTL returns the refresh token lifetime.
func (c *Codec) RefreshTTL() time.Duration { return c.refreshTTL }

// IssueAccessToken signs a short-lived access token for claims.
func (c *Codec) IssueAccessToken(claims Claims) (string, error) {
	return c.issue(claims, UseAccess, c.accessSecret, c.accessTTL)
}

// IssueRefreshToken signs a refresh token for claims.
func (c *Codec) IssueRefreshToken(claims Claims) (string, error) {
	return c.issue(claims, UseRefresh, c.refreshSecret, c.refreshTTL)
}

// VerifyAccessToken checks signature, issuer, expiry and use of an access
// token and returns its claims.
func (c *Codec) VerifyAccessToken(raw string) (Claims, error) {
	return c.verify(raw, UseAccess, c.accessSecret)
}

// VerifyRefreshToken is VerifyAccessToken for refresh tokens.
func (c *Codec) VerifyRefreshToken(raw string) (Claims, error) {
	return c.verify(raw, UseRefresh, c.refreshSecret)
}

func (c *Codec) issue(claims Claims, use Use, secret []byte, lifetime time.Duration) (string, error) {
	if claims.SubjectID == "" {
		return "", oops.Code("TOKEN_ISSUE_FAILED").With("use", use).Errorf("subject id is required")
	}
	now := c.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.SubjectID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
			ID:        uuid.NewString(),
		},
		Email: claims.Email,
		Role:  claims.Role,
		Use:   use,
	})
	signed, err := tok.SignedString(secret)
	if err != nil {
		return "", oops.Code("TOKEN_ISSUE_FAILED").With("use", use).Wrap(err)
	}
	observability.RecordTokenIssued(string(use))
	return signed, nil
}

func (c *Codec) verify(raw string, use Use, secret []byte) (Claims, error) {
	parsed := &jwtClaims{}
	_, err := jwt.ParseWithClaims(raw, parsed,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		code := failure.CodeInvalidToken
		if errors.Is(err, jwt.ErrTokenExpired) {
			code = failure.CodeTokenExpired
		}
		return Claims{}, failure.Token(code, fmt.Errorf("%w: %w", ErrInvalid, err))
	}
	if parsed.Use != use {
		return Claims{}, failure.Token(failure.CodeInvalidToken, fmt.Errorf("%w: expected %s token, got %q", ErrInvalid, use, parsed.Use))
	}
	if parsed.Subject == "" {
		return Claims{}, failure.Token(failure.CodeInvalidToken, fmt.Errorf("%w: missing subject", ErrInvalid))
	}
	return Claims{SubjectID: parsed.Subject, Email: parsed.Email, Role: parsed.Role}, nil
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package auth_test

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/castline/castline/internal/apierr"
	"github.com/castline/castline/internal/auth"
	"github.com/castline/castline/internal/failure"
	"github.com/castline/castline/internal/identity"
	"github.com/castline/castline/internal/observability"
	"github.com/castline/castline/internal/verification"
	"github.com/castline/castline/pkg/errutil"
)

func assertClassified(t *testing.T, err error, status int, code string) {
	t.Helper()
	require.Error(t, err)
	c := apierr.Classify(err)
	assert.Equal(t, status, c.Status)
	assert.Equal(t, code, c.Code)
}

func TestRegister_CreatesUnverifiedIdentityAndSendsLink(t *testing.T) {
	f := newFixture(t)

	account, err := f.svc.Register(context.Background(), registerInput("New.Face@Talent.Example"))
	require.NoError(t, err)

	assert.Equal(t, "new.face@talent.example", account.Email)
	assert.Equal(t, identity.RoleTalent, account.Role)
	assert.False(t, account.EmailVerified)
	assert.True(t, strings.HasPrefix(account.PasswordHash, "$argon2id$"))

	link := f.outbox.last(account.Email)
	assert.True(t, strings.HasPrefix(link, webOrigin+verification.VerifyPath+"?token="), link)
}

func TestRegister_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(in *auth.RegisterInput)
		code   string
	}{
		{"terms not accepted", func(in *auth.RegisterInput) { in.AcceptTerms = false }, failure.CodeValidation},
		{"privacy not accepted", func(in *auth.RegisterInput) { in.AcceptPrivacy = false }, failure.CodeValidation},
		{"passwords differ", func(in *auth.RegisterInput) { in.ConfirmPassword = "something else" }, failure.CodeValidation},
		{"unknown role", func(in *auth.RegisterInput) { in.Role = "DIRECTOR" }, failure.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			in := registerInput("reject@talent.example")
			tt.mutate(&in)

			_, err := f.svc.Register(context.Background(), in)
			assertClassified(t, err, http.StatusBadRequest, tt.code)
			assert.Zero(t, f.outbox.count("reject@talent.example"))
		})
	}
}

func TestRegister_ConsentMessageIsLocalized(t *testing.T) {
	f := newFixture(t)
	in := registerInput("consent@talent.example")
	in.AcceptTerms = false

	_, err := f.svc.Register(context.Background(), in)
	c := apierr.Classify(err)
	assert.Equal(t, "You must accept the terms of service and privacy policy", c.Message)
}

func TestRegister_DuplicateEmailIsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Register(ctx, registerInput("dup@agency.example"))
	require.NoError(t, err)

	_, err = f.svc.Register(ctx, registerInput("DUP@agency.example"))
	assertClassified(t, err, http.StatusConflict, apierr.CodeUniqueViolation)
	assert.ErrorIs(t, err, identity.ErrEmailTaken)
}

func TestVerify_MarksEmailVerifiedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account, err := f.svc.Register(ctx, registerInput("verify@talent.example"))
	require.NoError(t, err)
	raw := verification.TokenFromURL(f.outbox.last(account.Email))

	outcome, err := f.svc.Verify(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, verification.Consumed, outcome)

	stored, err := f.identities.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, stored.EmailVerified)

	outcome, err = f.svc.Verify(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, verification.Used, outcome)
}

func TestVerify_ExpiredLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account, err := f.svc.Register(ctx, registerInput("late@talent.example"))
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	outcome, err := f.svc.Verify(ctx, verification.TokenFromURL(f.outbox.last(account.Email)))
	require.NoError(t, err)
	assert.Equal(t, verification.Expired, outcome)

	stored, err := f.identities.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.False(t, stored.EmailVerified)
}

func TestVerify_UnknownToken(t *testing.T) {
	f := newFixture(t)
	outcome, err := f.svc.Verify(context.Background(), "not-a-token")
	require.NoError(t, err)
	assert.Equal(t, verification.NotFound, outcome)
}

func TestResendVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account, err := f.svc.Register(ctx, registerInput("resend@talent.example"))
	require.NoError(t, err)
	first := f.outbox.last(account.Email)

	f.svc.ResendVerification(ctx, "Resend@Talent.Example")
	require.Equal(t, 2, f.outbox.count(account.Email))
	assert.NotEqual(t, first, f.outbox.last(account.Email))

	f.svc.ResendVerification(ctx, "nobody@talent.example")
	assert.Zero(t, f.outbox.count("nobody@talent.example"))

	_, err = f.svc.Verify(ctx, verification.TokenFromURL(f.outbox.last(account.Email)))
	require.NoError(t, err)
	f.svc.ResendVerification(ctx, account.Email)
	assert.Equal(t, 2, f.outbox.count(account.Email), "verified accounts get no new link")
}

func TestLogin_IssuesTokenPair(t *testing.T) {
	f := newFixture(t)
	account := f.verified(t, "login@agency.example")

	session, err := f.svc.Login(context.Background(), "LOGIN@agency.example", password)
	require.NoError(t, err)
	assert.Equal(t, account.ID, session.Identity.ID)

	claims, err := f.tokens.VerifyAccessToken(session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, account.ID.String(), claims.SubjectID)
	assert.Equal(t, "login@agency.example", claims.Email)
	assert.Equal(t, "TALENT", claims.Role)

	_, err = f.tokens.VerifyRefreshToken(session.RefreshToken)
	require.NoError(t, err)
}

func TestLogin_CountsOneTokenOfEachKind(t *testing.T) {
	f := newFixture(t)
	account := f.verified(t, "metrics@agency.example")
	issued := observability.NewMetrics(prometheus.NewRegistry()).TokensIssued
	access := testutil.ToFloat64(issued.WithLabelValues("access"))
	refresh := testutil.ToFloat64(issued.WithLabelValues("refresh"))

	session, err := f.svc.Login(context.Background(), account.Email, password)
	require.NoError(t, err)
	assert.InDelta(t, access+1, testutil.ToFloat64(issued.WithLabelValues("access")), 0)
	assert.InDelta(t, refresh+1, testutil.ToFloat64(issued.WithLabelValues("refresh")), 0)

	_, err = f.svc.Refresh(context.Background(), session.RefreshToken)
	require.NoError(t, err)
	assert.InDelta(t, access+2, testutil.ToFloat64(issued.WithLabelValues("access")), 0)
	assert.InDelta(t, refresh+2, testutil.ToFloat64(issued.WithLabelValues("refresh")), 0)
}

func TestLogin_UnknownEmailAndWrongPasswordLookAlike(t *testing.T) {
	f := newFixture(t)
	f.verified(t, "known@talent.example")
	ctx := context.Background()

	_, unknown := f.svc.Login(ctx, "unknown@talent.example", password)
	_, wrong := f.svc.Login(ctx, "known@talent.example", "not the password")

	assertClassified(t, unknown, http.StatusUnauthorized, auth.CodeInvalidCredentials)
	assertClassified(t, wrong, http.StatusUnauthorized, auth.CodeInvalidCredentials)
	assert.Equal(t, apierr.Classify(unknown).Message, apierr.Classify(wrong).Message)
}

func TestLogin_UnverifiedEmail(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Register(context.Background(), registerInput("pending@talent.example"))
	require.NoError(t, err)

	_, err = f.svc.Login(context.Background(), "pending@talent.example", password)
	assertClassified(t, err, http.StatusForbidden, auth.CodeEmailNotVerified)
}

func TestLogin_LocksAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)
	account := f.verified(t, "locked@talent.example")
	ctx := context.Background()

	for range identity.LockoutThreshold {
		_, err := f.svc.Login(ctx, account.Email, "wrong")
		assertClassified(t, err, http.StatusUnauthorized, auth.CodeInvalidCredentials)
	}

	_, err := f.svc.Login(ctx, account.Email, password)
	assertClassified(t, err, http.StatusForbidden, auth.CodeAccountLocked)
	errutil.AssertErrorCode(t, err, "AUTH_ACCOUNT_LOCKED")

	f.clock.Advance(identity.LockoutDuration)
	_, err = f.svc.Login(ctx, account.Email, password)
	require.NoError(t, err)

	stored, err := f.identities.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.FailedAttempts)
	assert.Nil(t, stored.LockedUntil)
}

func TestLogin_UpgradesBcryptHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	legacy, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	account := identity.New("legacy@agency.example", string(legacy), identity.RoleAgency, f.clock.Now())
	account.EmailVerified = true
	require.NoError(t, f.identities.Create(ctx, account))

	_, err = f.svc.Login(ctx, account.Email, password)
	require.NoError(t, err)

	stored, err := f.identities.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stored.PasswordHash, "$argon2id$"))

	_, err = f.svc.Login(ctx, account.Email, password)
	require.NoError(t, err)
}

func TestLogin_CorruptHashIsEncryptionError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := identity.New("corrupt@agency.example", "$2a$10$short", identity.RoleAgency, f.clock.Now())
	account.EmailVerified = true
	require.NoError(t, f.identities.Create(ctx, account))

	_, err := f.svc.Login(ctx, account.Email, password)
	assertClassified(t, err, http.StatusInternalServerError, apierr.CodeEncryption)
}

func TestRefresh_RotatesPair(t *testing.T) {
	f := newFixture(t)
	f.verified(t, "refresh@talent.example")
	ctx := context.Background()
	first, err := f.svc.Login(ctx, "refresh@talent.example", password)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	second, err := f.svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, first.Identity.ID, second.Identity.ID)
}

func TestRefresh_Rejects(t *testing.T) {
	f := newFixture(t)
	account := f.verified(t, "gone@talent.example")
	ctx := context.Background()
	session, err := f.svc.Login(ctx, account.Email, password)
	require.NoError(t, err)

	t.Run("access token", func(t *testing.T) {
		_, err := f.svc.Refresh(ctx, session.AccessToken)
		assertClassified(t, err, http.StatusUnauthorized, failure.CodeInvalidToken)
	})
	t.Run("expired", func(t *testing.T) {
		f.clock.Advance(8 * 24 * time.Hour)
		defer f.clock.Advance(-8 * 24 * time.Hour)
		_, err := f.svc.Refresh(ctx, session.RefreshToken)
		assertClassified(t, err, http.StatusUnauthorized, failure.CodeTokenExpired)
	})
	t.Run("deleted identity", func(t *testing.T) {
		require.NoError(t, f.identities.Delete(ctx, account.ID))
		_, err := f.svc.Refresh(ctx, session.RefreshToken)
		assertClassified(t, err, http.StatusUnauthorized, failure.CodeInvalidToken)
	})
}

func TestMe(t *testing.T) {
	f := newFixture(t)
	account := f.verified(t, "me@talent.example")
	ctx := context.Background()
	session, err := f.svc.Login(ctx, account.Email, password)
	require.NoError(t, err)

	got, err := f.svc.Me(ctx, session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, account.ID, got.ID)

	_, err = f.svc.Me(ctx, session.RefreshToken)
	assertClassified(t, err, http.StatusUnauthorized, failure.CodeInvalidToken)

	f.clock.Advance(16 * time.Minute)
	_, err = f.svc.Me(ctx, session.AccessToken)
	assertClassified(t, err, http.StatusUnauthorized, failure.CodeTokenExpired)
}

func TestMe_DeletedIdentityIsNotFound(t *testing.T) {
	f := newFixture(t)
	account := f.verified(t, "deleted@talent.example")
	ctx := context.Background()
	session, err := f.svc.Login(ctx, account.Email, password)
	require.NoError(t, err)
	require.NoError(t, f.identities.Delete(ctx, account.ID))

	_, err = f.svc.Me(ctx, session.AccessToken)
	assertClassified(t, err, http.StatusNotFound, "NOT_FOUND")
	assert.ErrorIs(t, err, identity.ErrNotFound)
}

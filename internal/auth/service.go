// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/castline/castline/internal/failure"
	"github.com/castline/castline/internal/identity"
	"github.com/castline/castline/internal/token"
	"github.com/castline/castline/internal/verification"
)

// Failure codes reported by Login.
const (
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeEmailNotVerified   = "EMAIL_NOT_VERIFIED"
	CodeAccountLocked      = "ACCOUNT_LOCKED"
)

// Hasher hashes passwords and can burn the time of a verification when
// there is no account to verify against.
type Hasher interface {
	identity.PasswordHasher
	VerifyDummy(password string)
}

// RegisterInput is a registration request after decoding.
type RegisterInput struct {
	Email           string
	Password        string
	ConfirmPassword string
	Role            string
	AcceptTerms     bool
	AcceptPrivacy   bool
}

// Session is the result of a successful login or refresh.
type Session struct {
	Identity     *identity.Identity
	AccessToken  string
	RefreshToken string
}

// Service provides the account operations behind the auth routes.
type Service struct {
	identities identity.Repository
	hasher     Hasher
	tokens     *token.Codec
	verify     *verification.Service
	mailer     Mailer
	verifyTTL  time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithMailer replaces the default LogMailer.
func WithMailer(m Mailer) ServiceOption {
	return func(s *Service) { s.mailer = m }
}

// WithVerificationTTL sets how long verification links stay valid.
func WithVerificationTTL(d time.Duration) ServiceOption {
	return func(s *Service) { s.verifyTTL = d }
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithClock replaces time.Now for lockout bookkeeping.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service.
func NewService(identities identity.Repository, hasher Hasher, tokens *token.Codec, verify *verification.Service, opts ...ServiceOption) *Service {
	s := &Service{
		identities: identities,
		hasher:     hasher,
		tokens:     tokens,
		verify:     verify,
		verifyTTL:  24 * time.Hour,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.mailer == nil {
		s.mailer = LogMailer{Logger: s.logger}
	}
	return s
}

// Register creates an unverified identity and sends it a verification link.
// A taken email surfaces as the repository's unique constraint failure.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*identity.Identity, error) {
	if !in.AcceptTerms || !in.AcceptPrivacy {
		return nil, failure.Status(http.StatusBadRequest, failure.CodeConsentRequired)
	}
	if in.Password != in.ConfirmPassword {
		return nil, failure.Status(http.StatusBadRequest, failure.CodePasswordsDiffer)
	}
	role, ok := identity.ParseRole(in.Role)
	if !ok {
		return nil, failure.Validation("role must be TALENT or AGENCY")
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "hash password").
			Wrap(failure.Crypto(err))
	}

	account := identity.New(in.Email, hash, role, s.now())
	if err := s.identities.Create(ctx, account); err != nil {
		return nil, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "create identity").
			Wrap(err)
	}
	s.logger.InfoContext(ctx, "identity registered", "user_id", account.ID.String(), "role", account.Role)

	if err := s.sendVerification(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// ResendVerification sends a fresh link to an unverified account. Unknown
// and already verified emails are ignored so that callers cannot probe for
// accounts; failures are logged, not returned.
func (s *Service) ResendVerification(ctx context.Context, email string) {
	account, err := s.identities.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, identity.ErrNotFound) {
			s.logger.WarnContext(ctx, "resend verification lookup failed", "error", err)
		}
		return
	}
	if account.EmailVerified {
		return
	}
	if err := s.sendVerification(ctx, account); err != nil {
		s.logger.WarnContext(ctx, "resend verification failed", "user_id", account.ID.String(), "error", err)
	}
}

func (s *Service) sendVerification(ctx context.Context, account *identity.Identity) error {
	issued, err := s.verify.Issue(ctx, account.ID.String(), s.verifyTTL)
	if err != nil {
		return oops.Code("AUTH_VERIFICATION_FAILED").
			With("operation", "issue token").
			With("user_id", account.ID.String()).
			Wrap(err)
	}
	if err := s.mailer.SendVerification(ctx, account.Email, issued.URL); err != nil {
		return oops.Code("AUTH_VERIFICATION_FAILED").
			With("operation", "send email").
			With("user_id", account.ID.String()).
			Wrap(err)
	}
	return nil
}

// Verify redeems a verification token. Only a Consumed outcome marks the
// email verified; every other outcome is returned without error.
func (s *Service) Verify(ctx context.Context, raw string) (verification.Outcome, error) {
	res, err := s.verify.Consume(ctx, raw)
	if err != nil {
		return "", err
	}
	if res.Outcome != verification.Consumed {
		return res.Outcome, nil
	}

	id, err := ulid.Parse(res.UserID)
	if err != nil {
		return "", oops.Code("AUTH_VERIFY_FAILED").
			With("user_id", res.UserID).
			Wrap(errors.Join(verification.ErrCorrupted, err))
	}
	if err := s.identities.MarkEmailVerified(ctx, id); err != nil {
		return "", oops.Code("AUTH_VERIFY_FAILED").
			With("operation", "mark email verified").
			With("user_id", res.UserID).
			Wrap(err)
	}
	return verification.Consumed, nil
}

// Login checks credentials and issues a token pair. Unknown emails and
// wrong passwords fail identically and take the same time. The lockout and
// verification checks come after the password check.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	account, err := s.identities.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, identity.ErrNotFound) {
			return Session{}, oops.Code("AUTH_LOGIN_FAILED").
				With("operation", "get identity by email").
				Wrap(err)
		}
		s.hasher.VerifyDummy(password)
		return Session{}, invalidCredentials()
	}

	valid, err := s.hasher.Verify(password, account.PasswordHash)
	if err != nil {
		return Session{}, oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "verify password").
			With("user_id", account.ID.String()).
			Wrap(failure.Crypto(err))
	}

	now := s.now()
	if !valid {
		account.RecordFailure(now)
		//nolint:errcheck // best effort, the caller gets the same failure either way
		s.identities.Update(ctx, account)
		state := identity.CheckFailures(account.FailedAttempts, account.LockedUntil, now)
		s.logger.InfoContext(ctx, "login failed",
			"user_id", account.ID.String(),
			"failed_attempts", account.FailedAttempts,
			"locked", state.IsLockedOut,
			"retry_after", state.Delay)
		return Session{}, invalidCredentials()
	}

	if account.IsLocked(now) {
		return Session{}, oops.Code("AUTH_ACCOUNT_LOCKED").
			With("user_id", account.ID.String()).
			With("remaining", account.LockedUntil.Sub(now)).
			Wrap(failure.HTTP(http.StatusForbidden, CodeAccountLocked, "Account is temporarily locked"))
	}
	if !account.EmailVerified {
		return Session{}, failure.HTTP(http.StatusForbidden, CodeEmailNotVerified, "Email address has not been verified")
	}

	account.RecordSuccess(now)
	if s.hasher.NeedsUpgrade(account.PasswordHash) {
		if upgraded, err := s.hasher.Hash(password); err == nil {
			account.PasswordHash = upgraded
		}
	}
	//nolint:errcheck // best effort, login succeeds regardless
	s.identities.Update(ctx, account)

	return s.issue(account)
}

// Refresh verifies a refresh token and issues a new pair for the identity it
// names. A token for a deleted identity is invalid.
func (s *Service) Refresh(ctx context.Context, raw string) (Session, error) {
	claims, err := s.tokens.VerifyRefreshToken(raw)
	if err != nil {
		return Session{}, err
	}
	account, err := s.lookup(ctx, claims.SubjectID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return Session{}, failure.Token(failure.CodeInvalidToken, err)
		}
		return Session{}, err
	}
	return s.issue(account)
}

// Me resolves the identity behind an access token. A valid token whose
// identity no longer exists is a 404.
func (s *Service) Me(ctx context.Context, raw string) (*identity.Identity, error) {
	claims, err := s.tokens.VerifyAccessToken(raw)
	if err != nil {
		return nil, err
	}
	account, err := s.lookup(ctx, claims.SubjectID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, identity.NotFound()
		}
		return nil, err
	}
	return account, nil
}

func (s *Service) lookup(ctx context.Context, subject string) (*identity.Identity, error) {
	id, err := ulid.Parse(subject)
	if err != nil {
		return nil, failure.Token(failure.CodeInvalidToken, err)
	}
	return s.identities.GetByID(ctx, id)
}

func (s *Service) issue(account *identity.Identity) (Session, error) {
	claims := token.Claims{
		SubjectID: account.ID.String(),
		Email:     account.Email,
		Role:      string(account.Role),
	}
	access, err := s.tokens.IssueAccessToken(claims)
	if err != nil {
		return Session{}, oops.Code("AUTH_TOKEN_ISSUE_FAILED").With("use", token.UseAccess).Wrap(err)
	}
	refresh, err := s.tokens.IssueRefreshToken(claims)
	if err != nil {
		return Session{}, oops.Code("AUTH_TOKEN_ISSUE_FAILED").With("use", token.UseRefresh).Wrap(err)
	}
	return Session{Identity: account, AccessToken: access, RefreshToken: refresh}, nil
}

func invalidCredentials() error {
	return failure.HTTP(http.StatusUnauthorized, CodeInvalidCredentials, "Invalid email or password")
}

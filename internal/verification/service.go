// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package verification

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/samber/oops"

	"github.com/castline/castline/internal/logging"
	"github.com/castline/castline/internal/observability"
)

// VerifyPath is the redemption path under the public web origin.
const VerifyPath = "/auth/verify"

// Issued describes a freshly issued token.
type Issued struct {
	URL       string
	ExpiresAt time.Time
}

// Result is the outcome of a redemption. UserID is set only for Consumed.
type Result struct {
	Outcome Outcome
	UserID  string
}

// Service issues and redeems verification tokens over a Store.
type Service struct {
	store     Store
	webOrigin string
	showRaw   bool
	logger    *slog.Logger
	now       func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithServiceLogger sets the service logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithRawTokenLogging logs issued raw tokens unmasked. Only for development
// and test environments.
func WithRawTokenLogging(enabled bool) ServiceOption {
	return func(s *Service) { s.showRaw = enabled }
}

// NewService creates a Service whose redemption URLs point at webOrigin.
func NewService(store Store, webOrigin string, opts ...ServiceOption) *Service {
	s := &Service{
		store:     store,
		webOrigin: webOrigin,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue creates a token for userID valid for ttl and returns its redemption
// URL. The raw token appears only in the URL.
func (s *Service) Issue(ctx context.Context, userID string, ttl time.Duration) (Issued, error) {
	if userID == "" {
		return Issued{}, oops.Code("VERIFICATION_ISSUE_FAILED").Errorf("user id is required")
	}
	if ttl <= 0 {
		return Issued{}, oops.Code("VERIFICATION_ISSUE_FAILED").With("ttl", ttl).Errorf("ttl must be positive")
	}

	raw, hash, err := GenerateToken()
	if err != nil {
		return Issued{}, oops.Code("VERIFICATION_ISSUE_FAILED").
			With("operation", "GenerateToken").
			Wrap(err)
	}

	expiresAt := s.now().Add(ttl)
	if err := s.store.Save(ctx, Record{Hash: hash, UserID: userID, ExpiresAt: expiresAt}); err != nil {
		return Issued{}, oops.Code("VERIFICATION_ISSUE_FAILED").
			With("operation", "Save").
			With("user_id", userID).
			Wrap(err)
	}

	shown := logging.Mask(raw)
	if s.showRaw {
		shown = raw
	}
	s.logger.InfoContext(ctx, "verification token issued",
		"user_id", userID, "token", shown, "expires_at", expiresAt)
	observability.RecordTokenIssued("verification")

	return Issued{URL: s.redemptionURL(raw), ExpiresAt: expiresAt}, nil
}

// Consume redeems a raw token. Malformed input is reported as NotFound
// without touching the store.
func (s *Service) Consume(ctx context.Context, raw string) (Result, error) {
	if !wellFormed(raw) {
		observability.RecordVerificationOutcome(string(NotFound))
		return Result{Outcome: NotFound}, nil
	}

	r, outcome, err := s.store.Consume(ctx, HashToken(raw), s.now())
	if err != nil {
		return Result{}, oops.Code("VERIFICATION_CONSUME_FAILED").
			With("operation", "Consume").
			Wrap(err)
	}
	observability.RecordVerificationOutcome(string(outcome))

	if outcome != Consumed {
		s.logger.DebugContext(ctx, "verification token rejected", "outcome", outcome)
		return Result{Outcome: outcome}, nil
	}
	s.logger.InfoContext(ctx, "verification token consumed", "user_id", r.UserID)
	return Result{Outcome: Consumed, UserID: r.UserID}, nil
}

func (s *Service) redemptionURL(raw string) string {
	q := url.Values{"token": []string{raw}}
	return s.webOrigin + VerifyPath + "?" + q.Encode()
}

// TokenFromURL extracts the raw token from a redemption URL.
func TokenFromURL(redemption string) string {
	u, err := url.Parse(redemption)
	if err != nil {
		return ""
	}
	return u.Query().Get("token")
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package auth_test

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/castline/castline/internal/apierr"
	"github.com/castline/castline/internal/auth"
	"github.com/castline/castline/internal/config"
	"github.com/castline/castline/internal/cookie"
	"github.com/castline/castline/internal/identity"
	"github.com/castline/castline/internal/logging"
	"github.com/castline/castline/internal/token"
	"github.com/castline/castline/internal/verification"
)

const (
	webOrigin = "http://web.test"
	password  = "correct horse battery"
)

var cheapParams = identity.Argon2Params{Time: 1, Memory: 1024, Threads: 1, SaltLen: 16, KeyLen: 32}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// outbox records verification links instead of sending them.
type outbox struct {
	mu    sync.Mutex
	links map[string][]string
}

func (o *outbox) SendVerification(_ context.Context, email, link string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.links == nil {
		o.links = map[string][]string{}
	}
	o.links[email] = append(o.links[email], link)
	return nil
}

func (o *outbox) last(email string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	links := o.links[email]
	if len(links) == 0 {
		return ""
	}
	return links[len(links)-1]
}

func (o *outbox) count(email string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.links[email])
}

type fixture struct {
	clock      *clock
	identities *identity.MemoryRepository
	hasher     *identity.Argon2idHasher
	tokens     *token.Codec
	outbox     *outbox
	svc        *auth.Service
	cookies    *cookie.Policy
	server     *httptest.Server
}

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:      &clock{now: time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)},
		identities: identity.NewMemoryRepository(),
		hasher:     identity.NewArgon2idHasherWithParams(cheapParams),
		outbox:     &outbox{},
	}

	var err error
	f.tokens, err = token.NewCodec(config.Token{
		AccessSecret:  "access-secret-for-tests",
		RefreshSecret: "refresh-secret-for-tests",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		Issuer:        "castline",
	}, token.WithClock(f.clock.Now))
	require.NoError(t, err)

	store := verification.NewMemoryStore(verification.WithLogger(discard()))
	verify := verification.NewService(store, webOrigin,
		verification.WithClock(f.clock.Now),
		verification.WithServiceLogger(discard()))

	f.svc = auth.NewService(f.identities, f.hasher, f.tokens, verify,
		auth.WithMailer(f.outbox),
		auth.WithVerificationTTL(time.Hour),
		auth.WithLogger(discard()),
		auth.WithClock(f.clock.Now))

	f.cookies = cookie.NewPolicy(config.Cookie{
		Env:        config.Test,
		AccessTTL:  "15m",
		RefreshTTL: "7d",
	})
	h, err := auth.NewHandler(f.svc, f.cookies, apierr.NewWriter(discard()), webOrigin)
	require.NoError(t, err)

	f.server = httptest.NewServer(logging.AccessLog(discard(), h.Routes()))
	t.Cleanup(f.server.Close)
	return f
}

func registerInput(email string) auth.RegisterInput {
	return auth.RegisterInput{
		Email:           email,
		Password:        password,
		ConfirmPassword: password,
		Role:            "TALENT",
		AcceptTerms:     true,
		AcceptPrivacy:   true,
	}
}

// verified registers email and redeems its verification link.
func (f *fixture) verified(t *testing.T, email string) *identity.Identity {
	t.Helper()
	ctx := context.Background()
	account, err := f.svc.Register(ctx, registerInput(email))
	require.NoError(t, err)
	outcome, err := f.svc.Verify(ctx, verification.TokenFromURL(f.outbox.last(account.Email)))
	require.NoError(t, err)
	require.Equal(t, verification.Consumed, outcome)
	return account
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package verification_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/castline/castline/internal/verification"
)

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

func newClock() *clock {
	return &clock{now: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
}

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func newService(store verification.Store, c *clock, opts ...verification.ServiceOption) *verification.Service {
	opts = append([]verification.ServiceOption{
		verification.WithClock(c.Now),
		verification.WithServiceLogger(discard()),
	}, opts...)
	return verification.NewService(store, "https://castline.test", opts...)
}

func TestService_IssueBuildsRedemptionURL(t *testing.T) {
	c := newClock()
	store := verification.NewMemoryStore(verification.WithLogger(discard()))
	svc := newService(store, c)

	issued, err := svc.Issue(context.Background(), "user-1", 24*time.Hour)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(issued.URL, "https://castline.test/auth/verify?token="))
	raw := verification.TokenFromURL(issued.URL)
	assert.Len(t, raw, 64)
	assert.NotContains(t, issued.URL, verification.HashToken(raw))
	assert.Equal(t, c.Now().Add(24*time.Hour), issued.ExpiresAt)
}

func TestService_IssueValidatesInput(t *testing.T) {
	svc := newService(verification.NewMemoryStore(), newClock())

	_, err := svc.Issue(context.Background(), "", time.Hour)
	assert.Error(t, err)
	_, err = svc.Issue(context.Background(), "u", 0)
	assert.Error(t, err)
}

func TestService_IssueMasksRawToken(t *testing.T) {
	for _, showRaw := range []bool{false, true} {
		var logs bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&logs, nil))
		svc := verification.NewService(verification.NewMemoryStore(), "https://castline.test",
			verification.WithServiceLogger(logger), verification.WithRawTokenLogging(showRaw))

		issued, err := svc.Issue(context.Background(), "u", time.Hour)
		require.NoError(t, err)

		raw := verification.TokenFromURL(issued.URL)
		if showRaw {
			assert.Contains(t, logs.String(), raw)
		} else {
			assert.NotContains(t, logs.String(), raw)
			assert.Contains(t, logs.String(), raw[:4]+"****")
		}
	}
}

func TestService_ConsumeMalformedIsNotFound(t *testing.T) {
	store := &mockStore{}
	svc := newService(store, newClock())

	for _, raw := range []string{"", "short", strings.Repeat("z", 64)} {
		res, err := svc.Consume(context.Background(), raw)
		require.NoError(t, err)
		assert.Equal(t, verification.NotFound, res.Outcome)
	}
	store.AssertNotCalled(t, "Consume", mock.Anything, mock.Anything, mock.Anything)
}

func TestService_ConsumeStoreError(t *testing.T) {
	store := &mockStore{}
	store.On("Consume", mock.Anything, mock.Anything, mock.Anything).
		Return(verification.Record{}, verification.Outcome(""), errors.New("connection reset"))
	svc := newService(store, newClock())

	_, err := svc.Consume(context.Background(), strings.Repeat("ab", 32))
	assert.ErrorContains(t, err, "connection reset")
	store.AssertExpectations(t)
}

func TestService_ExpiryDominates(t *testing.T) {
	c := newClock()
	svc := newService(verification.NewMemoryStore(verification.WithLogger(discard())), c)

	issued, err := svc.Issue(context.Background(), "u", time.Second)
	require.NoError(t, err)
	c.Advance(2 * time.Second)

	res, err := svc.Consume(context.Background(), verification.TokenFromURL(issued.URL))
	require.NoError(t, err)
	assert.Equal(t, verification.Expired, res.Outcome)
	assert.Empty(t, res.UserID)
}

func TestService_ConcurrentRedemption(t *testing.T) {
	c := newClock()
	svc := newService(verification.NewMemoryStore(verification.WithLogger(discard())), c)
	issued, err := svc.Issue(context.Background(), "u", time.Hour)
	require.NoError(t, err)
	raw := verification.TokenFromURL(issued.URL)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Consume(context.Background(), raw)
			assert.NoError(t, err)
			if res.Outcome == verification.Consumed {
				mu.Lock()
				successes++
				mu.Unlock()
			} else {
				assert.Contains(t, []verification.Outcome{verification.Used, verification.NotFound}, res.Outcome)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Save(ctx context.Context, r verification.Record) error {
	return m.Called(ctx, r).Error(0)
}

func (m *mockStore) Consume(ctx context.Context, hash string, now time.Time) (verification.Record, verification.Outcome, error) {
	args := m.Called(ctx, hash, now)
	return args.Get(0).(verification.Record), args.Get(1).(verification.Outcome), args.Error(2)
}

func (m *mockStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	args := m.Called(ctx, now)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) Reset(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/oops"

	"github.com/castline/castline/internal/observability"
	"github.com/castline/castline/pkg/errutil"
)

// DefaultSweepInterval is used when no interval is configured.
const DefaultSweepInterval = time.Minute

// Sweeper periodically evicts used and expired records.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepClock replaces time.Now for expiry comparisons.
func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// WithSweepLogger sets the sweeper logger.
func WithSweepLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = logger }
}

// NewSweeper creates a Sweeper. A non-positive interval uses
// DefaultSweepInterval.
func NewSweeper(store Store, interval time.Duration, opts ...SweeperOption) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	s := &Sweeper{
		store:    store,
		interval: interval,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps every interval until ctx is cancelled. It never returns early
// because of a sweep failure.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // failures are logged inside; the loop keeps running
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep. A corrupted store, or a panicking one, is
// reset to empty; the returned error is then nil because the store has
// healed. Other errors are returned for the caller to log.
func (s *Sweeper) SweepOnce(ctx context.Context) (n int, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.ErrorContext(ctx, "verification sweep panicked", "panic", fmt.Sprint(p))
			n, err = 0, s.heal(ctx)
		}
	}()

	n, err = s.store.Sweep(ctx, s.now())
	switch {
	case errors.Is(err, ErrCorrupted):
		errutil.LogErrorContext(ctx, s.logger, "verification store corrupted", err)
		return 0, s.heal(ctx)
	case err != nil:
		errutil.LogErrorContext(ctx, s.logger, "verification sweep failed", err)
		return 0, err
	}

	observability.RecordSweep(n)
	if n > 0 {
		s.logger.DebugContext(ctx, "verification records swept", "count", n)
	}
	return n, nil
}

func (s *Sweeper) heal(ctx context.Context) error {
	observability.RecordStoreReset()
	if err := s.store.Reset(ctx); err != nil {
		errutil.LogErrorContext(ctx, s.logger, "verification store reset failed", err)
		return oops.Code("VERIFICATION_RESET_FAILED").Wrap(err)
	}
	s.logger.WarnContext(ctx, "verification store reset to empty")
	return nil
}

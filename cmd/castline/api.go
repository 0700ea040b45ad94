// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package main

import (
	"context"
	"sync"

	"github.com/spf13/cobra"

	"github.com/castline/castline/internal/apierr"
	"github.com/castline/castline/internal/auth"
	"github.com/castline/castline/internal/cookie"
	"github.com/castline/castline/internal/identity"
	"github.com/castline/castline/internal/logging"
	"github.com/castline/castline/internal/token"
	"github.com/castline/castline/internal/verification"
)

func newAPICmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Start the internal auth API",
		Long: `Start the internal auth API: registration, email verification,
login, token refresh and identity lookup.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAPI(cmd.Context(), cmd, deps.withDefaults())
		},
	}

	cmd.Flags().String("api-addr", "", "listen address (default :4000)")
	cmd.Flags().String("metrics-addr", "", "observability server address, empty disables it")
	cmd.Flags().String("database-url", "", "PostgreSQL connection URL for identities")
	cmd.Flags().String("redis-url", "", "Redis URL for the redis verification backend")
	cmd.Flags().String("verification-backend", "", "verification store backend (memory, postgres, redis)")
	cmd.Flags().String("snapshot", "", "snapshot file for the memory backend")
	cmd.Flags().String("sweep-interval", "", "verification sweep interval")
	cmd.Flags().String("web-origin", "", "public web origin used in verification links")

	return cmd
}

func runAPI(ctx context.Context, cmd *cobra.Command, deps *Deps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogging(cmd, "castline-api", cfg.LogFormat)

	if err := cfg.ValidateTokens(); err != nil {
		return err
	}
	if err := cfg.ValidateStorage(); err != nil {
		return err
	}
	codec, err := token.NewCodec(cfg.Token)
	if err != nil {
		return err
	}

	b, err := openBackends(ctx, cfg, deps, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	verifier := verification.NewService(b.store, cfg.WebOrigin,
		verification.WithServiceLogger(logger),
		verification.WithRawTokenLogging(cfg.Env.ExposesSecrets()),
	)
	svc := auth.NewService(b.identities, identity.NewArgon2idHasher(), codec, verifier,
		auth.WithLogger(logger),
		auth.WithVerificationTTL(cfg.Verification.TTL),
		auth.WithMailer(auth.LogMailer{Logger: logger, ShowLinks: cfg.Env.ExposesSecrets()}),
	)
	handler, err := auth.NewHandler(svc, cookie.NewPolicy(cfg.Cookie), apierr.NewWriter(logger), cfg.WebOrigin)
	if err != nil {
		return err
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		verification.NewSweeper(b.store, cfg.Verification.SweepInterval,
			verification.WithSweepLogger(logger)).Run(sweepCtx)
	}()
	defer func() {
		stopSweep()
		wg.Wait()
	}()

	return serve(ctx, cmd, serveConfig{
		name:        "api",
		addr:        cfg.APIAddr,
		metricsAddr: cfg.MetricsAddr,
		handler:     logging.AccessLog(logger, handler.Routes()),
		ready:       b.ready,
	}, deps, logger)
}

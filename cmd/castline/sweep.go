// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/castline/castline/internal/verification"
)

func newSweepCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Evict used and expired verification tokens once",
		Long: `Run a single verification store sweep against the configured
backend and exit. A corrupted store is reset to empty.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSweep(cmd.Context(), cmd, deps.withDefaults())
		},
	}
	cmd.Flags().String("database-url", "", "PostgreSQL connection URL")
	cmd.Flags().String("redis-url", "", "Redis URL")
	cmd.Flags().String("verification-backend", "", "verification store backend (memory, postgres, redis)")
	cmd.Flags().String("snapshot", "", "snapshot file for the memory backend")
	return cmd
}

func runSweep(ctx context.Context, cmd *cobra.Command, deps *Deps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogging(cmd, "castline-sweep", cfg.LogFormat)
	if err := cfg.ValidateStorage(); err != nil {
		return err
	}

	b, err := openBackends(ctx, cfg, deps, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	n, err := verification.NewSweeper(b.store, cfg.Verification.SweepInterval,
		verification.WithSweepLogger(logger)).SweepOnce(ctx)
	if err != nil {
		return err
	}
	cmd.Printf("Swept %d verification tokens\n", n)
	return nil
}

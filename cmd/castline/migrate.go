// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package main

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/castline/castline/internal/store"
)

// migrator is the part of *store.Migrator the migrate commands use.
type migrator interface {
	Up() ([]store.Migration, error)
	Down() error
	Status() (store.Status, error)
	Force(version int) error
	Close() error
}

// migratorFactory opens a migrator; tests replace it.
var migratorFactory = func(databaseURL string) (migrator, error) {
	m, err := store.NewMigrator(databaseURL)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long: `Apply, roll back or inspect the identity and verification token
schema in the PostgreSQL database named by DATABASE_URL.`,
	}
	cmd.PersistentFlags().String("database-url", "", "PostgreSQL connection URL")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: withMigrator(func(cmd *cobra.Command, m migrator, _ []string) error {
			applied, err := m.Up()
			if err != nil {
				return oops.Code("MIGRATION_FAILED").With("operation", "up").Wrap(err)
			}
			if len(applied) == 0 {
				cmd.Println("Database is up to date")
				return nil
			}
			for _, mig := range applied {
				cmd.Printf("Applied %s\n", mig)
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations",
		RunE: withMigrator(func(cmd *cobra.Command, m migrator, _ []string) error {
			if err := m.Down(); err != nil {
				return oops.Code("MIGRATION_FAILED").With("operation", "down").Wrap(err)
			}
			cmd.Println("All migrations rolled back")
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: withMigrator(func(cmd *cobra.Command, m migrator, _ []string) error {
			st, err := m.Status()
			if err != nil {
				return err
			}
			printStatus(cmd, st)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "force VERSION",
		Short: "Set the schema version without running migrations",
		Long:  `Mark VERSION as applied and clear the dirty flag. Use after fixing a failed migration by hand.`,
		Args:  cobra.ExactArgs(1),
		RunE: withMigrator(func(cmd *cobra.Command, m migrator, args []string) error {
			version, err := parseForceVersion(args[0])
			if err != nil {
				return err
			}
			if err := m.Force(version); err != nil {
				return oops.Code("MIGRATION_FAILED").With("operation", "force").With("version", version).Wrap(err)
			}
			cmd.Printf("Forced version %d\n", version)
			return nil
		}),
	})

	return cmd
}

// withMigrator resolves DATABASE_URL, opens a migrator for the duration of
// run and closes it afterwards.
func withMigrator(run func(cmd *cobra.Command, m migrator, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return oops.Code("CONFIG_INVALID").Errorf("DATABASE_URL is required")
		}
		m, err := migratorFactory(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := m.Close(); closeErr != nil {
				cmd.PrintErrf("warning: closing migrator: %v\n", closeErr)
			}
		}()
		return run(cmd, m, args)
	}
}

// parseForceVersion parses the version argument of migrate force. -1 is
// valid and means "no version".
func parseForceVersion(s string) (int, error) {
	version, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, oops.Code("INVALID_VERSION").With("input", s).Wrap(err)
	}
	return version, nil
}

func printStatus(cmd *cobra.Command, st store.Status) {
	cmd.Printf("Version: %d", st.Version)
	if st.Dirty {
		cmd.Print(" (dirty)")
	}
	cmd.Println()
	for _, mig := range st.Applied {
		cmd.Printf("  [x] %s\n", mig)
	}
	for _, mig := range st.Pending {
		cmd.Printf("  [ ] %s\n", mig)
	}
}

// warnIfSchemaBehind logs when the database has pending migrations or is
// dirty. Startup goes on either way; queries against missing tables fail
// on their own.
func warnIfSchemaBehind(databaseURL string, logger *slog.Logger) {
	m, err := migratorFactory(databaseURL)
	if err != nil {
		logger.Warn("could not check schema version", "error", err)
		return
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("error closing migrator", "error", err)
		}
	}()

	st, err := m.Status()
	switch {
	case err != nil:
		logger.Warn("could not check schema version", "error", err)
	case st.Dirty:
		logger.Warn("schema is dirty, run castline migrate force after fixing it", "version", st.Version)
	case len(st.Pending) > 0:
		logger.Warn("schema has pending migrations, run castline migrate up",
			"version", st.Version,
			"pending", len(st.Pending))
	}
}

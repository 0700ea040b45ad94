// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package store

import (
	"cmp"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	// Register pgx/v5 database driver for golang-migrate.
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/samber/oops"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"

// Migration is one embedded schema step.
type Migration struct {
	Version uint
	Name    string
}

// String returns the file stem, e.g. "000002_verification_tokens".
func (m Migration) String() string {
	return fmt.Sprintf("%06d_%s", m.Version, m.Name)
}

// embedded parses the migrations directory once. Every NNNNNN_name.up.sql
// needs a matching down file; anything else in the directory is an error.
var embedded = sync.OnceValues(func() ([]Migration, error) {
	return parseMigrations(migrationsFS)
})

// Migrations returns the embedded migrations in ascending version order.
func Migrations() ([]Migration, error) {
	all, err := embedded()
	if err != nil {
		return nil, err
	}
	return slices.Clone(all), nil
}

func parseMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, oops.Code("MIGRATION_SOURCE_INVALID").With("operation", "read migrations dir").Wrap(err)
	}

	downs := make(map[string]bool)
	var out []Migration
	for _, entry := range entries {
		name := entry.Name()
		if stem, ok := strings.CutSuffix(name, ".down.sql"); ok {
			downs[stem] = true
			continue
		}
		stem, ok := strings.CutSuffix(name, ".up.sql")
		if !ok {
			return nil, oops.Code("MIGRATION_SOURCE_INVALID").With("file", name).Errorf("not a migration file")
		}
		digits, label, ok := strings.Cut(stem, "_")
		version, err := strconv.ParseUint(digits, 10, 32)
		if !ok || len(digits) != 6 || label == "" || err != nil || version == 0 {
			return nil, oops.Code("MIGRATION_SOURCE_INVALID").With("file", name).Errorf("want NNNNNN_name.up.sql")
		}
		out = append(out, Migration{Version: uint(version), Name: label})
	}

	slices.SortFunc(out, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	for i, m := range out {
		if !downs[m.String()] {
			return nil, oops.Code("MIGRATION_SOURCE_INVALID").With("migration", m.String()).Errorf("missing down migration")
		}
		if i > 0 && out[i-1].Version == m.Version {
			return nil, oops.Code("MIGRATION_SOURCE_INVALID").With("version", m.Version).Errorf("duplicate version")
		}
	}
	return out, nil
}

// Status is the schema state of a database.
type Status struct {
	Version uint
	// Dirty means a migration failed halfway and needs Force after a manual
	// fix.
	Dirty   bool
	Applied []Migration
	Pending []Migration
}

// Current reports whether the schema is fully migrated and clean.
func (s Status) Current() bool {
	return !s.Dirty && len(s.Pending) == 0
}

// driver is the part of *migrate.Migrate the Migrator drives.
type driver interface {
	Up() error
	Down() error
	Version() (version uint, dirty bool, err error)
	Force(version int) error
	Close() (source error, database error)
}

// Migrator applies the identity and verification schema.
type Migrator struct {
	m driver
}

// NewMigrator creates a Migrator for databaseURL.
func NewMigrator(databaseURL string) (*Migrator, error) {
	if _, err := Migrations(); err != nil {
		return nil, err
	}
	source, err := iofs.New(migrationsFS, migrationsDir)
	if err != nil {
		return nil, oops.Code("MIGRATION_SOURCE_INVALID").With("operation", "create migration source").Wrap(err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, driverURL(databaseURL))
	if err != nil {
		_ = source.Close() //nolint:errcheck // the init error is the one worth reporting
		return nil, oops.Code("MIGRATION_INIT_FAILED").With("operation", "initialize migrator").Wrap(err)
	}
	return &Migrator{m: m}, nil
}

// driverURL rewrites postgres:// and postgresql:// to the pgx5:// scheme
// the golang-migrate pgx/v5 driver registers.
func driverURL(databaseURL string) string {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if rest, ok := strings.CutPrefix(databaseURL, scheme); ok {
			return "pgx5://" + rest
		}
	}
	return databaseURL
}

// Status reports the applied version and splits the embedded migrations
// into applied and pending.
func (m *Migrator) Status() (Status, error) {
	version, dirty, err := m.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		version, dirty, err = 0, false, nil
	}
	if err != nil {
		return Status{}, oops.Code("MIGRATION_VERSION_FAILED").Wrap(err)
	}
	all, err := Migrations()
	if err != nil {
		return Status{}, err
	}

	st := Status{Version: version, Dirty: dirty}
	for _, mig := range all {
		if mig.Version <= version {
			st.Applied = append(st.Applied, mig)
		} else {
			st.Pending = append(st.Pending, mig)
		}
	}
	return st, nil
}

// Up applies the pending migrations and returns them. A dirty schema is
// refused; fix it and Force first.
func (m *Migrator) Up() ([]Migration, error) {
	st, err := m.Status()
	if err != nil {
		return nil, err
	}
	if st.Dirty {
		return nil, oops.Code("MIGRATION_DIRTY").With("version", st.Version).Errorf("schema is dirty")
	}
	if len(st.Pending) == 0 {
		return nil, nil
	}
	if err := m.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, oops.Code("MIGRATION_UP_FAILED").With("from", st.Version).Wrap(err)
	}
	return st.Pending, nil
}

// Down drops both tables and everything in them.
func (m *Migrator) Down() error {
	if err := m.m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return oops.Code("MIGRATION_DOWN_FAILED").Wrap(err)
	}
	return nil
}

// Force records version as applied and clean without running anything.
// -1 means no version. Versions that are not embedded are rejected.
func (m *Migrator) Force(version int) error {
	if version < -1 {
		return oops.Code("INVALID_VERSION").Errorf("version must be -1 or greater, got %d", version)
	}
	if version != -1 {
		all, err := Migrations()
		if err != nil {
			return err
		}
		if !slices.ContainsFunc(all, func(mig Migration) bool { return mig.Version == uint(version) }) {
			return oops.Code("INVALID_VERSION").With("version", version).Errorf("no such migration")
		}
	}
	if err := m.m.Force(version); err != nil {
		return oops.Code("MIGRATION_FORCE_FAILED").With("version", version).Wrap(err)
	}
	return nil
}

// Close releases the migration source and the database connection.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.m.Close()
	if err := errors.Join(srcErr, dbErr); err != nil {
		return oops.Code("MIGRATION_CLOSE_FAILED").Wrap(err)
	}
	return nil
}

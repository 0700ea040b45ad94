// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/castline/castline/internal/config"
	"github.com/castline/castline/internal/identity"
	identitypg "github.com/castline/castline/internal/identity/postgres"
	"github.com/castline/castline/internal/observability"
	"github.com/castline/castline/internal/verification"
	verifypg "github.com/castline/castline/internal/verification/postgres"
	verifyredis "github.com/castline/castline/internal/verification/redis"
	"github.com/castline/castline/internal/xdg"
)

const pingTimeout = 2 * time.Second

// backends are the storage collaborators of the API process.
type backends struct {
	identities identity.Repository
	store      verification.Store
	ready      observability.ReadinessChecker
	closers    []func()
}

// Close releases the backends in reverse order of opening.
func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// openBackends connects the identity repository and the configured
// verification store. Identities live in PostgreSQL when DATABASE_URL is set
// and in memory otherwise.
func openBackends(ctx context.Context, cfg config.AuthConfig, deps *Deps, logger *slog.Logger) (*backends, error) {
	b := &backends{ready: func() bool { return true }}

	var pool DBPool
	if cfg.DatabaseURL != "" {
		p, err := deps.PoolFactory(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		pool = p
		b.closers = append(b.closers, p.Close)
		b.identities = identitypg.NewRepository(p)
		b.ready = pinger(p.Ping)
		warnIfSchemaBehind(cfg.DatabaseURL, logger)
	} else {
		logger.Warn("DATABASE_URL not set, identities are kept in memory")
		b.identities = identity.NewMemoryRepository()
	}

	switch cfg.Verification.Backend {
	case config.BackendPostgres:
		b.store = verifypg.NewStore(pool)
	case config.BackendRedis:
		client, err := deps.RedisFactory(ctx, cfg.RedisURL)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, func() {
			if err := client.Close(); err != nil {
				logger.Warn("error closing redis client", "error", err)
			}
		})
		b.store = verifyredis.NewStore(client)
		dbReady := b.ready
		redisReady := pinger(func(ctx context.Context) error { return client.Ping(ctx).Err() })
		b.ready = func() bool { return dbReady() && redisReady() }
	default:
		mem, err := openMemoryStore(cfg.Verification.Snapshot, logger)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, func() {
			if err := mem.Close(); err != nil {
				logger.Warn("error writing verification snapshot", "error", err)
			}
		})
		b.store = mem
	}

	logger.Info("backends ready",
		"identities", backendName(cfg.DatabaseURL != ""),
		"verification", cfg.Verification.Backend)
	return b, nil
}

func backendName(postgres bool) string {
	if postgres {
		return config.BackendPostgres
	}
	return config.BackendMemory
}

// openMemoryStore opens the in-memory store with its snapshot file, which
// defaults to the XDG data directory.
func openMemoryStore(path string, logger *slog.Logger) (*verification.MemoryStore, error) {
	if path == "" {
		p, err := xdg.SnapshotFile()
		if err != nil {
			return nil, err
		}
		path = p
	}
	if err := xdg.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return verification.NewMemoryStore(
		verification.WithSnapshot(path),
		verification.WithLogger(logger),
	), nil
}

// pinger adapts a ping function to a readiness check.
func pinger(ping func(ctx context.Context) error) observability.ReadinessChecker {
	return func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()
		return ping(ctx) == nil
	}
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package main

import (
	"context"
	"net"

	"github.com/redis/go-redis/v9"

	"github.com/castline/castline/internal/observability"
	"github.com/castline/castline/internal/store"
	verifyredis "github.com/castline/castline/internal/verification/redis"
)

// Deps contains injectable dependencies for the server commands.
// All fields with nil values will use their default implementations.
type Deps struct {
	// PoolFactory opens a PostgreSQL pool.
	// Default: store.Connect
	PoolFactory func(ctx context.Context, dsn string) (DBPool, error)

	// RedisFactory opens a Redis client.
	// Default: verifyredis.Open
	RedisFactory func(ctx context.Context, url string) (redis.UniversalClient, error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer

	// ListenerFactory creates the HTTP listener.
	// Default: net.Listen
	ListenerFactory func(network, address string) (net.Listener, error)
}

// DBPool is the pool surface the commands use from *pgxpool.Pool.
type DBPool interface {
	store.Pool
	Ping(ctx context.Context) error
	Close()
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}

// withDefaults returns a copy of deps with every nil factory set.
func (d *Deps) withDefaults() *Deps {
	out := &Deps{}
	if d != nil {
		*out = *d
	}
	if out.PoolFactory == nil {
		out.PoolFactory = func(ctx context.Context, dsn string) (DBPool, error) {
			pool, err := store.Connect(ctx, dsn, store.ConnectOptions{})
			if err != nil {
				return nil, err
			}
			return pool, nil
		}
	}
	if out.RedisFactory == nil {
		out.RedisFactory = func(ctx context.Context, url string) (redis.UniversalClient, error) {
			client, err := verifyredis.Open(ctx, url)
			if err != nil {
				return nil, err
			}
			return client, nil
		}
	}
	if out.ObservabilityServerFactory == nil {
		out.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker)
		}
	}
	if out.ListenerFactory == nil {
		out.ListenerFactory = net.Listen
	}
	return out
}

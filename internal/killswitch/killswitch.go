// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

// Package killswitch invalidates a compromised session for every in-flight
// caller at once.
//
// A Coordinator moves from live to killed exactly once per session. The
// first Trip wins: it runs the registered cleanup hooks and sends the user
// to the authentication entry point. Later trips are no-ops until a fresh
// login calls Reset.
package killswitch

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultEntryPoint is where a killed session is sent.
const DefaultEntryPoint = "/auth/login"

// Navigator moves the user between pages.
type Navigator interface {
	CurrentPath() string
	Redirect(path string)
}

// Hook runs once per trip with the trip reason.
type Hook func(reason string)

// Coordinator holds the kill state of one session.
type Coordinator struct {
	killed atomic.Bool
	reason atomic.Value

	mu    sync.Mutex
	hooks []Hook

	nav        Navigator
	entryPoint string
	logger     *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithNavigator sets the navigator used for the redirect.
func WithNavigator(nav Navigator) Option {
	return func(c *Coordinator) { c.nav = nav }
}

// WithEntryPoint overrides DefaultEntryPoint.
func WithEntryPoint(path string) Option {
	return func(c *Coordinator) { c.entryPoint = path }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// New creates a live Coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{entryPoint: DefaultEntryPoint, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnTrip registers a cleanup hook. Hooks run in registration order on the
// goroutine that won the trip.
func (c *Coordinator) OnTrip(h Hook) {
	c.mu.Lock()
	c.hooks = append(c.hooks, h)
	c.mu.Unlock()
}

// Trip kills the session. It reports whether this call performed the
// transition; only that call runs the hooks and the redirect.
func (c *Coordinator) Trip(reason string) bool {
	if !c.killed.CompareAndSwap(false, true) {
		return false
	}
	c.reason.Store(reason)
	c.logger.Warn("session killed", "reason", reason)

	c.mu.Lock()
	hooks := make([]Hook, len(c.hooks))
	copy(hooks, c.hooks)
	c.mu.Unlock()

	for _, h := range hooks {
		h(reason)
	}

	if c.nav != nil && c.nav.CurrentPath() != c.entryPoint {
		c.nav.Redirect(c.entryPoint)
	}
	return true
}

// IsKilled reports whether the session has been killed.
func (c *Coordinator) IsKilled() bool {
	return c.killed.Load()
}

// Reason returns the reason given to the winning Trip, or "" while live.
func (c *Coordinator) Reason() string {
	if !c.killed.Load() {
		return ""
	}
	r, _ := c.reason.Load().(string)
	return r
}

// Reset revives the session. Only a fresh successful authentication may
// call it.
func (c *Coordinator) Reset() {
	c.reason.Store("")
	c.killed.Store(false)
}

// EntryPoint returns the path a killed session is sent to.
func (c *Coordinator) EntryPoint() string {
	return c.entryPoint
}

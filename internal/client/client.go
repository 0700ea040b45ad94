// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

// Package client is a session-aware HTTP client for the castline API. It
// mirrors what the browser runtime does: identity lookups go through the
// kill switch, and a dead session stops all identity traffic until the next
// successful login.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/castline/castline/internal/apierr"
	"github.com/castline/castline/internal/killswitch"
)

// IdentityPath is the identity-lookup endpoint.
const IdentityPath = "/auth/me"

// Identity is the caller as reported by the API.
type Identity struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Role          string `json:"role"`
	EmailVerified bool   `json:"emailVerified"`
}

type userResponse struct {
	User Identity `json:"user"`
}

// StatusError is a non-2xx API response.
type StatusError struct {
	Status   int
	Envelope apierr.Envelope
	// Synthetic is set when the client answered without a network call.
	Synthetic bool
}

func (e *StatusError) Error() string {
	if e.Envelope.Error != "" {
		return fmt.Sprintf("api status %d: %s", e.Status, e.Envelope.Error)
	}
	return fmt.Sprintf("api status %d", e.Status)
}

// IsStatus reports whether err is a StatusError with the given status.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

// Client talks to the API through base, usually the gateway prefix.
type Client struct {
	base   *url.URL
	http   *http.Client
	kill   *killswitch.Coordinator
	logger *slog.Logger

	retries   uint64
	retryBase time.Duration

	mu       sync.Mutex
	identity *Identity
	queries  map[string][]byte
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport client. A cookie jar is added when
// it has none.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithRetry sets how often a 502/503 from the identity endpoint is retried
// and the first backoff delay.
func WithRetry(retries uint64, base time.Duration) Option {
	return func(cl *Client) {
		cl.retries = retries
		cl.retryBase = base
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) { cl.logger = logger }
}

// New creates a Client. The coordinator's trip hooks are extended to clear
// the client's cached identity and queries.
func New(baseURL string, kill *killswitch.Coordinator, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		if err == nil {
			err = errors.New("base URL must be absolute")
		}
		return nil, oops.Code("CLIENT_CONFIG_INVALID").With("base_url", baseURL).Wrap(err)
	}
	if kill == nil {
		kill = killswitch.New()
	}
	c := &Client{
		base:      base,
		http:      &http.Client{},
		kill:      kill,
		logger:    slog.Default(),
		retries:   3,
		retryBase: 100 * time.Millisecond,
		queries:   make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retryBase <= 0 {
		c.retryBase = 100 * time.Millisecond
	}
	if c.http.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, oops.Code("CLIENT_CONFIG_INVALID").Wrap(err)
		}
		hc := *c.http
		hc.Jar = jar
		c.http = &hc
	}
	kill.OnTrip(func(string) { c.ClearCache() })
	return c, nil
}

// Coordinator returns the kill switch the client reports to.
func (c *Client) Coordinator() *killswitch.Coordinator { return c.kill }

// Login authenticates and, on success, revives a killed session.
func (c *Client) Login(ctx context.Context, email, password string) (Identity, error) {
	body := map[string]string{"email": email, "password": password}
	var out userResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, &out); err != nil {
		return Identity{}, err
	}
	c.ClearCache()
	c.kill.Reset()
	c.mu.Lock()
	id := out.User
	c.identity = &id
	c.mu.Unlock()
	return out.User, nil
}

// Logout ends the session server-side and drops cached state.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/auth/logout", nil, nil)
	c.ClearCache()
	return err
}

// Me returns the current identity. A killed session answers with a
// synthetic 401 without touching the network. A 401, or a 404 meaning the
// account is gone, trips the kill switch.
//
// A lookup still in flight when the session is killed is discarded: its
// result is not cached and the caller gets the synthetic 401.
func (c *Client) Me(ctx context.Context) (Identity, error) {
	if c.kill.IsKilled() {
		return Identity{}, killedError()
	}

	c.mu.Lock()
	if c.identity != nil {
		id := *c.identity
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	var out userResponse
	backoff := retry.WithMaxRetries(c.retries, retry.NewExponential(c.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.do(ctx, http.MethodGet, IdentityPath, nil, &out)
		if IsStatus(err, http.StatusBadGateway) || IsStatus(err, http.StatusServiceUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
	switch {
	case IsStatus(err, http.StatusUnauthorized):
		c.kill.Trip("identity lookup returned 401")
		return Identity{}, err
	case IsStatus(err, http.StatusNotFound):
		c.kill.Trip("identity no longer exists")
		return Identity{}, err
	case err != nil:
		return Identity{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kill.IsKilled() {
		return Identity{}, killedError()
	}
	id := out.User
	c.identity = &id
	return out.User, nil
}

func killedError() *StatusError {
	return &StatusError{
		Status:    http.StatusUnauthorized,
		Envelope:  apierr.Envelope{StatusCode: http.StatusUnauthorized, Error: "SESSION_KILLED", Path: IdentityPath},
		Synthetic: true,
	}
}

// Get fetches path and decodes the JSON body into out. Successful bodies
// are cached per path until the cache is cleared; results that arrive after
// the session was killed are returned but not cached. The identity path is
// served by Me, so it is short-circuited and trips the kill switch the same
// way. Status codes from other endpoints never trip it.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	if isIdentityPath(path) {
		id, err := c.Me(ctx)
		if err != nil {
			return err
		}
		data, err := json.Marshal(userResponse{User: id})
		if err != nil {
			return oops.Code("CLIENT_ENCODE_FAILED").With("path", path).Wrap(err)
		}
		return decode(data, out)
	}

	c.mu.Lock()
	cached, ok := c.queries[path]
	c.mu.Unlock()
	if ok {
		return decode(cached, out)
	}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return err
	}
	c.mu.Lock()
	if !c.kill.IsKilled() {
		c.queries[path] = raw
	}
	c.mu.Unlock()
	return decode(raw, out)
}

func isIdentityPath(path string) bool {
	p, _, _ := strings.Cut(path, "?")
	if p != "/" {
		p = strings.TrimRight(p, "/")
	}
	return p == IdentityPath
}

// ClearCache drops the cached identity and query results.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.identity = nil
	c.queries = make(map[string][]byte)
	c.mu.Unlock()
}

// Cached reports whether a result for path is cached.
func (c *Client) Cached(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if path == IdentityPath {
		return c.identity != nil
	}
	_, ok := c.queries[path]
	return ok
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return oops.Code("CLIENT_ENCODE_FAILED").With("path", path).Wrap(err)
		}
		body = bytes.NewReader(data)
	}

	target := *c.base
	target.Path = c.base.Path + path
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return oops.Code("CLIENT_REQUEST_INVALID").With("path", path).Wrap(err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return oops.Code("CLIENT_REQUEST_FAILED").With("method", method).With("path", path).Wrap(err)
	}
	defer resp.Body.Close() //nolint:errcheck // response body close

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return oops.Code("CLIENT_READ_FAILED").With("path", path).Wrap(err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		se := &StatusError{Status: resp.StatusCode}
		//nolint:errcheck // non-envelope bodies leave the envelope empty
		json.Unmarshal(data, &se.Envelope)
		c.logger.DebugContext(ctx, "api request failed", "method", method, "path", path, "status", resp.StatusCode)
		return se
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return decode(data, out)
}

func decode(data []byte, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return oops.Code("CLIENT_DECODE_FAILED").Wrap(err)
	}
	return nil
}

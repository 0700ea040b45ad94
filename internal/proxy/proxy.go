// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

// Package proxy forwards browser requests to the internal API with the
// caller's bearer token attached.
//
// A request under /<prefix>/ is handled in order: token lookup, rejection
// with 401 NO_ACCESS_TOKEN when there is no token and the path is not
// public, then the upstream call. Upstream 3xx responses become redirects
// issued to the browser; other responses are streamed back unmodified
// except for hop-by-hop headers and, on the rewrite paths, Set-Cookie.
package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/castline/castline/internal/apierr"
	"github.com/castline/castline/internal/cookie"
	"github.com/castline/castline/internal/failure"
	"github.com/castline/castline/internal/observability"
)

// Error codes written by the proxy.
const (
	CodeNoAccessToken    = "NO_ACCESS_TOKEN"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
)

// Defaults for Config.
var (
	DefaultPublicPaths        = []string{"health", "auth/*"}
	DefaultRewriteCookiePaths = []string{"auth/*"}
	DefaultRefreshPaths       = []string{"auth/refresh"}
)

// Proxy results recorded in metrics.
const (
	resultForwarded  = "forwarded"
	resultRedirected = "redirected"
	resultRejected   = "rejected"
	resultFailed     = "failed"
	resultAborted    = "aborted"
)

var allowedMethods = map[string]struct{}{
	http.MethodGet:    {},
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodDelete: {},
	http.MethodPatch:  {},
}

const allowHeader = "GET, POST, PUT, DELETE, PATCH"

// hopHeaders are connection-scoped and never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Config configures a Proxy.
type Config struct {
	// Upstream is the internal API base URL.
	Upstream string
	// Prefix is the first path segment the proxy is mounted under.
	Prefix string
	// PublicPaths are glob patterns of upstream paths that do not need a
	// token. Nil means DefaultPublicPaths.
	PublicPaths []string
	// RewriteCookies enables Set-Cookie rewriting on RewriteCookiePaths.
	RewriteCookies     bool
	RewriteCookiePaths []string
	// RefreshCookie names the browser cookie holding the refresh token. On
	// RefreshPaths its value is forwarded in cookie.RefreshHeader. Empty
	// disables forwarding.
	RefreshCookie string
	// RefreshPaths are glob patterns of upstream paths that receive the
	// refresh token. Nil means DefaultRefreshPaths.
	RefreshPaths []string
}

// TokenSource finds the bearer token for a request.
type TokenSource interface {
	Token(r *http.Request) string
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(r *http.Request) string

// Token implements TokenSource.
func (f TokenSourceFunc) Token(r *http.Request) string { return f(r) }

// CookieTokenSource reads the token from the named cookie.
type CookieTokenSource struct {
	Name string
}

// Token implements TokenSource.
func (s CookieTokenSource) Token(r *http.Request) string {
	return cookie.Read(r, s.Name)
}

// Proxy is the credential-forwarding http.Handler.
type Proxy struct {
	upstream       *url.URL
	prefix         string
	public         []glob.Glob
	rewrite        []glob.Glob
	rewriteCookies bool
	refreshCookie  string
	refresh        []glob.Glob
	tokens         TokenSource
	client         *http.Client
	errs           *apierr.Writer
	logger         *slog.Logger
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithHTTPClient replaces the upstream client. Its CheckRedirect is
// overridden so upstream redirects reach the browser.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Proxy) { p.client = c }
}

// WithErrorWriter sets the envelope writer.
func WithErrorWriter(w *apierr.Writer) Option {
	return func(p *Proxy) { p.errs = w }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Proxy) { p.logger = logger }
}

// New creates a Proxy.
func New(cfg Config, tokens TokenSource, opts ...Option) (*Proxy, error) {
	upstream, err := url.Parse(strings.TrimRight(cfg.Upstream, "/"))
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		if err == nil {
			err = errors.New("upstream must be an absolute URL")
		}
		return nil, oops.Code("PROXY_CONFIG_INVALID").With("upstream", cfg.Upstream).Wrap(err)
	}
	if tokens == nil {
		return nil, oops.Code("PROXY_CONFIG_INVALID").Errorf("token source is required")
	}

	publicPaths := cfg.PublicPaths
	if publicPaths == nil {
		publicPaths = DefaultPublicPaths
	}
	rewritePaths := cfg.RewriteCookiePaths
	if rewritePaths == nil {
		rewritePaths = DefaultRewriteCookiePaths
	}
	public, err := compile(publicPaths)
	if err != nil {
		return nil, err
	}
	rewrite, err := compile(rewritePaths)
	if err != nil {
		return nil, err
	}
	refreshPaths := cfg.RefreshPaths
	if refreshPaths == nil {
		refreshPaths = DefaultRefreshPaths
	}
	refresh, err := compile(refreshPaths)
	if err != nil {
		return nil, err
	}

	p := &Proxy{
		upstream:       upstream,
		prefix:         strings.Trim(cfg.Prefix, "/"),
		public:         public,
		rewrite:        rewrite,
		rewriteCookies: cfg.RewriteCookies,
		refreshCookie:  cfg.RefreshCookie,
		refresh:        refresh,
		tokens:         tokens,
		client:         &http.Client{},
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.errs == nil {
		p.errs = apierr.NewWriter(p.logger)
	}
	client := *p.client
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	p.client = &client
	return p, nil
}

func compile(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(strings.Trim(pattern, "/"))
		if err != nil {
			return nil, oops.Code("PROXY_CONFIG_INVALID").With("pattern", pattern).Wrap(err)
		}
		out = append(out, g)
	}
	return out, nil
}

func matchAny(globs []glob.Glob, path string) bool {
	for _, g := range globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// Public reports whether the upstream path may be called without a token.
func (p *Proxy) Public(path string) bool {
	return matchAny(p.public, strings.Trim(path, "/"))
}

// upstreamPath strips the mount prefix. ok is false for paths outside it.
func (p *Proxy) upstreamPath(path string) (string, bool) {
	if p.prefix == "" {
		return strings.TrimPrefix(path, "/"), true
	}
	rest, ok := strings.CutPrefix(path, "/"+p.prefix)
	if !ok || (rest != "" && rest[0] != '/') {
		return "", false
	}
	return strings.TrimPrefix(rest, "/"), true
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path, ok := p.upstreamPath(r.URL.Path)
	if !ok {
		p.errs.Write(w, r, failure.HTTP(http.StatusNotFound, "", "Not found"))
		return
	}
	if _, ok := allowedMethods[r.Method]; !ok {
		w.Header().Set("Allow", allowHeader)
		p.errs.Write(w, r, failure.HTTP(http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method not allowed"))
		return
	}

	token := p.tokens.Token(r)
	if token == "" && !p.Public(path) {
		observability.RecordProxyResult(resultRejected)
		p.errs.Write(w, r, failure.HTTP(http.StatusUnauthorized, CodeNoAccessToken, "No access token"))
		return
	}

	out, err := p.outbound(r, path, token)
	if err != nil {
		observability.RecordProxyResult(resultFailed)
		p.errs.Write(w, r, failure.Upstream(err))
		return
	}

	resp, err := p.client.Do(out)
	if err != nil {
		if errors.Is(r.Context().Err(), context.Canceled) {
			observability.RecordProxyResult(resultAborted)
			p.logger.DebugContext(r.Context(), "client aborted proxied request", "path", path)
			return
		}
		observability.RecordProxyResult(resultFailed)
		p.errs.Write(w, r, failure.Upstream(oops.Code("PROXY_UPSTREAM_FAILED").
			With("method", r.Method).
			With("path", path).
			Wrap(err)))
		return
	}
	defer resp.Body.Close() //nolint:errcheck // response body close

	rewrite := p.rewriteCookies && matchAny(p.rewrite, path)

	if isRedirect(resp.StatusCode) {
		if loc := resp.Header.Get("Location"); loc != "" {
			p.copySetCookies(w.Header(), resp.Header, rewrite)
			observability.RecordProxyResult(resultRedirected)
			http.Redirect(w, r, p.browserLocation(out.URL, loc), resp.StatusCode)
			return
		}
	}

	copyHeaders(w.Header(), resp.Header)
	w.Header().Del("Set-Cookie")
	p.copySetCookies(w.Header(), resp.Header, rewrite)
	w.WriteHeader(resp.StatusCode)
	observability.RecordProxyResult(resultForwarded)

	if _, err := io.Copy(flushWriter{w}, resp.Body); err != nil {
		p.logger.DebugContext(r.Context(), "proxied response body interrupted", "path", path, "error", err)
	}
}

// outbound builds the upstream request. The inbound context is reused so a
// client abort cancels the upstream call.
func (p *Proxy) outbound(r *http.Request, path, token string) (*http.Request, error) {
	target := *p.upstream
	target.Path = p.upstream.Path + "/" + path
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		return nil, oops.Code("PROXY_REQUEST_INVALID").With("path", path).Wrap(err)
	}
	out.ContentLength = r.ContentLength
	copyHeaders(out.Header, r.Header)
	out.Header.Del("Host")
	out.Header.Del("Cookie")
	out.Header.Del(cookie.RefreshHeader)
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}
	if p.refreshCookie != "" && matchAny(p.refresh, path) {
		if raw := cookie.Read(r, p.refreshCookie); raw != "" {
			out.Header.Set(cookie.RefreshHeader, raw)
		}
	}
	return out, nil
}

func (p *Proxy) copySetCookies(dst, src http.Header, rewrite bool) {
	for _, v := range src.Values("Set-Cookie") {
		if rewrite {
			v = RewriteSetCookie(v)
		}
		dst.Add("Set-Cookie", v)
	}
}

// browserLocation maps an upstream Location back under the proxy prefix
// when it points at the internal API. Foreign locations pass through.
func (p *Proxy) browserLocation(requested *url.URL, loc string) string {
	u, err := requested.Parse(loc)
	if err != nil {
		return loc
	}
	if u.Scheme != p.upstream.Scheme || u.Host != p.upstream.Host {
		return u.String()
	}
	rest, ok := strings.CutPrefix(u.Path, p.upstream.Path)
	if !ok {
		return u.String()
	}
	mapped := url.URL{Path: "/" + p.prefix + "/" + strings.TrimPrefix(rest, "/"), RawQuery: u.RawQuery, Fragment: u.Fragment}
	if p.prefix == "" {
		mapped.Path = "/" + strings.TrimPrefix(rest, "/")
	}
	return mapped.String()
}

func isRedirect(status int) bool {
	return status >= 300 && status < 400 && status != http.StatusNotModified
}

func copyHeaders(dst, src http.Header) {
	drop := make(map[string]struct{}, len(hopHeaders))
	for _, h := range hopHeaders {
		drop[h] = struct{}{}
	}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			drop[http.CanonicalHeaderKey(strings.TrimSpace(name))] = struct{}{}
		}
	}
	for name, values := range src {
		if _, skip := drop[name]; skip {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// flushWriter flushes after every write so streamed upstream bodies reach
// the browser without buffering.
type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(b []byte) (int, error) {
	n, err := f.w.Write(b)
	if err == nil {
		//nolint:errcheck // not every writer can flush
		http.NewResponseController(f.w).Flush()
	}
	return n, err
}

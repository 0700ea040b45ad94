// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

// Package cookie derives the attributes of the session cookies.
package cookie

import (
	"net/http"
	"time"

	"github.com/castline/castline/internal/config"
	"github.com/castline/castline/internal/ttl"
)

// RefreshHeader carries the refresh cookie's value from the gateway to the
// internal API, which never sees browser cookies.
const RefreshHeader = "X-Refresh-Token"

// Options are the attributes of a session cookie. MaxAge is zero for clear
// options; callers expire the cookie separately.
type Options struct {
	HTTPOnly bool
	Secure   bool
	SameSite http.SameSite
	Domain   string
	Path     string
	MaxAge   time.Duration
}

// Policy computes cookie options from the resolved configuration. A Policy
// is immutable and safe for concurrent use.
type Policy struct {
	secure      bool
	sameSite    http.SameSite
	domain      string
	accessName  string
	refreshName string
	accessTTL   time.Duration
	refreshTTL  time.Duration
}

// NewPolicy derives a Policy. Secure defaults to true in production and
// SameSite to None in production, Lax elsewhere; explicit overrides win.
func NewPolicy(cfg config.Cookie) *Policy {
	p := &Policy{
		secure:      cfg.Env.IsProduction(),
		sameSite:    http.SameSiteLaxMode,
		domain:      cfg.Domain,
		accessName:  cfg.AccessName,
		refreshName: cfg.RefreshName,
		accessTTL:   ttl.Parse(cfg.AccessTTL),
		refreshTTL:  ttl.Parse(cfg.RefreshTTL),
	}
	if cfg.Env.IsProduction() {
		p.sameSite = http.SameSiteNoneMode
	}
	if cfg.Secure != nil {
		p.secure = *cfg.Secure
	}
	if cfg.SameSite != "" {
		p.sameSite = parseSameSite(cfg.SameSite)
	}
	if p.accessName == "" {
		p.accessName = "access_token"
	}
	if p.refreshName == "" {
		p.refreshName = "refresh_token"
	}
	return p
}

func parseSameSite(s string) http.SameSite {
	switch s {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// AccessName returns the access token cookie name.
func (p *Policy) AccessName() string { return p.accessName }

// RefreshName returns the refresh token cookie name.
func (p *Policy) RefreshName() string { return p.refreshName }

// AccessOptions returns the options for setting the access token cookie.
func (p *Policy) AccessOptions() Options {
	o := p.base()
	o.MaxAge = p.accessTTL
	return o
}

// RefreshOptions returns the options for setting the refresh token cookie.
func (p *Policy) RefreshOptions() Options {
	o := p.base()
	o.MaxAge = p.refreshTTL
	return o
}

// ClearOptions returns the options for clearing either cookie. The
// attributes match the set options so browsers replace the cookie.
func (p *Policy) ClearOptions() Options {
	return p.base()
}

func (p *Policy) base() Options {
	return Options{
		HTTPOnly: true,
		Secure:   p.secure,
		SameSite: p.sameSite,
		Domain:   p.domain,
		Path:     "/",
	}
}

// Cookie builds an *http.Cookie from o.
func (o Options) Cookie(name, value string) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     o.Path,
		Domain:   o.Domain,
		HttpOnly: o.HTTPOnly,
		Secure:   o.Secure,
		SameSite: o.SameSite,
	}
	if o.MaxAge > 0 {
		c.MaxAge = int(o.MaxAge / time.Second)
	}
	return c
}

// SetAccess writes the access token cookie.
func (p *Policy) SetAccess(w http.ResponseWriter, value string) {
	http.SetCookie(w, p.AccessOptions().Cookie(p.accessName, value))
}

// SetRefresh writes the refresh token cookie.
func (p *Policy) SetRefresh(w http.ResponseWriter, value string) {
	http.SetCookie(w, p.RefreshOptions().Cookie(p.refreshName, value))
}

// Clear expires both session cookies immediately.
func (p *Policy) Clear(w http.ResponseWriter) {
	for _, name := range []string{p.accessName, p.refreshName} {
		c := p.ClearOptions().Cookie(name, "")
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0)
		http.SetCookie(w, c)
	}
}

// Read returns the value of the named cookie on r, or "".
func Read(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

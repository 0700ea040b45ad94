// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

// Package config resolves the process configuration once at start.
//
// Sources are layered lowest to highest: built-in defaults, an optional YAML
// file, environment variables, then command-line flags. The result is an
// AuthConfig value that components receive by value and never re-read.
package config

import (
	"errors"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/castline/castline/internal/ttl"
)

// Environment is the deployment environment (NODE_ENV).
type Environment string

// Known environments.
const (
	Production  Environment = "production"
	Development Environment = "development"
	Test        Environment = "test"
)

// IsProduction reports whether e is the production environment.
func (e Environment) IsProduction() bool { return e == Production }

// ExposesSecrets reports whether raw one-time tokens may be logged unmasked.
func (e Environment) ExposesSecrets() bool { return e == Development || e == Test }

// Verification store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Token holds the bearer token settings.
type Token struct {
	AccessSecret  string        `yaml:"access_secret"`
	RefreshSecret string        `yaml:"refresh_secret"`
	AccessTTL     time.Duration `yaml:"access_ttl"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl"`
	Issuer        string        `yaml:"issuer"`
}

// Cookie holds the raw cookie settings. Secure and SameSite are overrides:
// nil and "" mean "derive from Env".
type Cookie struct {
	Env         Environment `yaml:"env"`
	Secure      *bool       `yaml:"secure"`
	SameSite    string      `yaml:"samesite"`
	Domain      string      `yaml:"domain"`
	AccessName  string      `yaml:"access_name"`
	RefreshName string      `yaml:"refresh_name"`
	AccessTTL   string      `yaml:"access_ttl"`
	RefreshTTL  string      `yaml:"refresh_ttl"`
}

// Proxy holds the credential-forwarding gateway settings.
type Proxy struct {
	Upstream       string `yaml:"upstream"`
	Prefix         string `yaml:"prefix"`
	RewriteCookies bool   `yaml:"rewrite_cookies"`
}

// Verification holds the verification token store settings.
type Verification struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Backend       string        `yaml:"backend"`
	Snapshot      string        `yaml:"snapshot"`
}

// AuthConfig is the resolved, validated configuration.
type AuthConfig struct {
	Env          Environment  `yaml:"env"`
	Token        Token        `yaml:"jwt"`
	Cookie       Cookie       `yaml:"cookie"`
	Proxy        Proxy        `yaml:"proxy"`
	WebOrigin    string       `yaml:"web_origin"`
	Verification Verification `yaml:"verification"`
	DatabaseURL  string       `yaml:"database_url"`
	RedisURL     string       `yaml:"redis_url"`
	LogFormat    string       `yaml:"log_format"`
	APIAddr      string       `yaml:"api_addr"`
	GatewayAddr  string       `yaml:"gateway_addr"`
	MetricsAddr  string       `yaml:"metrics_addr"`
}

// defaults are the lowest-priority layer.
var defaults = map[string]any{
	"env":                         string(Development),
	"jwt.access_secret":           "",
	"jwt.refresh_secret":          "",
	"jwt.access_ttl":              "1h",
	"jwt.refresh_ttl":             "7d",
	"jwt.issuer":                  "castline",
	"cookie.secure":               "",
	"cookie.samesite":             "",
	"cookie.domain":               "",
	"cookie.access_name":          "access_token",
	"cookie.refresh_name":         "refresh_token",
	"proxy.upstream":              "http://127.0.0.1:4000",
	"proxy.prefix":                "api",
	"proxy.rewrite_cookies":       "false",
	"web.origin":                  "http://localhost:3000",
	"verification.ttl":            "24h",
	"verification.sweep_interval": "60s",
	"verification.backend":        BackendMemory,
	"verification.snapshot":       "",
	"database.url":                "",
	"redis.url":                   "",
	"log.format":                  "json",
	"api.addr":                    ":4000",
	"gateway.addr":                ":3000",
	"metrics.addr":                "",
}

// envKeys maps environment variable names to config keys. Variables not
// listed here are ignored.
var envKeys = map[string]string{
	"NODE_ENV":                    "env",
	"JWT_ACCESS_SECRET":           "jwt.access_secret",
	"JWT_REFRESH_SECRET":          "jwt.refresh_secret",
	"JWT_ACCESS_TTL":              "jwt.access_ttl",
	"JWT_REFRESH_TTL":             "jwt.refresh_ttl",
	"JWT_ISSUER":                  "jwt.issuer",
	"COOKIE_SECURE":               "cookie.secure",
	"COOKIE_SAMESITE":             "cookie.samesite",
	"COOKIE_DOMAIN":               "cookie.domain",
	"ACCESS_COOKIE_NAME":          "cookie.access_name",
	"REFRESH_COOKIE_NAME":         "cookie.refresh_name",
	"INTERNAL_API_URL":            "proxy.upstream",
	"PROXY_PREFIX":                "proxy.prefix",
	"PROXY_REWRITE_COOKIES":       "proxy.rewrite_cookies",
	"PUBLIC_WEB_ORIGIN":           "web.origin",
	"VERIFICATION_TTL":            "verification.ttl",
	"VERIFICATION_SWEEP_INTERVAL": "verification.sweep_interval",
	"VERIFICATION_BACKEND":        "verification.backend",
	"VERIFICATION_SNAPSHOT":       "verification.snapshot",
	"DATABASE_URL":                "database.url",
	"REDIS_URL":                   "redis.url",
	"LOG_FORMAT":                  "log.format",
	"API_ADDR":                    "api.addr",
	"GATEWAY_ADDR":                "gateway.addr",
	"METRICS_ADDR":                "metrics.addr",
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"env":                  "env",
	"log-format":           "log.format",
	"api-addr":             "api.addr",
	"gateway-addr":         "gateway.addr",
	"metrics-addr":         "metrics.addr",
	"upstream":             "proxy.upstream",
	"web-origin":           "web.origin",
	"database-url":         "database.url",
	"redis-url":            "redis.url",
	"verification-backend": "verification.backend",
	"snapshot":             "verification.snapshot",
	"sweep-interval":       "verification.sweep_interval",
}

// Options controls where Load reads from.
type Options struct {
	// File is an optional YAML file. A missing file is not an error unless
	// Required is set.
	File     string
	Required bool
	// Flags are applied last; only flags the user changed override lower
	// layers.
	Flags *pflag.FlagSet
	// Logger receives warnings about fallback values.
	Logger *slog.Logger
}

// Load resolves the configuration from all sources and validates it.
func Load(opts Options) (AuthConfig, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return AuthConfig{}, oops.Code("CONFIG_LOAD_FAILED").With("source", "defaults").Wrap(err)
	}

	if opts.File != "" {
		if _, err := os.Stat(opts.File); err == nil || opts.Required {
			if err := k.Load(file.Provider(opts.File), yaml.Parser()); err != nil {
				return AuthConfig{}, oops.Code("CONFIG_LOAD_FAILED").
					With("source", "file").
					With("path", opts.File).
					Wrap(err)
			}
		}
	}

	envProvider := env.ProviderWithValue("", ".", func(name, value string) (string, any) {
		key, ok := envKeys[name]
		if !ok || value == "" {
			return "", nil
		}
		return key, value
	})
	if err := k.Load(envProvider, nil); err != nil {
		return AuthConfig{}, oops.Code("CONFIG_LOAD_FAILED").With("source", "env").Wrap(err)
	}

	if opts.Flags != nil {
		flagProvider := posflag.ProviderWithFlag(opts.Flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(opts.Flags, f)
		})
		if err := k.Load(flagProvider, nil); err != nil {
			return AuthConfig{}, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return resolve(k, logger)
}

func resolve(k *koanf.Koanf, logger *slog.Logger) (AuthConfig, error) {
	envName := Environment(strings.ToLower(strings.TrimSpace(k.String("env"))))

	cfg := AuthConfig{
		Env: envName,
		Token: Token{
			AccessSecret:  k.String("jwt.access_secret"),
			RefreshSecret: k.String("jwt.refresh_secret"),
			AccessTTL:     duration(logger, "jwt.access_ttl", k.String("jwt.access_ttl")),
			RefreshTTL:    duration(logger, "jwt.refresh_ttl", k.String("jwt.refresh_ttl")),
			Issuer:        k.String("jwt.issuer"),
		},
		Cookie: Cookie{
			Env:         envName,
			SameSite:    strings.ToLower(strings.TrimSpace(k.String("cookie.samesite"))),
			Domain:      k.String("cookie.domain"),
			AccessName:  k.String("cookie.access_name"),
			RefreshName: k.String("cookie.refresh_name"),
			AccessTTL:   k.String("jwt.access_ttl"),
			RefreshTTL:  k.String("jwt.refresh_ttl"),
		},
		Proxy: Proxy{
			Upstream: strings.TrimRight(k.String("proxy.upstream"), "/"),
			Prefix:   strings.Trim(k.String("proxy.prefix"), "/"),
		},
		WebOrigin: strings.TrimRight(k.String("web.origin"), "/"),
		Verification: Verification{
			TTL:           duration(logger, "verification.ttl", k.String("verification.ttl")),
			SweepInterval: duration(logger, "verification.sweep_interval", k.String("verification.sweep_interval")),
			Backend:       strings.ToLower(k.String("verification.backend")),
			Snapshot:      k.String("verification.snapshot"),
		},
		DatabaseURL: k.String("database.url"),
		RedisURL:    k.String("redis.url"),
		LogFormat:   k.String("log.format"),
		APIAddr:     k.String("api.addr"),
		GatewayAddr: k.String("gateway.addr"),
		MetricsAddr: k.String("metrics.addr"),
	}

	var errs []error
	if secure := strings.TrimSpace(k.String("cookie.secure")); secure != "" {
		b, err := strconv.ParseBool(secure)
		if err != nil {
			errs = append(errs, oops.Code("CONFIG_INVALID").With("key", "cookie.secure").Errorf("COOKIE_SECURE must be a boolean, got %q", secure))
		} else {
			cfg.Cookie.Secure = &b
		}
	}
	if rewrite := strings.TrimSpace(k.String("proxy.rewrite_cookies")); rewrite != "" {
		b, err := strconv.ParseBool(rewrite)
		if err != nil {
			errs = append(errs, oops.Code("CONFIG_INVALID").With("key", "proxy.rewrite_cookies").Errorf("PROXY_REWRITE_COOKIES must be a boolean, got %q", rewrite))
		}
		cfg.Proxy.RewriteCookies = b
	}

	if err := cfg.validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return AuthConfig{}, errors.Join(errs...)
	}
	return cfg, nil
}

// duration parses a TTL string, warning when the safe default is used.
func duration(logger *slog.Logger, key, raw string) time.Duration {
	d, ok := ttl.Lookup(raw)
	if !ok {
		logger.Warn("invalid duration, using default", "key", key, "value", raw, "default", ttl.Default)
		return ttl.Default
	}
	return d
}

func (c AuthConfig) validate() error {
	switch c.Env {
	case Production, Development, Test:
	default:
		return oops.Code("CONFIG_INVALID").With("key", "env").Errorf("unknown NODE_ENV %q", c.Env)
	}
	switch c.Cookie.SameSite {
	case "", "lax", "strict", "none":
	default:
		return oops.Code("CONFIG_INVALID").With("key", "cookie.samesite").Errorf("COOKIE_SAMESITE must be lax, strict or none, got %q", c.Cookie.SameSite)
	}
	switch c.Verification.Backend {
	case BackendMemory, BackendPostgres, BackendRedis:
	default:
		return oops.Code("CONFIG_INVALID").With("key", "verification.backend").Errorf("unknown verification backend %q", c.Verification.Backend)
	}
	for key, raw := range map[string]string{"proxy.upstream": c.Proxy.Upstream, "web.origin": c.WebOrigin} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return oops.Code("CONFIG_INVALID").With("key", key).Errorf("%s must be an absolute URL, got %q", key, raw)
		}
	}
	if c.Cookie.AccessName == "" || c.Cookie.RefreshName == "" || c.Cookie.AccessName == c.Cookie.RefreshName {
		return oops.Code("CONFIG_INVALID").With("key", "cookie").Errorf("access and refresh cookie names must be set and distinct")
	}
	return nil
}

// ValidateTokens checks the settings required to issue and verify bearer
// tokens: both secrets present and distinct, access lifetime strictly
// shorter than refresh lifetime.
func (c AuthConfig) ValidateTokens() error {
	t := c.Token
	switch {
	case t.AccessSecret == "" || t.RefreshSecret == "":
		return oops.Code("CONFIG_INVALID").With("key", "jwt").Errorf("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET are required")
	case t.AccessSecret == t.RefreshSecret:
		return oops.Code("CONFIG_INVALID").With("key", "jwt").Errorf("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	case t.AccessTTL >= t.RefreshTTL:
		return oops.Code("CONFIG_INVALID").With("key", "jwt").Errorf("access TTL %s must be shorter than refresh TTL %s", t.AccessTTL, t.RefreshTTL)
	}
	return nil
}

// ValidateStorage checks that the configured verification backend has its
// connection settings.
func (c AuthConfig) ValidateStorage() error {
	switch {
	case c.Verification.Backend == BackendPostgres && c.DatabaseURL == "":
		return oops.Code("CONFIG_INVALID").With("key", "database.url").Errorf("DATABASE_URL is required for the postgres backend")
	case c.Verification.Backend == BackendRedis && c.RedisURL == "":
		return oops.Code("CONFIG_INVALID").With("key", "redis.url").Errorf("REDIS_URL is required for the redis backend")
	}
	return nil
}

// Redacted returns a copy safe to print: secrets and connection strings
// with credentials are masked.
func (c AuthConfig) Redacted() AuthConfig {
	out := c
	if out.Token.AccessSecret != "" {
		out.Token.AccessSecret = redacted
	}
	if out.Token.RefreshSecret != "" {
		out.Token.RefreshSecret = redacted
	}
	out.DatabaseURL = redactURL(out.DatabaseURL)
	out.RedisURL = redactURL(out.RedisURL)
	return out
}

const redacted = "[REDACTED]"

func redactURL(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return redacted
	}
	return u.Redacted()
}

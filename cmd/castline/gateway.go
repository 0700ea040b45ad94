// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/castline/castline/internal/apierr"
	"github.com/castline/castline/internal/cookie"
	"github.com/castline/castline/internal/logging"
	"github.com/castline/castline/internal/observability"
	"github.com/castline/castline/internal/proxy"
)

func newGatewayCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Start the credential-forwarding gateway",
		Long: `Start the browser-facing gateway. Requests under the proxy prefix
are forwarded to the internal API with the access cookie turned into a
bearer token.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGateway(cmd.Context(), cmd, deps.withDefaults())
		},
	}

	cmd.Flags().String("gateway-addr", "", "listen address (default :3000)")
	cmd.Flags().String("upstream", "", "internal API base URL")
	cmd.Flags().String("metrics-addr", "", "observability server address, empty disables it")
	cmd.Flags().String("web-origin", "", "public web origin")

	return cmd
}

func runGateway(ctx context.Context, cmd *cobra.Command, deps *Deps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogging(cmd, "castline-gateway", cfg.LogFormat)

	policy := cookie.NewPolicy(cfg.Cookie)
	p, err := proxy.New(proxy.Config{
		Upstream:       cfg.Proxy.Upstream,
		Prefix:         cfg.Proxy.Prefix,
		RewriteCookies: cfg.Proxy.RewriteCookies,
		RefreshCookie:  policy.RefreshName(),
	}, proxy.CookieTokenSource{Name: policy.AccessName()},
		proxy.WithErrorWriter(apierr.NewWriter(logger)),
		proxy.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/", p)

	return serve(ctx, cmd, serveConfig{
		name:        "gateway",
		addr:        cfg.GatewayAddr,
		metricsAddr: cfg.MetricsAddr,
		handler:     logging.AccessLog(logger, mux),
		ready:       upstreamReady(cfg.Proxy.Upstream),
	}, deps, logger)
}

// upstreamReady reports ready while the internal API answers its health
// check.
func upstreamReady(upstream string) observability.ReadinessChecker {
	client := &http.Client{Timeout: pingTimeout}
	healthURL := strings.TrimRight(upstream, "/") + "/health"
	return func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, http.NoBody)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		//nolint:errcheck // body is not read
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/castline/castline/internal/observability"
)

const shutdownTimeout = 5 * time.Second

// serveConfig describes one HTTP process.
type serveConfig struct {
	name        string
	addr        string
	metricsAddr string
	handler     http.Handler
	ready       observability.ReadinessChecker
}

// serve runs the handler until ctx is cancelled, a signal arrives or a
// server fails, then shuts everything down gracefully.
func serve(ctx context.Context, cmd *cobra.Command, sc serveConfig, deps *Deps, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listener, err := deps.ListenerFactory("tcp", sc.addr)
	if err != nil {
		return oops.Code("LISTEN_FAILED").With("addr", sc.addr).Wrap(err)
	}

	var obsServer ObservabilityServer
	if sc.metricsAddr != "" {
		obsServer = deps.ObservabilityServerFactory(sc.metricsAddr, sc.ready)
		obsErrChan, err := obsServer.Start()
		if err != nil {
			//nolint:errcheck // cleanup on the failure path
			listener.Close()
			return oops.Code("OBSERVABILITY_START_FAILED").With("addr", sc.metricsAddr).Wrap(err)
		}
		// Monitor observability server errors - cancel context on error
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability", logger)
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	httpServer := &http.Server{
		Handler:           sc.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errChan := make(chan error, 1)
	go func() {
		if serveErr := httpServer.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errChan <- serveErr
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Printf("%s listening on %s\n", sc.name, listener.Addr())
	logger.Info("server ready", "server", sc.name, "addr", listener.Addr().String())

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errChan:
		runErr = oops.Code("SERVE_FAILED").With("server", sc.name).Wrap(err)
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("error stopping server", "server", sc.name, "error", err)
	}
	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("error stopping observability server", "error", err)
		}
	}

	logger.Info("shutdown complete", "server", sc.name)
	return runErr
}

// monitorServerErrors cancels the context when a server reports an error.
// It exits when an error is received, the channel is closed, or the context
// is cancelled.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string, logger *slog.Logger) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			logger.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}

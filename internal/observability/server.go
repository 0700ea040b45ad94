// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

// Package observability provides HTTP endpoints for metrics and health checks.
package observability

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

// ReadinessChecker returns whether the service is ready to accept requests.
type ReadinessChecker func() bool

// Package-level collectors so the domain packages can record events without
// holding a Server. They are registered on each Server's private registry.
var (
	tokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castline_tokens_issued_total",
			Help: "Total number of tokens issued by kind",
		},
		[]string{"kind"},
	)
	verificationOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castline_verification_consume_total",
			Help: "Total number of verification token redemptions by outcome",
		},
		[]string{"outcome"},
	)
	verificationSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "castline_verification_swept_total",
			Help: "Total number of verification records evicted by the sweeper",
		},
	)
	verificationResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "castline_verification_resets_total",
			Help: "Total number of verification store resets after corruption",
		},
	)
	proxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castline_proxy_requests_total",
			Help: "Total number of proxied requests by result",
		},
		[]string{"result"},
	)
	errorEnvelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castline_error_envelopes_total",
			Help: "Total number of error envelopes written by error code",
		},
		[]string{"code"},
	)
)

// RecordTokenIssued counts an issued token ("access", "refresh", "verification").
func RecordTokenIssued(kind string) {
	tokensIssued.WithLabelValues(kind).Inc()
}

// RecordVerificationOutcome counts a verification redemption outcome.
func RecordVerificationOutcome(outcome string) {
	verificationOutcomes.WithLabelValues(outcome).Inc()
}

// RecordSweep adds n evicted verification records.
func RecordSweep(n int) {
	if n > 0 {
		verificationSwept.Add(float64(n))
	}
}

// RecordStoreReset counts a self-healing reset of the verification store.
func RecordStoreReset() {
	verificationResets.Inc()
}

// RecordProxyResult counts a proxied request ("forwarded", "redirected",
// "rejected", "failed").
func RecordProxyResult(result string) {
	proxyRequests.WithLabelValues(result).Inc()
}

// RecordErrorEnvelope counts an error envelope by its error code.
func RecordErrorEnvelope(code string) {
	errorEnvelopes.WithLabelValues(code).Inc()
}

// Metrics contains the custom Prometheus metrics for castline.
type Metrics struct {
	TokensIssued         *prometheus.CounterVec
	VerificationOutcomes *prometheus.CounterVec
	VerificationSwept    prometheus.Counter
	VerificationResets   prometheus.Counter
	ProxyRequests        *prometheus.CounterVec
	ErrorEnvelopes       *prometheus.CounterVec
}

// NewMetrics registers the castline metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TokensIssued:         tokensIssued,
		VerificationOutcomes: verificationOutcomes,
		VerificationSwept:    verificationSwept,
		VerificationResets:   verificationResets,
		ProxyRequests:        proxyRequests,
		ErrorEnvelopes:       errorEnvelopes,
	}

	reg.MustRegister(
		m.TokensIssued,
		m.VerificationOutcomes,
		m.VerificationSwept,
		m.VerificationResets,
		m.ProxyRequests,
		m.ErrorEnvelopes,
	)

	return m
}

// Server provides HTTP endpoints for observability (metrics and health probes).
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *Metrics
	isReady    ReadinessChecker
	running    atomic.Bool
}

// NewServer creates a new observability server.
// addr: listen address in "host:port" format (e.g., "127.0.0.1:9100", ":9100" for all interfaces).
func NewServer(addr string, readinessChecker ReadinessChecker) *Server {
	// Create a new registry to avoid polluting the global one
	registry := prometheus.NewRegistry()

	// Register standard Go metrics
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	metrics := NewMetrics(registry)

	s := &Server{
		addr:     addr,
		registry: registry,
		metrics:  metrics,
		isReady:  readinessChecker,
	}

	return s
}

// Metrics returns the custom metrics for recording application events.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start begins serving observability endpoints.
// It returns an error channel that will receive any errors from the HTTP server
// after it starts. The channel is closed when the server stops gracefully.
// Callers should monitor this channel to detect server failures.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	mux := http.NewServeMux()

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	// Kubernetes-style health probes
	mux.HandleFunc("/healthz/liveness", s.handleLiveness)
	mux.HandleFunc("/healthz/readiness", s.handleReadiness)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	// Create buffered error channel so the goroutine doesn't block
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		// Use local httpSrv to avoid race with subsequent Start() calls
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the observability server.
func (s *Server) Stop(ctx context.Context) error {
	// Use CompareAndSwap to atomically transition from running to stopped.
	// This prevents a race where a concurrent Start() could succeed between
	// checking the running state and setting it to false.
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			// Restore running state on failure so the server can be stopped again
			s.running.Store(true)
			return oops.With("operation", "shutdown_observability_server").Wrap(err)
		}
	}

	slog.Info("observability server stopped")
	return nil
}

// Addr returns the address the server is listening on.
// Returns empty string if not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// handleLiveness returns 200 if the process is running.
// This is a simple check that the process is alive.
func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("ok\n"))
}

// handleReadiness returns 200 if the service is ready to accept requests,
// or 503 if not ready.
func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if s.isReady == nil || s.isReady() {
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck // health check write error is acceptable, client may disconnect
		w.Write([]byte("ok\n"))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("not ready\n"))
}

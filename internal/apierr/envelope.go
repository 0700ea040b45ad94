// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package apierr

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/castline/castline/internal/logging"
	"github.com/castline/castline/internal/observability"
	"github.com/castline/castline/pkg/errutil"
)

// Envelope is the JSON body of every failed response.
type Envelope struct {
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
	Message    any    `json:"message"`
	Path       string `json:"path"`
	Timestamp  string `json:"timestamp"`
	RequestID  string `json:"requestId"`
}

// Writer writes error envelopes and logs the failures behind them.
type Writer struct {
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Writer.
type Option func(*Writer)

// WithClock sets the clock used for envelope timestamps.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// WithIDGenerator replaces the uuid request id generator.
func WithIDGenerator(gen func() string) Option {
	return func(w *Writer) { w.newID = gen }
}

// NewWriter creates a Writer. A nil logger uses slog.Default().
func NewWriter(logger *slog.Logger, opts ...Option) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Build classifies err and fills in the envelope for r, generating a fresh
// request id.
func (w *Writer) Build(r *http.Request, err error) (Envelope, Classified) {
	c := Classify(err)
	return Envelope{
		StatusCode: c.Status,
		Error:      c.Code,
		Message:    c.Message,
		Path:       r.URL.Path,
		Timestamp:  w.now().UTC().Format(time.RFC3339Nano),
		RequestID:  w.newID(),
	}, c
}

// Write classifies err, logs it and writes the envelope. The request id is
// also recorded on the request's access log entry.
func (w *Writer) Write(rw http.ResponseWriter, r *http.Request, err error) Envelope {
	env, c := w.Build(r, err)
	ctx := r.Context()
	logging.EntryFrom(ctx).SetRequestID(env.RequestID)
	observability.RecordErrorEnvelope(env.Error)

	attrs := []any{
		"request_id", env.RequestID,
		"method", r.Method,
		"path", env.Path,
		"status", env.StatusCode,
		"code", env.Error,
	}
	switch {
	case c.LogStack:
		errutil.LogErrorStack(ctx, w.logger, "request failed", err, attrs...)
	case c.Internal:
		errutil.LogErrorContext(ctx, w.logger, "request failed", err, attrs...)
	default:
		w.logger.DebugContext(ctx, "request rejected", append(attrs, "error", err)...)
	}

	WriteJSON(rw, env.StatusCode, env)
	return env
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	//nolint:errcheck // client may have disconnected
	json.NewEncoder(rw).Encode(v)
}

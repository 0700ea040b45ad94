// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package logging

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

type entryKey struct{}

// Entry holds the per-request fields that handlers learn late (the caller's
// identity, the correlation id of a failure) and that the access log line
// reports once the response is written. A nil *Entry ignores all writes.
type Entry struct {
	mu        sync.Mutex
	requestID string
	userID    string
}

// SetRequestID records the correlation id attached to an error envelope.
func (e *Entry) SetRequestID(id string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.requestID = id
	e.mu.Unlock()
}

// SetUserID records the authenticated caller.
func (e *Entry) SetUserID(id string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.userID = id
	e.mu.Unlock()
}

func (e *Entry) attrs() []any {
	e.mu.Lock()
	defer e.mu.Unlock()
	var attrs []any
	if e.requestID != "" {
		attrs = append(attrs, "request_id", e.requestID)
	}
	if e.userID != "" {
		attrs = append(attrs, "user_id", e.userID)
	}
	return attrs
}

// WithEntry returns a context carrying e.
func WithEntry(ctx context.Context, e *Entry) context.Context {
	return context.WithValue(ctx, entryKey{}, e)
}

// EntryFrom returns the access log entry of the request, or nil outside
// AccessLog.
func EntryFrom(ctx context.Context) *Entry {
	e, _ := ctx.Value(entryKey{}).(*Entry)
	return e
}

// AccessLog wraps next so that every request produces one log line with the
// method, path, resolved status and duration.
func AccessLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		entry := &Entry{}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r.WithContext(WithEntry(r.Context(), entry)))

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		attrs = append(attrs, entry.attrs()...)

		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(r.Context(), level, "request completed", attrs...)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	//nolint:wrapcheck // pass-through writer
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

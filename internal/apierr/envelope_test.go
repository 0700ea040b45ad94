// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package apierr_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castline/castline/internal/apierr"
	"github.com/castline/castline/internal/failure"
	"github.com/castline/castline/internal/logging"
)

func TestWriter_WritesEnvelope(t *testing.T) {
	var logs bytes.Buffer
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := apierr.NewWriter(slog.New(slog.NewJSONHandler(&logs, nil)), apierr.WithClock(func() time.Time { return fixed }))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	env := w.Write(rr, req, failure.Token(failure.CodeTokenExpired, errors.New("exp")))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "application/json; charset=utf-8", rr.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Len(t, body, 6)
	assert.InDelta(t, 401, body["statusCode"], 0)
	assert.Equal(t, "TOKEN_EXPIRED", body["error"])
	assert.Equal(t, "Token expired", body["message"])
	assert.Equal(t, "/auth/me", body["path"])
	assert.Equal(t, "2026-03-01T12:00:00Z", body["timestamp"])
	assert.Equal(t, env.RequestID, body["requestId"])

	_, err := uuid.Parse(env.RequestID)
	assert.NoError(t, err)
}

func TestWriter_FreshRequestIDPerFailure(t *testing.T) {
	w := apierr.NewWriter(slog.New(slog.DiscardHandler))
	req := httptest.NewRequest(http.MethodGet, "/x", nil)

	a := w.Write(httptest.NewRecorder(), req, errors.New("a"))
	b := w.Write(httptest.NewRecorder(), req, errors.New("b"))
	assert.NotEqual(t, a.RequestID, b.RequestID)
}

func TestWriter_InternalErrorsAreLoggedNotEchoed(t *testing.T) {
	var logs bytes.Buffer
	w := apierr.NewWriter(slog.New(slog.NewJSONHandler(&logs, nil)), apierr.WithIDGenerator(func() string { return "req-42" }))

	rr := httptest.NewRecorder()
	w.Write(rr, httptest.NewRequest(http.MethodPost, "/auth/login", nil), errors.New("pool exhausted"))

	assert.NotContains(t, rr.Body.String(), "pool exhausted")
	assert.Contains(t, logs.String(), "pool exhausted")
	assert.Contains(t, logs.String(), "req-42")
}

func TestWriter_RecordsRequestIDOnAccessLog(t *testing.T) {
	var logs bytes.Buffer
	logger := logging.Setup("api", "test", "json", &logs)
	w := apierr.NewWriter(slog.New(slog.DiscardHandler), apierr.WithIDGenerator(func() string { return "req-7" }))

	h := logging.AccessLog(logger, http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		w.Write(rw, r, failure.HTTP(http.StatusForbidden, "EMAIL_NOT_VERIFIED", "Email not verified"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/auth/login", nil))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(logs.Bytes(), &entry))
	assert.Equal(t, "req-7", entry["request_id"])
	assert.InDelta(t, 403, entry["status"], 0)
}

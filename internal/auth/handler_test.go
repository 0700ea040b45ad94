// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package auth_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castline/castline/internal/apierr"
	"github.com/castline/castline/internal/auth"
	"github.com/castline/castline/internal/failure"
	"github.com/castline/castline/internal/verification"
)

type userJSON struct {
	User struct {
		ID            string `json:"id"`
		Email         string `json:"email"`
		Role          string `json:"role"`
		EmailVerified bool   `json:"emailVerified"`
	} `json:"user"`
}

func newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (f *fixture) post(t *testing.T, c *http.Client, path string, body any) *http.Response {
	t.Helper()
	var r *bytes.Reader
	switch b := body.(type) {
	case string:
		r = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	resp, err := c.Post(f.server.URL+path, "application/json", r)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, c *http.Client, path string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.server.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := c.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func registerBody(email string) map[string]any {
	return map[string]any{
		"email":           email,
		"password":        password,
		"confirmPassword": password,
		"role":            "AGENCY",
		"acceptTerms":     true,
		"acceptPrivacy":   true,
	}
}

func TestHandler_Health(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, http.DefaultClient, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandler_UnknownRouteIsEnvelope(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, http.DefaultClient, "/auth/nope", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	env := decodeBody[apierr.Envelope](t, resp)
	assert.Equal(t, "NOT_FOUND", env.Error)
	assert.Equal(t, "/auth/nope", env.Path)
	assert.NotEmpty(t, env.RequestID)
}

func TestHandler_Register(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, http.DefaultClient, "/auth/register", registerBody("Casting@Agency.Example"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody[userJSON](t, resp)
	assert.Equal(t, "casting@agency.example", body.User.Email)
	assert.Equal(t, "AGENCY", body.User.Role)
	assert.False(t, body.User.EmailVerified)
	assert.NotEmpty(t, f.outbox.last("casting@agency.example"))
}

func TestHandler_RegisterValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    any
		code    string
		message string
	}{
		{
			name: "not json",
			body: "{",
			code: failure.CodeValidation,
		},
		{
			name: "missing fields",
			body: map[string]any{"email": "a@b.example"},
			code: failure.CodeValidation,
		},
		{
			name: "bad email",
			body: registerBody("not-an-email"),
			code: failure.CodeValidation,
		},
		{
			name: "unknown field",
			body: func() map[string]any { b := registerBody("x@y.example"); b["admin"] = true; return b }(),
			code: failure.CodeValidation,
		},
		{
			name:    "consents missing",
			body:    func() map[string]any { b := registerBody("x@y.example"); delete(b, "acceptTerms"); return b }(),
			code:    failure.CodeValidation,
			message: "You must accept the terms of service and privacy policy",
		},
		{
			name: "passwords differ",
			body: func() map[string]any {
				b := registerBody("x@y.example")
				b["confirmPassword"] = "other password"
				return b
			}(),
			code:    failure.CodeValidation,
			message: "Passwords do not match",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			resp := f.post(t, http.DefaultClient, "/auth/register", tt.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)

			env := decodeBody[apierr.Envelope](t, resp)
			assert.Equal(t, tt.code, env.Error)
			if tt.message != "" {
				assert.Equal(t, tt.message, env.Message)
			}
		})
	}
}

func TestHandler_RegisterReportsEveryInvalidField(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, http.DefaultClient, "/auth/register", map[string]any{"email": "bad", "password": "short"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env := decodeBody[apierr.Envelope](t, resp)
	msgs, ok := env.Message.([]any)
	require.True(t, ok, "message should be a list, got %T", env.Message)
	assert.GreaterOrEqual(t, len(msgs), 2)
}

func TestHandler_RegisterDuplicateIsConflict(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.post(t, http.DefaultClient, "/auth/register", registerBody("twice@agency.example")).StatusCode)

	resp := f.post(t, http.DefaultClient, "/auth/register", registerBody("twice@agency.example"))
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	env := decodeBody[apierr.Envelope](t, resp)
	assert.Equal(t, apierr.CodeUniqueViolation, env.Error)
}

func TestHandler_VerifyLinkRedirects(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.post(t, http.DefaultClient, "/auth/register", registerBody("link@agency.example")).StatusCode)
	raw := verification.TokenFromURL(f.outbox.last("link@agency.example"))
	browser := newBrowser(t)
	path := "/auth/verify?" + url.Values{"token": []string{raw}}.Encode()

	resp := f.get(t, browser, path, nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, webOrigin+auth.VerifiedPath+"?status=CONSUMED", resp.Header.Get("Location"))

	resp = f.get(t, browser, path, nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, webOrigin+auth.VerifiedPath+"?status=USED", resp.Header.Get("Location"))
}

func TestHandler_VerifyPost(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.post(t, http.DefaultClient, "/auth/register", registerBody("post@agency.example")).StatusCode)
	raw := verification.TokenFromURL(f.outbox.last("post@agency.example"))

	resp := f.post(t, http.DefaultClient, "/auth/verify", map[string]string{"token": raw})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CONSUMED", decodeBody[map[string]string](t, resp)["status"])

	resp = f.post(t, http.DefaultClient, "/auth/verify", map[string]string{"token": raw})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "USED", decodeBody[apierr.Envelope](t, resp).Error)

	resp = f.post(t, http.DefaultClient, "/auth/verify", map[string]string{"token": strings.Repeat("ab", 32)})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", decodeBody[apierr.Envelope](t, resp).Error)
}

func TestHandler_ResendAlwaysAccepted(t *testing.T) {
	f := newFixture(t)
	for _, email := range []string{"nobody@agency.example", "someone@agency.example"} {
		resp := f.post(t, http.DefaultClient, "/auth/resend-verification", map[string]string{"email": email})
		assert.Equal(t, http.StatusAccepted, resp.StatusCode, email)
	}
}

func TestHandler_SessionLifecycle(t *testing.T) {
	f := newFixture(t)
	account := f.verified(t, "session@talent.example")
	browser := newBrowser(t)

	resp := f.post(t, browser, "/auth/login", map[string]string{"email": account.Email, "password": password})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[userJSON](t, resp)
	assert.Equal(t, account.ID.String(), body.User.ID)
	assert.True(t, body.User.EmailVerified)

	names := map[string]bool{}
	for _, c := range resp.Cookies() {
		names[c.Name] = true
		assert.True(t, c.HttpOnly, c.Name)
	}
	assert.True(t, names[f.cookies.AccessName()])
	assert.True(t, names[f.cookies.RefreshName()])

	resp = f.get(t, browser, "/auth/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, account.Email, decodeBody[userJSON](t, resp).User.Email)

	resp = f.post(t, browser, "/auth/refresh", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.post(t, browser, "/auth/logout", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	for _, c := range resp.Cookies() {
		assert.Negative(t, c.MaxAge, c.Name)
	}

	resp = f.get(t, browser, "/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = f.post(t, browser, "/auth/refresh", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_MeAcceptsBearer(t *testing.T) {
	f := newFixture(t)
	account := f.verified(t, "bearer@talent.example")
	session, err := f.svc.Login(t.Context(), account.Email, password)
	require.NoError(t, err)

	resp := f.get(t, http.DefaultClient, "/auth/me", http.Header{"Authorization": {"Bearer " + session.AccessToken}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.get(t, http.DefaultClient, "/auth/me", http.Header{"Authorization": {"Bearer garbage"}})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, failure.CodeInvalidToken, decodeBody[apierr.Envelope](t, resp).Error)
}

func TestHandler_MeForDeletedIdentityIs404(t *testing.T) {
	f := newFixture(t)
	account := f.verified(t, "removed@talent.example")
	session, err := f.svc.Login(t.Context(), account.Email, password)
	require.NoError(t, err)
	require.NoError(t, f.identities.Delete(t.Context(), account.ID))

	resp := f.get(t, http.DefaultClient, "/auth/me", http.Header{"Authorization": {"Bearer " + session.AccessToken}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_LoginFailures(t *testing.T) {
	f := newFixture(t)
	f.verified(t, "fail@talent.example")

	resp := f.post(t, http.DefaultClient, "/auth/login", map[string]string{"email": "fail@talent.example", "password": "nope"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, auth.CodeInvalidCredentials, decodeBody[apierr.Envelope](t, resp).Error)
	assert.Empty(t, resp.Cookies())

	resp = f.post(t, http.DefaultClient, "/auth/login", map[string]string{"email": "fail@talent.example"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package auth

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/castline/castline/internal/apierr"
	"github.com/castline/castline/internal/cookie"
	"github.com/castline/castline/internal/failure"
	"github.com/castline/castline/internal/identity"
	"github.com/castline/castline/internal/logging"
	"github.com/castline/castline/internal/verification"
)

// VerifiedPath is the web page GET /auth/verify redirects to.
const VerifiedPath = "/auth/verified"

type userBody struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Role          string `json:"role"`
	EmailVerified bool   `json:"emailVerified"`
}

type userResponse struct {
	User userBody `json:"user"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func newUserResponse(i *identity.Identity) userResponse {
	return userResponse{User: userBody{
		ID:            i.ID.String(),
		Email:         i.Email,
		Role:          string(i.Role),
		EmailVerified: i.EmailVerified,
	}}
}

// Handler serves the auth routes.
type Handler struct {
	svc       *Service
	cookies   *cookie.Policy
	errors    *apierr.Writer
	schemas   schemas
	webOrigin string
}

// NewHandler creates a Handler. webOrigin is the public web origin that
// verification redirects point at.
func NewHandler(svc *Service, cookies *cookie.Policy, errs *apierr.Writer, webOrigin string) (*Handler, error) {
	reqs := make([]any, 0, len(requestBodies))
	for _, body := range requestBodies {
		reqs = append(reqs, body.req)
	}
	compiled, err := compileSchemas(reqs...)
	if err != nil {
		return nil, err
	}
	return &Handler{
		svc:       svc,
		cookies:   cookies,
		errors:    errs,
		schemas:   compiled,
		webOrigin: strings.TrimRight(webOrigin, "/"),
	}, nil
}

// Register wires the auth routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /auth/register", h.handleRegister)
	mux.HandleFunc("GET /auth/verify", h.handleVerifyLink)
	mux.HandleFunc("POST /auth/verify", h.handleVerify)
	mux.HandleFunc("POST /auth/resend-verification", h.handleResend)
	mux.HandleFunc("POST /auth/login", h.handleLogin)
	mux.HandleFunc("POST /auth/refresh", h.handleRefresh)
	mux.HandleFunc("POST /auth/logout", h.handleLogout)
	mux.HandleFunc("GET /auth/me", h.authenticated(h.handleMe))
}

// Routes returns a handler serving the auth routes. Unknown routes get a 404
// envelope.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		h.errors.Write(w, r, failure.HTTP(http.StatusNotFound, "", "Cannot "+r.Method+" "+r.URL.Path))
	})
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	apierr.WriteJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := h.schemas.decode(w, r, &req); err != nil {
		h.errors.Write(w, r, err)
		return
	}
	account, err := h.svc.Register(r.Context(), RegisterInput{
		Email:           req.Email,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
		Role:            req.Role,
		AcceptTerms:     req.AcceptTerms,
		AcceptPrivacy:   req.AcceptPrivacy,
	})
	if err != nil {
		h.errors.Write(w, r, err)
		return
	}
	apierr.WriteJSON(w, http.StatusCreated, newUserResponse(account))
}

// handleVerifyLink serves the redemption URL opened from an email and sends
// the browser to the web app's result page.
func (h *Handler) handleVerifyLink(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.svc.Verify(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		h.errors.Write(w, r, err)
		return
	}
	q := url.Values{"status": []string{string(outcome)}}
	http.Redirect(w, r, h.webOrigin+VerifiedPath+"?"+q.Encode(), http.StatusFound)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := h.schemas.decode(w, r, &req); err != nil {
		h.errors.Write(w, r, err)
		return
	}
	outcome, err := h.svc.Verify(r.Context(), req.Token)
	if err != nil {
		h.errors.Write(w, r, err)
		return
	}
	if outcome != verification.Consumed {
		h.errors.Write(w, r, failure.HTTP(http.StatusBadRequest, string(outcome), outcomeMessage(outcome)))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, statusResponse{Status: string(outcome)})
}

func outcomeMessage(o verification.Outcome) string {
	switch o {
	case verification.Expired:
		return "Verification link has expired"
	case verification.Used:
		return "Verification link has already been used"
	}
	return "Verification link is invalid"
}

func (h *Handler) handleResend(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if err := h.schemas.decode(w, r, &req); err != nil {
		h.errors.Write(w, r, err)
		return
	}
	h.svc.ResendVerification(r.Context(), req.Email)
	apierr.WriteJSON(w, http.StatusAccepted, statusResponse{Status: "accepted"})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := h.schemas.decode(w, r, &req); err != nil {
		h.errors.Write(w, r, err)
		return
	}
	session, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.errors.Write(w, r, err)
		return
	}
	h.startSession(w, r, session)
}

// handleRefresh takes the refresh token from the refresh cookie, or from
// cookie.RefreshHeader when the request came through the gateway.
func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw := cookie.Read(r, h.cookies.RefreshName())
	if raw == "" {
		raw = strings.TrimSpace(r.Header.Get(cookie.RefreshHeader))
	}
	if raw == "" {
		h.errors.Write(w, r, failure.Token(failure.CodeInvalidToken, nil))
		return
	}
	session, err := h.svc.Refresh(r.Context(), raw)
	if err != nil {
		h.cookies.Clear(w)
		h.errors.Write(w, r, err)
		return
	}
	h.startSession(w, r, session)
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, session Session) {
	h.cookies.SetAccess(w, session.AccessToken)
	h.cookies.SetRefresh(w, session.RefreshToken)
	logging.EntryFrom(r.Context()).SetUserID(session.Identity.ID.String())
	apierr.WriteJSON(w, http.StatusOK, newUserResponse(session.Identity))
}

func (h *Handler) handleLogout(w http.ResponseWriter, _ *http.Request) {
	h.cookies.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request, account *identity.Identity) {
	apierr.WriteJSON(w, http.StatusOK, newUserResponse(account))
}

type identityHandler func(w http.ResponseWriter, r *http.Request, account *identity.Identity)

// authenticated resolves the caller from the Authorization header or the
// access cookie, records it on the access log entry and calls next.
func (h *Handler) authenticated(next identityHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := accessToken(r, h.cookies.AccessName())
		if raw == "" {
			h.errors.Write(w, r, failure.Token(failure.CodeInvalidToken, nil))
			return
		}
		account, err := h.svc.Me(r.Context(), raw)
		if err != nil {
			h.errors.Write(w, r, err)
			return
		}
		logging.EntryFrom(r.Context()).SetUserID(account.ID.String())
		next(w, r, account)
	}
}

// accessToken prefers a bearer header over the cookie.
func accessToken(r *http.Request, cookieName string) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if raw, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(raw)
		}
	}
	return cookie.Read(r, cookieName)
}

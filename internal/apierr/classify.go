// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

// Package apierr turns failures into the canonical error envelope.
package apierr

import (
	"net/http"
	"strings"

	"github.com/jackc/pgerrcode"

	"github.com/castline/castline/internal/failure"
)

// Error codes written to the envelope's "error" field.
const (
	CodeUniqueViolation     = "UNIQUE_CONSTRAINT_VIOLATION"
	CodeForeignKeyViolation = "FOREIGN_KEY_VIOLATION"
	CodeNotNullViolation    = "NOT_NULL_VIOLATION"
	CodeEncryption          = "ENCRYPTION_ERROR"
	CodeProxyFailed         = "PROXY_REQUEST_FAILED"
	CodeInternal            = "INTERNAL_SERVER_ERROR"
)

// Classified is the outcome of classifying a failure.
type Classified struct {
	Status int
	Code   string
	// Message is a string, or a []string for multi-field validation failures.
	Message any
	// Kind is the failure kind the classification came from.
	Kind failure.Kind
	// Internal is set when the cause must be logged server-side and never
	// echoed to the caller.
	Internal bool
	// LogStack asks for the stacktrace to be logged with the cause.
	LogStack bool
}

var statusMessages = map[string]string{
	failure.CodeConsentRequired: "You must accept the terms of service and privacy policy",
	failure.CodePasswordsDiffer: "Passwords do not match",
}

// Classify maps any error to its status, code and caller-safe message.
// It is total and deterministic.
func Classify(err error) Classified {
	f := failure.Of(err)
	if f == nil {
		f = failure.Unknown(nil)
	}

	switch f.Kind {
	case failure.KindHTTP:
		return classifyHTTP(f)
	case failure.KindConstraint:
		return classifyConstraint(f)
	case failure.KindStatus:
		return classifyStatus(f)
	case failure.KindToken:
		if f.Code == failure.CodeTokenExpired {
			return Classified{Status: http.StatusUnauthorized, Code: failure.CodeTokenExpired, Message: "Token expired", Kind: f.Kind}
		}
		return Classified{Status: http.StatusUnauthorized, Code: failure.CodeInvalidToken, Message: "Invalid token", Kind: f.Kind}
	case failure.KindCrypto:
		return Classified{
			Status:   http.StatusInternalServerError,
			Code:     CodeEncryption,
			Message:  "Encryption error",
			Kind:     f.Kind,
			Internal: true,
			LogStack: true,
		}
	case failure.KindUpstream:
		return Classified{
			Status:   http.StatusInternalServerError,
			Code:     CodeProxyFailed,
			Message:  "Proxy request failed",
			Kind:     f.Kind,
			Internal: true,
		}
	case failure.KindUnknown:
		return internal(f.Kind)
	}
	return internal(f.Kind)
}

func internal(kind failure.Kind) Classified {
	return Classified{
		Status:   http.StatusInternalServerError,
		Code:     CodeInternal,
		Message:  "Internal server error",
		Kind:     kind,
		Internal: true,
	}
}

func classifyHTTP(f *failure.Error) Classified {
	status := f.Status
	if http.StatusText(status) == "" {
		status = http.StatusInternalServerError
	}
	code := f.Code
	if code == "" {
		code = StatusCode(status)
	}
	var msg any = f.Message
	switch {
	case len(f.Details) > 1:
		msg = f.Details
	case f.Message == "":
		msg = http.StatusText(status)
	}
	return Classified{Status: status, Code: code, Message: msg, Kind: f.Kind, Internal: status >= http.StatusInternalServerError}
}

func classifyConstraint(f *failure.Error) Classified {
	switch f.Code {
	case pgerrcode.UniqueViolation:
		return Classified{Status: http.StatusConflict, Code: CodeUniqueViolation, Message: "A record with this value already exists", Kind: f.Kind}
	case pgerrcode.ForeignKeyViolation:
		return Classified{Status: http.StatusBadRequest, Code: CodeForeignKeyViolation, Message: "Referenced record does not exist", Kind: f.Kind}
	case pgerrcode.NotNullViolation:
		return Classified{Status: http.StatusBadRequest, Code: CodeNotNullViolation, Message: "A required field is missing", Kind: f.Kind}
	}
	return internal(f.Kind)
}

func classifyStatus(f *failure.Error) Classified {
	if msg, ok := statusMessages[f.Message]; ok {
		return Classified{Status: http.StatusBadRequest, Code: failure.CodeValidation, Message: msg, Kind: f.Kind}
	}
	status := f.Status
	if http.StatusText(status) == "" {
		return internal(f.Kind)
	}
	msg := f.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	return Classified{Status: status, Code: StatusCode(status), Message: msg, Kind: f.Kind, Internal: status >= http.StatusInternalServerError}
}

// StatusCode renders an HTTP status as an error code: 404 -> "NOT_FOUND".
func StatusCode(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return CodeInternal
	}
	text = strings.NewReplacer(" ", "_", "-", "_", "'", "").Replace(text)
	return strings.ToUpper(text)
}

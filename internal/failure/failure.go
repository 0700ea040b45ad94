// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

// Package failure defines the closed set of failure kinds produced by the
// authentication core.
//
// Every fallible operation that can reach an HTTP response returns (or wraps)
// an *Error. Errors from third-party code that never passed through a
// constructor here (driver errors, jwt errors, bcrypt errors) are normalized
// once by Of, so the classifier only ever switches over Kind.
package failure

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind tags the origin of a failure.
type Kind uint8

// Failure kinds. The set is closed; classifiers switch over all of them.
const (
	KindUnknown Kind = iota
	KindHTTP
	KindConstraint
	KindStatus
	KindToken
	KindCrypto
	KindUpstream
)

var kindNames = [...]string{
	KindUnknown:    "unknown",
	KindHTTP:       "http",
	KindConstraint: "constraint",
	KindStatus:     "status",
	KindToken:      "token",
	KindCrypto:     "crypto",
	KindUpstream:   "upstream",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Stable codes shared between producers and the classifier.
const (
	CodeInvalidToken    = "INVALID_TOKEN"
	CodeTokenExpired    = "TOKEN_EXPIRED"
	CodeValidation      = "VALIDATION_ERROR"
	CodeConsentRequired = "CONSENTS_REQUIRED"
	CodePasswordsDiffer = "PASSWORDS_DO_NOT_MATCH"
)

// Error is the tagged failure variant.
type Error struct {
	Kind Kind
	// Status is the HTTP status for KindHTTP and KindStatus.
	Status int
	// Code is a stable machine-readable code. For KindConstraint it holds the
	// SQLSTATE reported by the driver.
	Code    string
	Message string
	// Details carries per-field messages for validation failures.
	Details []string
	Cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Code != "" {
		b.WriteString(" ")
		b.WriteString(e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTP returns a failure with an explicit HTTP status and code.
func HTTP(status int, code, message string) *Error {
	return &Error{Kind: KindHTTP, Status: status, Code: code, Message: message}
}

// Validation returns a 400 VALIDATION_ERROR failure carrying field messages.
func Validation(messages ...string) *Error {
	msg := "Validation failed"
	if len(messages) == 1 {
		msg = messages[0]
	}
	return &Error{
		Kind:    KindHTTP,
		Status:  http.StatusBadRequest,
		Code:    CodeValidation,
		Message: msg,
		Details: messages,
	}
}

// Status returns a business failure that carries only a numeric status and a
// message, such as CONSENTS_REQUIRED.
func Status(status int, message string) *Error {
	return &Error{Kind: KindStatus, Status: status, Message: message}
}

// Token returns a bearer-token failure. code is CodeInvalidToken or
// CodeTokenExpired.
func Token(code string, cause error) *Error {
	return &Error{Kind: KindToken, Status: http.StatusUnauthorized, Code: code, Cause: cause}
}

// Crypto returns a password-hashing failure.
func Crypto(cause error) *Error {
	return &Error{Kind: KindCrypto, Cause: cause}
}

// Upstream returns a failure reaching the internal API.
func Upstream(cause error) *Error {
	return &Error{Kind: KindUpstream, Cause: cause}
}

// Constraint returns a storage constraint failure for the given SQLSTATE.
func Constraint(sqlState string, cause error) *Error {
	return &Error{Kind: KindConstraint, Code: sqlState, Cause: cause}
}

// Unknown wraps an error that matched no other kind.
func Unknown(cause error) *Error {
	return &Error{Kind: KindUnknown, Cause: cause}
}

// As reports whether err carries an *Error and returns it.
func As(err error) (*Error, bool) {
	var f *Error
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package errutil

import (
	"context"
	"log/slog"

	"github.com/samber/oops"
)

// LogError logs an error with structured context if it's an oops error.
// For oops errors, it extracts and logs the message, code and context.
// For standard errors, it logs the error string. Extra attrs are appended
// as given.
func LogError(logger *slog.Logger, msg string, err error, attrs ...any) {
	LogErrorContext(context.Background(), logger, msg, err, attrs...)
}

// LogErrorContext is LogError with a context, so trace ids reach the record.
func LogErrorContext(ctx context.Context, logger *slog.Logger, msg string, err error, attrs ...any) {
	logger.ErrorContext(ctx, msg, append(errorAttrs(err, false), attrs...)...)
}

// LogErrorStack is LogErrorContext plus the stacktrace captured by oops.
// Errors that are not oops errors are wrapped first, so the trace starts at
// the caller.
func LogErrorStack(ctx context.Context, logger *slog.Logger, msg string, err error, attrs ...any) {
	if _, ok := oops.AsOops(err); !ok {
		err = oops.Wrap(err)
	}
	logger.ErrorContext(ctx, msg, append(errorAttrs(err, true), attrs...)...)
}

func errorAttrs(err error, withStack bool) []any {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return []any{"error", err}
	}
	attrs := []any{
		"error", oopsErr.Error(),
	}
	if code := oopsErr.Code(); code != nil {
		attrs = append(attrs, "code", code)
	}
	if ctx := oopsErr.Context(); len(ctx) > 0 {
		attrs = append(attrs, "context", ctx)
	}
	if withStack {
		attrs = append(attrs, "stack", oopsErr.Stacktrace())
	}
	return attrs
}

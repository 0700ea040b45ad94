// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package errutil

import (
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castline/castline/internal/failure"
)

// AssertErrorCode asserts that err is an oops error whose code is code. The
// code of a wrapped oops error is the innermost one.
func AssertErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok, "expected oops error, got %T: %v", err, err)
	assert.Equal(t, code, oopsErr.Code())
}

// AssertErrorContext asserts that err is an oops error carrying key=value.
func AssertErrorContext(t *testing.T, err error, key string, value any) {
	t.Helper()
	require.Error(t, err)
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok, "expected oops error, got %T: %v", err, err)
	ctx := oopsErr.Context()
	assert.Contains(t, ctx, key)
	assert.Equal(t, value, ctx[key])
}

// AssertFailure asserts that err normalizes to the given failure kind and
// code. An empty code is not checked.
func AssertFailure(t *testing.T, err error, kind failure.Kind, code string) {
	t.Helper()
	require.Error(t, err)
	f := failure.Of(err)
	assert.Equal(t, kind, f.Kind, "failure kind of %v", err)
	if code != "" {
		assert.Equal(t, code, f.Code, "failure code of %v", err)
	}
}

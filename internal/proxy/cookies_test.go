// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRewriteSetCookie(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "drops cross-origin attributes",
			in:   "access_token=abc; Domain=api.internal; Path=/auth; Secure; SameSite=None; HttpOnly",
			want: "access_token=abc; HttpOnly; Path=/; SameSite=Lax",
		},
		{
			name: "attribute names are case-insensitive",
			in:   "a=1; DOMAIN=x; secure; samesite=strict; PATH=/x",
			want: "a=1; Path=/; SameSite=Lax",
		},
		{
			name: "unknown attributes keep their order",
			in:   "a=1; Max-Age=900; Priority=High; HttpOnly; Partitioned",
			want: "a=1; Max-Age=900; Priority=High; HttpOnly; Partitioned; Path=/; SameSite=Lax",
		},
		{
			name: "bare pair",
			in:   "a=1",
			want: "a=1; Path=/; SameSite=Lax",
		},
		{
			name: "tolerates stray separators and spaces",
			in:   "  a=1 ;; Expires=Thu, 01 Jan 1970 00:00:00 GMT ;",
			want: "a=1; Expires=Thu, 01 Jan 1970 00:00:00 GMT; Path=/; SameSite=Lax",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RewriteSetCookie(tt.in))
		})
	}
}

func TestRewriteSetCookie_Idempotent(t *testing.T) {
	once := RewriteSetCookie("a=1; Secure; Path=/api")
	assert.Equal(t, once, RewriteSetCookie(once))
}

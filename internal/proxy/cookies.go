// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package proxy

import "strings"

// attributes dropped from upstream Set-Cookie headers, lowercase.
var droppedAttributes = map[string]struct{}{
	"domain":   {},
	"secure":   {},
	"samesite": {},
	"path":     {},
}

// RewriteSetCookie makes a Set-Cookie value issued by the internal API
// valid for the browser-facing origin. Domain, Secure, SameSite and Path are
// removed regardless of case, other attributes keep their order, and
// "Path=/; SameSite=Lax" is appended.
func RewriteSetCookie(header string) string {
	parts := strings.Split(header, ";")
	out := make([]string, 0, len(parts)+2)
	out = append(out, strings.TrimSpace(parts[0]))
	for _, attr := range parts[1:] {
		attr = strings.TrimSpace(attr)
		if attr == "" {
			continue
		}
		name, _, _ := strings.Cut(attr, "=")
		if _, drop := droppedAttributes[strings.ToLower(strings.TrimSpace(name))]; drop {
			continue
		}
		out = append(out, attr)
	}
	out = append(out, "Path=/", "SameSite=Lax")
	return strings.Join(out, "; ")
}

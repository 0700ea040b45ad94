// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

// Package auth serves the internal API's authentication routes.
//
// # Services
//
// Service coordinates the account operations:
//   - Register - create an unverified identity and send a verification link
//   - Verify - redeem a verification token and mark the email verified
//   - Login - check credentials and issue an access/refresh token pair
//   - Refresh - rotate the token pair from a refresh token
//   - Me - resolve the identity behind an access token
//
// Handler maps these onto HTTP routes. Failures are written as error
// envelopes by an apierr.Writer; tokens travel in cookies set by a
// cookie.Policy and, for access tokens, in the Authorization header.
package auth

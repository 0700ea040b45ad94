// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package auth

import (
	"context"
	"log/slog"

	"github.com/castline/castline/internal/logging"
	"github.com/castline/castline/internal/verification"
)

// Mailer delivers account email.
type Mailer interface {
	SendVerification(ctx context.Context, email, link string) error
}

// LogMailer writes outgoing email to the log instead of sending it.
type LogMailer struct {
	Logger *slog.Logger
	// ShowLinks logs verification links with the raw token.
	ShowLinks bool
}

// SendVerification implements Mailer.
func (m LogMailer) SendVerification(ctx context.Context, email, link string) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if !m.ShowLinks {
		link = logging.Mask(verification.TokenFromURL(link))
	}
	logger.InfoContext(ctx, "verification email", "to", email, "link", link)
	return nil
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package main

import (
	"os"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/castline/castline/internal/client"
	"github.com/castline/castline/internal/killswitch"
)

// passwordEnv supplies the whoami password without putting it on the
// command line.
const passwordEnv = "CASTLINE_PASSWORD"

func newWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Log in and print the resolved identity",
		Long: `Log in through the gateway (or the API directly), then resolve the
session with an identity lookup. A dead session is reported instead of
retried.`,
		RunE: runWhoami,
	}
	cmd.Flags().String("base-url", "http://localhost:3000/api", "gateway prefix or API base URL")
	cmd.Flags().String("email", "", "account email")
	cmd.Flags().String("password", "", "account password (default $"+passwordEnv+")")
	return cmd
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	baseURL, _ := cmd.Flags().GetString("base-url")
	email, _ := cmd.Flags().GetString("email")
	password, _ := cmd.Flags().GetString("password")
	if password == "" {
		password = os.Getenv(passwordEnv)
	}
	if email == "" || password == "" {
		return oops.Code("INVALID_ARGUMENTS").Errorf("--email and a password are required")
	}

	ctx := cmd.Context()
	kill := killswitch.New()
	kill.OnTrip(func(reason string) {
		cmd.PrintErrf("session killed: %s\n", reason)
	})
	c, err := client.New(baseURL, kill)
	if err != nil {
		return err
	}

	if _, err := c.Login(ctx, email, password); err != nil {
		return oops.Code("LOGIN_FAILED").With("email", email).Wrap(err)
	}
	// Resolve the session from the server, not the login response.
	c.ClearCache()
	me, err := c.Me(ctx)
	if err != nil {
		return oops.Code("IDENTITY_LOOKUP_FAILED").Wrap(err)
	}

	cmd.Printf("ID:       %s\n", me.ID)
	cmd.Printf("Email:    %s\n", me.Email)
	cmd.Printf("Role:     %s\n", me.Role)
	cmd.Printf("Verified: %t\n", me.EmailVerified)
	return nil
}

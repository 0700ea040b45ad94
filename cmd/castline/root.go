// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/castline/castline/internal/config"
	"github.com/castline/castline/internal/logging"
	"github.com/castline/castline/internal/xdg"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the castline CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmd(nil)
}

func newRootCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "castline",
		Short: "castline - authentication services for the casting marketplace",
		Long: `castline runs the internal auth API, the credential-forwarding
gateway in front of it, and the maintenance tasks around them.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/castline/config.yaml)")
	cmd.PersistentFlags().String("env", "", "deployment environment (production, development, test)")
	cmd.PersistentFlags().String("log-format", "", "log format (json or text)")

	cmd.AddCommand(newAPICmd(deps))
	cmd.AddCommand(newGatewayCmd(deps))
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(newSweepCmd(deps))
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig resolves the configuration for cmd. An explicit --config file
// must exist; the XDG default is optional.
func loadConfig(cmd *cobra.Command) (config.AuthConfig, error) {
	path := configFile
	required := path != ""
	if path == "" {
		if p, err := xdg.ConfigFile(); err == nil {
			path = p
		}
	}
	return config.Load(config.Options{
		File:     path,
		Required: required,
		Flags:    cmd.Flags(),
		Logger:   slog.Default(),
	})
}

// setupLogging installs the default logger for a service and returns it.
func setupLogging(cmd *cobra.Command, service, format string) *slog.Logger {
	logger := logging.Setup(service, version, format, cmd.ErrOrStderr())
	slog.SetDefault(logger)
	return logger
}

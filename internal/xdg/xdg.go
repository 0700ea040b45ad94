// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

// Package xdg provides XDG Base Directory paths for castline.
package xdg

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

const appName = "castline"

// ConfigDir returns the XDG config directory for castline.
// Checks XDG_CONFIG_HOME first, falls back to ~/.config.
func ConfigDir() (string, error) {
	return dir("XDG_CONFIG_HOME", ".config")
}

// DataDir returns the XDG data directory for castline.
// Checks XDG_DATA_HOME first, falls back to ~/.local/share.
func DataDir() (string, error) {
	return dir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// ConfigFile returns the default config file path.
func ConfigFile() (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "config.yaml"), nil
}

// SnapshotFile returns the default location of the in-memory verification
// store snapshot.
func SnapshotFile() (string, error) {
	d, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "verification.json"), nil
}

// EnsureDir creates a directory and all parent directories if they don't exist.
// Directories are created with 0700 permissions.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return oops.Code("XDG_MKDIR_FAILED").With("path", path).Wrap(err)
	}
	return nil
}

func dir(envVar, homeRel string) (string, error) {
	base := os.Getenv(envVar)
	if base == "" {
		home := os.Getenv("HOME")
		if home == "" {
			return "", oops.Code("XDG_NO_HOME").Errorf("neither %s nor HOME is set", envVar)
		}
		base = filepath.Join(home, homeRel)
	}
	return filepath.Join(base, appName), nil
}

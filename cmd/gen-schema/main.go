// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

// Command gen-schema writes the JSON Schema of every auth request body so
// the web app can validate forms with the same rules as the API.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/castline/castline/internal/auth"
)

func main() {
	outDir := filepath.Join("schemas", "auth")
	if len(os.Args) > 1 {
		outDir = os.Args[1]
	}

	written, err := write(outDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating schemas: %v\n", err)
		os.Exit(1)
	}
	for _, path := range written {
		fmt.Printf("Generated %s\n", path)
	}
}

// write generates the schemas into dir and returns the written paths.
func write(dir string) ([]string, error) {
	schemas, err := auth.GenerateSchemas()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(schemas))
	for name := range schemas {
		names = append(names, name)
	}
	sort.Strings(names)

	paths := make([]string, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name+".schema.json")
		if err := os.WriteFile(path, schemas[name], 0o600); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

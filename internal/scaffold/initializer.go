// Package scaffold writes a starter arbre.yml.
package scaffold

import (
	"bytes"
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dyluth/arbre/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// ConfigFile is the name of the generated configuration file.
const ConfigFile = "arbre.yml"

// Initialize writes arbre.yml into dir for the given store backend and
// checks that it loads. If force is false an existing file is an error.
func Initialize(dir, backend string, force bool) (string, error) {
	switch backend {
	case config.BackendRedis, config.BackendBadger, config.BackendNone:
	default:
		return "", fmt.Errorf("invalid backend: %s (must be 'redis', 'badger', or 'none')", backend)
	}

	path := filepath.Join(dir, ConfigFile)
	if !force {
		if err := CheckExisting(dir); err != nil {
			return "", err
		}
	}

	tmpl, err := templatesFS.ReadFile("templates/arbre.yml.tmpl")
	if err != nil {
		return "", fmt.Errorf("failed to read arbre.yml template: %w", err)
	}
	content := bytes.ReplaceAll(tmpl, []byte("{{BACKEND}}"), []byte(backend))

	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	// The generated file must load cleanly
	if _, err := config.Load(path); err != nil {
		return "", fmt.Errorf("generated %s is invalid: %w", ConfigFile, err)
	}
	return path, nil
}

// PrintSuccess prints the success message with next steps.
func PrintSuccess(w io.Writer, path string) {
	fmt.Fprintln(w, "\n✅ Successfully initialized arbre!")
	fmt.Fprintln(w, "\nCreated:")
	fmt.Fprintf(w, "  ✓ %s\n", path)
	fmt.Fprintln(w, "\nNext steps:")
	fmt.Fprintln(w, "  1. Point engine.path at your UCI engine")
	fmt.Fprintln(w, "  2. Try it: arbre eval --config", path)
	fmt.Fprintln(w, "  3. Start the service: arbre serve --config", path)
}

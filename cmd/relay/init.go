package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/insight-relay/internal/defaults"
)

// runInit prepares a working directory: a data directory and an example
// config.yaml. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing insight-relay in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", dataDir)

	// The config carries the backend key and transport credentials.
	configPath := filepath.Join(dir, "config.yaml")
	written, err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600)
	if err != nil {
		return err
	}
	if written {
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  - %s (exists, left unchanged)\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml (or set API_URL, CELERY_KEY and PHONE_NUMBER), then run:")
	fmt.Fprintln(w, "  relay next     to check the schedule")
	fmt.Fprintln(w, "  relay serve    to link the phone and start delivering")
	return nil
}

// writeIfMissing writes content to path unless it already exists. It
// reports whether the file was written.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

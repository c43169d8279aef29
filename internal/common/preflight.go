package common

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ExitPreflight is reserved for preflight/dependency failures.
// Watchdogs should not auto-restart on this code.
const ExitPreflight = 78

// chromeCandidates are the binaries probed when no explicit executable is
// configured, in preference order.
var chromeCandidates = []string{
	"google-chrome-stable",
	"google-chrome",
	"chromium-browser",
	"chromium",
	"chrome",
}

// Preflight verifies external dependencies before any browser is launched:
// a Chrome binary must be resolvable and the data directory writable.
// Failures are fatal and mapped to ExitPreflight by the caller.
func Preflight(config *Config) error {
	if _, err := ResolveChromePath(config.Browser.Executable); err != nil {
		return err
	}

	if err := os.MkdirAll(config.TempDir(), 0755); err != nil {
		return fmt.Errorf("data directory is not writable: %w", err)
	}

	probe := filepath.Join(config.TempDir(), ".preflight")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		return fmt.Errorf("temp directory is not writable: %w", err)
	}
	_ = os.Remove(probe)

	return nil
}

// ResolveChromePath locates the Chrome executable, honoring an explicit
// configured path first.
func ResolveChromePath(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("configured browser executable %s not found: %w", configured, err)
		}
		return configured, nil
	}

	for _, name := range chromeCandidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no Chrome/Chromium executable found on PATH")
}

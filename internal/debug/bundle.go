// Package debug assembles the diagnostic bundle written by `finsync check
// --bundle`. Bundles carry metadata only; record values never leave the store.
package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/goccy/go-json"
)

type Check struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type Bundle struct {
	GeneratedAt string         `json:"generated_at"`
	GOOS        string         `json:"goos"`
	GOARCH      string         `json:"goarch"`
	GoVersion   string         `json:"go_version"`
	Build       map[string]any `json:"build,omitempty"`
	Store       map[string]any `json:"store,omitempty"`
	Checks      []Check        `json:"checks"`
}

func NewBundle(now time.Time) Bundle {
	return Bundle{
		GeneratedAt: now.UTC().Format(time.RFC3339Nano),
		GOOS:        runtime.GOOS,
		GOARCH:      runtime.GOARCH,
		GoVersion:   runtime.Version(),
		Checks:      []Check{},
	}
}

// AddCheck records a named probe. A nil err counts as passing.
func (b *Bundle) AddCheck(name string, err error) {
	check := Check{Name: name, OK: err == nil}
	if err != nil {
		check.Message = err.Error()
	}
	b.Checks = append(b.Checks, check)
}

func (b Bundle) Healthy() bool {
	for _, check := range b.Checks {
		if !check.OK {
			return false
		}
	}
	return true
}

func WriteBundle(outputPath string, bundle Bundle) error {
	if outputPath == "" {
		return fmt.Errorf("write debug bundle: output path is required")
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o700); err != nil {
		return fmt.Errorf("write debug bundle: create output directory: %w", err)
	}

	payload, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("write debug bundle: marshal json: %w", err)
	}
	if err := os.WriteFile(outputPath, payload, 0o600); err != nil {
		return fmt.Errorf("write debug bundle: %w", err)
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_NonexistentFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load with nonexistent file should not error: %v", err)
	}

	// Verify defaults.
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("default host: expected 127.0.0.1, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 3170 {
		t.Errorf("default port: expected 3170, got %d", cfg.Server.Port)
	}
	if !cfg.Console.Enabled {
		t.Error("default console: expected enabled")
	}
	if cfg.Exports.Algorithm != "sha256" {
		t.Errorf("default algorithm: expected sha256, got %q", cfg.Exports.Algorithm)
	}
	if cfg.ExpiryDuration() != 0 {
		t.Error("request expiry should default to disabled")
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  host: "127.0.0.1"
  port: 9090
console:
  enabled: false
exports:
  algorithm: fnv32
requests:
  expiry: 72h
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port: expected 9090, got %d", cfg.Server.Port)
	}
	if cfg.Console.Enabled {
		t.Error("console should be disabled")
	}
	if cfg.Exports.Algorithm != "fnv32" {
		t.Errorf("algorithm: expected fnv32, got %q", cfg.Exports.Algorithm)
	}
	if cfg.ExpiryDuration() != 72*time.Hour {
		t.Errorf("expiry: expected 72h, got %v", cfg.ExpiryDuration())
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad port", "server:\n  port: 99999\n"},
		{"empty host", "server:\n  host: \"\"\n  port: 3170\n"},
		{"unknown algorithm", "exports:\n  algorithm: md5\n"},
		{"bad expiry", "requests:\n  expiry: next-tuesday\n"},
		{"malformed yaml", "server: [not a map\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatalf("writing config: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestWriteDefault_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load after WriteDefault: %v", err)
	}
	if cfg.Server.Port != 3170 || !cfg.Console.Enabled {
		t.Errorf("written defaults should load back: %+v", cfg)
	}
}

// Package config handles loading, validating, and writing the vaultrail
// console configuration from ~/.vaultrail/config.yaml.
//
// The config defines:
//   - Console bind address (host:port)
//   - Whether the admin HTTP surface is served at all
//   - The digest algorithm for new forensic exports
//   - The optional expiry for stale pending dual-control requests
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vaultrail/vaultrail/internal/digest"
)

// Config is the top-level vaultrail configuration. Loaded from
// config.yaml, with defaults for fields that are not explicitly set.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Console  ConsoleConfig  `yaml:"console"`
	Exports  ExportsConfig  `yaml:"exports"`
	Requests RequestsConfig `yaml:"requests"`
}

// ServerConfig defines where the admin API listens.
// Default: 127.0.0.1:3170 (loopback only — never bind to 0.0.0.0).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ConsoleConfig controls the admin HTTP surface and live feed.
type ConsoleConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ExportsConfig controls forensic export creation.
//
// Algorithm selects the digest for new bundles. The fnv32 fallback
// exists only so bundles produced by degraded runtimes stay verifiable;
// configuring it here weakens new evidence and is flagged on every
// bundle it produces.
type ExportsConfig struct {
	Algorithm string `yaml:"algorithm"`
}

// RequestsConfig controls dual-control request lifecycle.
//
// Expiry is a Go duration (e.g. "72h"). When non-zero, pending requests
// older than this are swept and rejected by the system. Empty disables
// expiry — requests then stay pending until explicitly resolved.
type RequestsConfig struct {
	Expiry string `yaml:"expiry"`
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file — use defaults. Normal before first run
			// of `vaultrail config init`.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ExpiryDuration returns the parsed request expiry, zero when disabled.
func (c *Config) ExpiryDuration() time.Duration {
	if c.Requests.Expiry == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Requests.Expiry)
	if err != nil {
		return 0
	}
	return d
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `vaultrail config init`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# vaultrail console configuration
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3170)
#
# console:
#   enabled: Serve the admin API and live feed
#
# exports:
#   algorithm: Digest for new forensic exports (sha256 or fnv32;
#              fnv32 is a non-cryptographic fallback and flags every
#              bundle it produces as weak)
#
# requests:
#   expiry: Reject pending dual-control requests older than this
#           duration (e.g. "72h"). Empty disables expiry.

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their defaults.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3170,
		},
		Console: ConsoleConfig{
			Enabled: true,
		},
		Exports: ExportsConfig{
			Algorithm: string(digest.Default),
		},
		Requests: RequestsConfig{
			Expiry: "",
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if !digest.Algorithm(cfg.Exports.Algorithm).Valid() {
		return fmt.Errorf("exports.algorithm %q is not a known digest algorithm", cfg.Exports.Algorithm)
	}
	if cfg.Requests.Expiry != "" {
		if _, err := time.ParseDuration(cfg.Requests.Expiry); err != nil {
			return fmt.Errorf("requests.expiry: %w", err)
		}
	}
	return nil
}

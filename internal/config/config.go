// Package config provides YAML configuration loading and validation for the
// FISML agent, using gopkg.in/yaml.v3 for unmarshaling and errors.Join to
// report every validation failure at once.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fisml/agent/internal/fismlerr"
)

// Config is the top-level configuration structure for the FISML agent.
type Config struct {
	// Paths is the list of filesystem roots to monitor. Required.
	Paths []string `yaml:"paths"`

	// IgnoreGlobs is a list of doublestar-style glob patterns (supporting
	// "**") matched against both full paths and basenames; matching files
	// are skipped by the baseline scanner and watcher alike.
	IgnoreGlobs []string `yaml:"ignore_globs"`

	// EntropyThreshold is the minimum Shannon entropy, in bits per
	// character, at which a token is flagged as a high-entropy secret
	// candidate. Defaults to 4.0 when omitted.
	EntropyThreshold float64 `yaml:"entropy_threshold"`

	// DBPath is the path to the SQLite database backing the file/event
	// store. Required.
	DBPath string `yaml:"db_path"`

	// SigningKeyPath is the path to the Ed25519 private key used to sign
	// events when EnableSigning is true. Defaults to "fisml_signing.key"
	// alongside the database when omitted and signing is enabled.
	SigningKeyPath string `yaml:"signing_key"`

	// EnableSigning turns on Ed25519 signing of appended events.
	EnableSigning bool `yaml:"enable_signing"`

	// HashAlgorithm selects the file-content Hasher: "sha256" (default) or
	// "xxhash". This never affects event_hash, which is always SHA-256.
	HashAlgorithm string `yaml:"hash_algorithm"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the /healthz HTTP server.
	// Defaults to "127.0.0.1:9898" when omitted.
	HealthAddr string `yaml:"health_addr"`

	// EnableMetrics turns on the /metrics Prometheus endpoint on
	// HealthAddr.
	EnableMetrics bool `yaml:"enable_metrics"`

	// ScanSecrets turns on secret scanning of new/modified file content
	// during baseline and watch runs. The CLI -secrets flag overrides this
	// per invocation.
	ScanSecrets bool `yaml:"scan_secrets"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validHashAlgorithms is the set of accepted hash_algorithm values.
var validHashAlgorithms = map[string]bool{
	"":       true, // defaults to sha256
	"sha256": true,
	"xxhash": true,
}

// Default returns a Config populated with sensible defaults: a conservative
// ignore list, a moderate entropy threshold, and metrics enabled on
// loopback.
func Default() Config {
	return Config{
		Paths:            []string{"."},
		IgnoreGlobs:      []string{".git/**", "target/**", "node_modules/**"},
		EntropyThreshold: 4.0,
		DBPath:           "fisml.db",
		EnableSigning:    false,
		HashAlgorithm:    "sha256",
		LogLevel:         "info",
		HealthAddr:       "127.0.0.1:9898",
		EnableMetrics:    true,
		ScanSecrets:      true,
	}
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fismlerr.Wrap(fismlerr.Config, fmt.Sprintf("config: cannot read %q", path), err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fismlerr.Wrap(fismlerr.Config, fmt.Sprintf("config: cannot parse %q", path), err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fismlerr.Wrap(fismlerr.Config, fmt.Sprintf("config: validation failed for %q", path), err)
	}

	return &cfg, nil
}

// WriteDefault writes the Default configuration as YAML to path, failing if
// a file already exists there.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fismlerr.Wrap(fismlerr.Config, fmt.Sprintf("config: %q already exists", path), nil)
	}
	cfg := Default()
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fismlerr.Wrap(fismlerr.Serialization, "config: marshal default config", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fismlerr.Wrap(fismlerr.Io, fmt.Sprintf("config: write %q", path), err)
	}
	return nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9898"
	}
	if cfg.EntropyThreshold == 0 {
		cfg.EntropyThreshold = 4.0
	}
	if cfg.HashAlgorithm == "" {
		cfg.HashAlgorithm = "sha256"
	}
	if cfg.EnableSigning && cfg.SigningKeyPath == "" {
		cfg.SigningKeyPath = "fisml_signing.key"
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if len(cfg.Paths) == 0 {
		errs = append(errs, errors.New("paths is required and must be non-empty"))
	}
	if cfg.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if !validHashAlgorithms[cfg.HashAlgorithm] {
		errs = append(errs, fmt.Errorf("hash_algorithm %q must be one of: sha256, xxhash", cfg.HashAlgorithm))
	}
	if cfg.EntropyThreshold <= 0 {
		errs = append(errs, errors.New("entropy_threshold must be positive"))
	}
	if cfg.EnableSigning && cfg.SigningKeyPath == "" {
		errs = append(errs, errors.New("signing_key is required when enable_signing is true"))
	}

	return errors.Join(errs...)
}

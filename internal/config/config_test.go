package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fisml/agent/internal/config"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
paths:
  - "/etc"
  - "/home/user/project"
ignore_globs:
  - ".git/**"
db_path: "/var/lib/fisml/fisml.db"
entropy_threshold: 4.5
enable_signing: true
signing_key: "/etc/fisml/signing.key"
log_level: debug
health_addr: "127.0.0.1:9001"
hash_algorithm: xxhash
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Paths) != 2 || cfg.Paths[0] != "/etc" {
		t.Errorf("Paths = %v", cfg.Paths)
	}
	if cfg.DBPath != "/var/lib/fisml/fisml.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.EntropyThreshold != 4.5 {
		t.Errorf("EntropyThreshold = %v, want 4.5", cfg.EntropyThreshold)
	}
	if !cfg.EnableSigning {
		t.Error("EnableSigning = false, want true")
	}
	if cfg.SigningKeyPath != "/etc/fisml/signing.key" {
		t.Errorf("SigningKeyPath = %q", cfg.SigningKeyPath)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.HealthAddr != "127.0.0.1:9001" {
		t.Errorf("HealthAddr = %q, want %q", cfg.HealthAddr, "127.0.0.1:9001")
	}
	if cfg.HashAlgorithm != "xxhash" {
		t.Errorf("HashAlgorithm = %q, want %q", cfg.HashAlgorithm, "xxhash")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	yaml := `
paths:
  - "."
db_path: "fisml.db"
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.HealthAddr != "127.0.0.1:9898" {
		t.Errorf("default HealthAddr = %q, want %q", cfg.HealthAddr, "127.0.0.1:9898")
	}
	if cfg.EntropyThreshold != 4.0 {
		t.Errorf("default EntropyThreshold = %v, want 4.0", cfg.EntropyThreshold)
	}
	if cfg.HashAlgorithm != "sha256" {
		t.Errorf("default HashAlgorithm = %q, want %q", cfg.HashAlgorithm, "sha256")
	}
}

func TestLoadConfig_MissingPaths(t *testing.T) {
	yaml := `
db_path: "fisml.db"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing paths, got nil")
	}
	if !strings.Contains(err.Error(), "paths") {
		t.Errorf("error %q does not mention paths", err.Error())
	}
}

func TestLoadConfig_MissingDBPath(t *testing.T) {
	yaml := `
paths:
  - "."
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing db_path, got nil")
	}
	if !strings.Contains(err.Error(), "db_path") {
		t.Errorf("error %q does not mention db_path", err.Error())
	}
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	yaml := `
paths:
  - "."
db_path: "fisml.db"
log_level: "verbose"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoadConfig_InvalidHashAlgorithm(t *testing.T) {
	yaml := `
paths:
  - "."
db_path: "fisml.db"
hash_algorithm: "blake3"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid hash_algorithm, got nil")
	}
	if !strings.Contains(err.Error(), "hash_algorithm") {
		t.Errorf("error %q does not mention hash_algorithm", err.Error())
	}
}

func TestLoadConfig_SigningEnabledWithoutKeyPath(t *testing.T) {
	// signing_key omitted: applyDefaults fills it in before validate runs,
	// so this must NOT be an error; it documents that behavior.
	yaml := `
paths:
  - "."
db_path: "fisml.db"
enable_signing: true
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SigningKeyPath == "" {
		t.Error("SigningKeyPath should have been defaulted when enable_signing is true")
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.LoadConfig(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestWriteDefault_RefusesToOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := config.WriteDefault(path); err != nil {
		t.Fatalf("first WriteDefault: %v", err)
	}
	if err := config.WriteDefault(path); err == nil {
		t.Fatal("expected error writing over an existing config, got nil")
	}
}

func TestWriteDefault_ProducesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := config.WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	if _, err := config.LoadConfig(path); err != nil {
		t.Fatalf("LoadConfig of written default: %v", err)
	}
}

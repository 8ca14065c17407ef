package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/forest6511/walletctl/pkg/keystore"
	"github.com/forest6511/walletctl/pkg/security"
)

func writeConfig(t *testing.T, dir, content string, mode os.FileMode) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), mode); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
}

func TestLoad_NotFoundUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	def := Default()
	if cfg.Session.Timeout != def.Session.Timeout {
		t.Errorf("expected default timeout %v, got %v", def.Session.Timeout, cfg.Session.Timeout)
	}
	if cfg.Keystore != keystore.StandardParams() {
		t.Errorf("expected standard keystore params, got %+v", cfg.Keystore)
	}
	if cfg.Provider.Endpoint != "" {
		t.Errorf("expected no provider endpoint, got %q", cfg.Provider.Endpoint)
	}
}

func TestLoad_Overrides(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `version: 1
session:
  timeout: 10m
keystore:
  kdf: argon2id
  argon2:
    memory: 65536
    iterations: 3
    parallelism: 4
provider:
  endpoint: http://127.0.0.1:8545
  batch:
    max_attempts: 5
log:
  level: debug
  format: json
`, 0600)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Session.Timeout != 10*time.Minute {
		t.Errorf("expected timeout 10m, got %v", cfg.Session.Timeout)
	}
	if cfg.Keystore.KDF != keystore.KDFArgon2id || cfg.Keystore.Argon2.Iterations != 3 {
		t.Errorf("unexpected keystore params %+v", cfg.Keystore)
	}
	if cfg.Provider.Batch.MaxAttempts != 5 {
		t.Errorf("expected max_attempts 5, got %d", cfg.Provider.Batch.MaxAttempts)
	}
	// unset keys keep their defaults
	if cfg.Provider.Batch.MaxConcurrent != Default().Provider.Batch.MaxConcurrent {
		t.Errorf("expected default max_concurrent, got %d", cfg.Provider.Batch.MaxConcurrent)
	}
	if cfg.Cache.Size != Default().Cache.Size {
		t.Errorf("expected default cache size, got %d", cfg.Cache.Size)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected json log format, got %q", cfg.Log.Format)
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "", 0600)
	if _, err := Load(dir); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
}

func TestLoad_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions only")
	}
	dir := t.TempDir()
	writeConfig(t, dir, "version: 1\n", 0644)

	_, err := Load(dir)
	var pe *PermissionError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PermissionError, got %v", err)
	}
	if pe.Mode != 0644 {
		t.Errorf("expected mode 0644, got %o", pe.Mode)
	}
}

func TestLoad_Symlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	dir := t.TempDir()
	target := filepath.Join(dir, "real.yaml")
	if err := os.WriteFile(target, []byte("version: 1\n"), 0600); err != nil {
		t.Fatalf("failed to write target: %v", err)
	}
	if err := os.Symlink(target, filepath.Join(dir, FileName)); err != nil {
		t.Fatalf("failed to create symlink: %v", err)
	}

	if _, err := Load(dir); !errors.Is(err, ErrSymlink) {
		t.Errorf("expected ErrSymlink, got %v", err)
	}
}

func TestLoad_UnknownField(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "version: 1\nsesion:\n  timeout: 1m\n", 0600)

	if _, err := Load(dir); err == nil {
		t.Error("expected error for misspelled section")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `invalid: yaml: content: [[[`, 0600)

	if _, err := Load(dir); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"version", func(c *Config) { c.Version = 2 }},
		{"negative timeout", func(c *Config) { c.Session.Timeout = -time.Second }},
		{"cache size", func(c *Config) { c.Cache.Size = 0 }},
		{"min length", func(c *Config) { c.Password.MinLength = 0 }},
		{"min strength", func(c *Config) { c.Password.MinStrength = "excellent" }},
		{"kdf", func(c *Config) { c.Keystore.KDF = "bcrypt" }},
		{"backup kdf", func(c *Config) { c.Backup.Iterations = 0 }},
		{"batch", func(c *Config) {
			c.Provider.Endpoint = "http://localhost:8545"
			c.Provider.Batch.MaxAttempts = 0
		}},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Session.Timeout = 90 * time.Second
	cfg.Password.MinStrength = "good"

	if err := Write(dir, cfg); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Session.Timeout != 90*time.Second {
		t.Errorf("expected timeout 90s, got %v", got.Session.Timeout)
	}
	policy, err := got.PasswordPolicy()
	if err != nil {
		t.Fatalf("PasswordPolicy failed: %v", err)
	}
	if policy.MinStrength != security.PasswordGood {
		t.Errorf("expected Good, got %v", policy.MinStrength)
	}
}

func TestAccountConfig(t *testing.T) {
	cfg := Default()
	cfg.Session.Timeout = time.Minute
	cfg.Cache.Size = 7

	ac := cfg.Account("/tmp/wallet")
	if ac.Dir != "/tmp/wallet" {
		t.Errorf("expected dir /tmp/wallet, got %q", ac.Dir)
	}
	if ac.SessionTimeout != time.Minute || ac.CacheSize != 7 {
		t.Errorf("unexpected manager config %+v", ac)
	}
	if ac.PasswordPolicy != security.DefaultPolicy() {
		t.Errorf("expected default policy, got %+v", ac.PasswordPolicy)
	}
	if ac.BackupKDF.KeyLength != 32 {
		t.Errorf("expected 32-byte backup key, got %d", ac.BackupKDF.KeyLength)
	}
}

func TestTelemetryPath(t *testing.T) {
	cfg := Default()
	if got := cfg.TelemetryPath("/w"); got != filepath.Join("/w", "telemetry.jsonl") {
		t.Errorf("unexpected relative path %q", got)
	}
	abs := filepath.Join(t.TempDir(), "t.jsonl")
	cfg.Telemetry.Path = abs
	if got := cfg.TelemetryPath("/w"); got != abs {
		t.Errorf("expected %q, got %q", abs, got)
	}
}

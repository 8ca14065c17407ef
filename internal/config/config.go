// Package config loads walletctl settings from config.yaml in the wallet
// directory.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/forest6511/walletctl/pkg/account"
	"github.com/forest6511/walletctl/pkg/batch"
	"github.com/forest6511/walletctl/pkg/crypto"
	"github.com/forest6511/walletctl/pkg/keystore"
	"github.com/forest6511/walletctl/pkg/security"
	"github.com/forest6511/walletctl/pkg/session"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	// FileName is the config file inside the wallet directory.
	FileName = "config.yaml"

	// Version is the only config schema version understood.
	Version = 1

	fileMode = 0600
)

var (
	// ErrSymlink is returned when the config file is a symlink.
	ErrSymlink = errors.New("config: config file is a symlink")

	// ErrNotOwnedByUser is returned when another user owns the config file.
	ErrNotOwnedByUser = errors.New("config: config file not owned by current user")

	// ErrInvalid wraps every validation failure.
	ErrInvalid = errors.New("config: invalid configuration")
)

// PermissionError reports a config file readable by others.
type PermissionError struct {
	Mode os.FileMode
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("config: insecure permissions %o (expected 0600)", e.Mode)
}

// Config is the on-disk configuration.
type Config struct {
	Version   int             `yaml:"version"`
	Session   SessionConfig   `yaml:"session"`
	Keystore  keystore.Params `yaml:"keystore"`
	Backup    BackupConfig    `yaml:"backup"`
	Cache     CacheConfig     `yaml:"cache"`
	Password  PasswordConfig  `yaml:"password"`
	Provider  ProviderConfig  `yaml:"provider"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// SessionConfig controls auto-lock and authorization tokens.
type SessionConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	CheckInterval time.Duration `yaml:"check_interval"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
}

// BackupConfig is the Argon2id cost for backup vaults.
type BackupConfig struct {
	Memory      uint32 `yaml:"argon2_memory"`
	Iterations  uint32 `yaml:"argon2_iterations"`
	Parallelism uint8  `yaml:"argon2_parallelism"`
}

// CacheConfig sizes the account and balance caches.
type CacheConfig struct {
	Size       int           `yaml:"size"`
	TTL        time.Duration `yaml:"ttl"`
	BalanceTTL time.Duration `yaml:"balance_ttl"`
}

// PasswordConfig is the wallet password policy.
type PasswordConfig struct {
	MinLength   int    `yaml:"min_length"`
	MinStrength string `yaml:"min_strength"`
}

// ProviderConfig points balance queries at a JSON-RPC node.
type ProviderConfig struct {
	// Endpoint is an http(s), ws(s) or ipc address. Empty disables balance
	// queries.
	Endpoint string       `yaml:"endpoint"`
	Block    string       `yaml:"block"`
	Batch    batch.Config `yaml:"batch"`
}

// TelemetryConfig controls the local telemetry sink.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path is relative to the wallet directory unless absolute.
	Path string `yaml:"path"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	argon := crypto.DefaultArgon2Params()
	return &Config{
		Version: Version,
		Session: SessionConfig{
			Timeout:       session.DefaultTimeout,
			CheckInterval: session.DefaultCheckInterval,
			TokenTTL:      account.DefaultTokenTTL,
		},
		Keystore: keystore.StandardParams(),
		Backup: BackupConfig{
			Memory:      argon.Memory,
			Iterations:  argon.Iterations,
			Parallelism: argon.Parallelism,
		},
		Cache: CacheConfig{
			Size:       account.DefaultCacheSize,
			TTL:        account.DefaultCacheTTL,
			BalanceTTL: account.DefaultBalanceTTL,
		},
		Password: PasswordConfig{MinLength: 8, MinStrength: "fair"},
		Provider: ProviderConfig{Block: "latest", Batch: batch.DefaultConfig()},
		Telemetry: TelemetryConfig{
			Path: "telemetry.jsonl",
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads dir/config.yaml over the defaults. A missing file yields the
// defaults. The file must be a regular file private to the current user.
func Load(dir string) (*Config, error) {
	cfg := Default()

	f, err := openConfigFile(filepath.Join(dir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		if errors.Is(err, ErrSymlink) {
			return nil, err
		}
		return nil, fmt.Errorf("config: failed to open config file: %w", err)
	}
	defer f.Close()

	// fstat the open descriptor so the checked file is the one read
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("config: failed to stat config file: %w", err)
	}
	if err := checkFileMode(info); err != nil {
		return nil, err
	}
	if err := checkFileOwnership(info); err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write saves cfg as dir/config.yaml with mode 0600.
func Write(dir string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), data, fileMode); err != nil {
		return fmt.Errorf("config: failed to write config file: %w", err)
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	switch {
	case c.Version != Version:
		return invalid("unsupported version %d", c.Version)
	case c.Session.Timeout < 0 || c.Session.CheckInterval < 0 || c.Session.TokenTTL < 0:
		return invalid("session durations must not be negative")
	case c.Cache.Size < 1:
		return invalid("cache.size must be at least 1")
	case c.Cache.TTL < 0 || c.Cache.BalanceTTL < 0:
		return invalid("cache durations must not be negative")
	case c.Password.MinLength < 1:
		return invalid("password.min_length must be at least 1")
	}
	if err := c.Keystore.Validate(); err != nil {
		return invalid("keystore: %v", err)
	}
	if err := c.BackupKDF().Validate(); err != nil {
		return invalid("backup: %v", err)
	}
	if _, err := c.PasswordPolicy(); err != nil {
		return err
	}
	if c.Provider.Endpoint != "" {
		if err := c.Provider.Batch.Validate(); err != nil {
			return invalid("provider.batch: %v", err)
		}
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level: %v", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return invalid("log.format must be text or json")
	}
	return nil
}

// PasswordPolicy returns the configured policy.
func (c *Config) PasswordPolicy() (security.Policy, error) {
	for s := security.PasswordWeak; s <= security.PasswordStrong; s++ {
		if strings.EqualFold(s.String(), c.Password.MinStrength) {
			return security.Policy{MinLength: c.Password.MinLength, MinStrength: s}, nil
		}
	}
	return security.Policy{}, fmt.Errorf("%w: password.min_strength %q is not weak, fair, good or strong",
		ErrInvalid, c.Password.MinStrength)
}

// BackupKDF returns the backup Argon2id parameters.
func (c *Config) BackupKDF() crypto.Argon2Params {
	return crypto.Argon2Params{
		Memory:      c.Backup.Memory,
		Iterations:  c.Backup.Iterations,
		Parallelism: c.Backup.Parallelism,
		KeyLength:   crypto.KeyLength,
	}
}

// TelemetryPath resolves the telemetry file against dir.
func (c *Config) TelemetryPath(dir string) string {
	if filepath.IsAbs(c.Telemetry.Path) {
		return c.Telemetry.Path
	}
	return filepath.Join(dir, c.Telemetry.Path)
}

// Account returns the manager settings for a wallet in dir. Telemetry and
// Provider are left for the caller to attach.
func (c *Config) Account(dir string) account.Config {
	policy, _ := c.PasswordPolicy()
	return account.Config{
		Dir:                  dir,
		Keystore:             c.Keystore,
		BackupKDF:            c.BackupKDF(),
		SessionTimeout:       c.Session.Timeout,
		SessionCheckInterval: c.Session.CheckInterval,
		TokenTTL:             c.Session.TokenTTL,
		CacheSize:            c.Cache.Size,
		CacheTTL:             c.Cache.TTL,
		BalanceTTL:           c.Cache.BalanceTTL,
		PasswordPolicy:       policy,
		Batch:                c.Provider.Batch,
	}
}

// ConfigureLogging applies the log section to the standard logrus logger.
func (c *Config) ConfigureLogging(out io.Writer) error {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
	}
	logrus.SetLevel(level)
	logrus.SetOutput(out)
	if c.Log.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	}
	return nil
}

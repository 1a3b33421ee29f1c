// Package config loads daemon configuration from config.yaml with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/trellishq/trellis/internal/storage"
	"github.com/trellishq/trellis/internal/types"
)

// DefaultDirName is the per-workspace directory holding config.yaml and the
// daemon socket.
const DefaultDirName = ".trellis"

// Config is the daemon's full configuration.
type Config struct {
	Workspace string `mapstructure:"workspace"`

	Store StoreConfig `mapstructure:"store"`

	// SocketPath is where trellisd listens. Empty means
	// <dir>/trellisd.sock.
	SocketPath string `mapstructure:"socket-path"`

	// DefaultPriority applies when neither an item nor call-level defaults
	// carry one.
	DefaultPriority string `mapstructure:"default-priority"`

	// DefaultIssueLimit caps list responses when the caller sets no limit.
	DefaultIssueLimit int `mapstructure:"default-issue-limit"`

	Retry RetrySettings `mapstructure:"retry"`

	Bulk BulkSettings `mapstructure:"bulk"`
}

// StoreConfig selects and parameterizes the backing store. URL forms:
// "memory://" for the in-process store, "dolt://<dir>" for an embedded dolt
// database, or a mysql DSN.
type StoreConfig struct {
	URL      string `mapstructure:"url"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// RetrySettings configures connection-class retry backoff.
type RetrySettings struct {
	MaxAttempts  int           `mapstructure:"max-attempts"`
	InitialDelay time.Duration `mapstructure:"initial-delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	MaxDelay     time.Duration `mapstructure:"max-delay"`
}

// BulkSettings configures the bulk engine.
type BulkSettings struct {
	// Retention is how long finished operation records stay queryable.
	Retention time.Duration `mapstructure:"retention"`
}

// Load reads config.yaml from dir, applying defaults and TRELLIS_* env
// overrides (TRELLIS_STORE_URL, TRELLIS_SOCKET_PATH, ...). A missing file
// yields the defaults.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filepath.Join(dir, "config.yaml"))
	v.SetConfigType("yaml")

	v.SetEnvPrefix("TRELLIS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("workspace", "workspace")
	v.SetDefault("store.url", "memory://")
	v.SetDefault("socket-path", "")
	v.SetDefault("default-priority", string(types.PriorityMedium))
	v.SetDefault("default-issue-limit", 50)
	v.SetDefault("retry.max-attempts", 3)
	v.SetDefault("retry.initial-delay", time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max-delay", 10*time.Second)
	v.SetDefault("bulk.retention", 60*time.Second)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(dir, "trellisd.sock")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DefaultPriority != "" {
		if _, err := types.NormalizePriority(c.DefaultPriority); err != nil {
			return fmt.Errorf("invalid default-priority: %w", err)
		}
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max-attempts must be at least 1 (got %d)", c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1 (got %g)", c.Retry.Multiplier)
	}
	return nil
}

// Priority returns the configured default priority as a typed value.
func (c *Config) Priority() types.Priority {
	if c.DefaultPriority == "" {
		return types.PriorityMedium
	}
	p, err := types.NormalizePriority(c.DefaultPriority)
	if err != nil {
		return types.PriorityMedium
	}
	return p
}

// RetryConfig converts the retry settings into the storage layer's shape.
func (c *Config) RetryConfig() storage.RetryConfig {
	return storage.RetryConfig{
		MaxAttempts:  c.Retry.MaxAttempts,
		InitialDelay: c.Retry.InitialDelay,
		Multiplier:   c.Retry.Multiplier,
		MaxDelay:     c.Retry.MaxDelay,
	}
}

// FindDir walks up from cwd looking for a .trellis directory. Returns the
// directory path, or cwd/.trellis when none exists yet.
func FindDir() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		candidate := filepath.Join(dir, DefaultDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
	}
	return filepath.Join(cwd, DefaultDirName), nil
}

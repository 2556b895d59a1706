// Package config loads the splitledger TOML configuration.
//
// Values are resolved in four layers: built-in defaults, the config file,
// environment variables, then CLI flags. Durations are kept as strings in
// the file ("30s", "2m") and parsed on access after Validate has accepted
// them.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Default values.
const (
	defaultDBName         = "splitledger.db"
	defaultRemoteURL      = "http://localhost:8080"
	defaultLogLevel       = "info"
	defaultPollInterval   = "1m"
	defaultManualDebounce = "2s"
	defaultRequestTimeout = "30s"
	defaultMetricsAddr    = ""
	defaultDevRemoteAddr  = ":8080"
	defaultTokenDuration  = "24h"
)

// Config is the root of the config file.
type Config struct {
	DBPath    string `toml:"db_path"`
	RemoteURL string `toml:"remote_url"`
	Token     string `toml:"token"`
	LogLevel  string `toml:"log_level"`

	Sync    SyncConfig    `toml:"sync"`
	Metrics MetricsConfig `toml:"metrics"`
	Remote  RemoteConfig  `toml:"remote"`
}

// SyncConfig controls when drains run.
type SyncConfig struct {
	PollInterval   string `toml:"poll_interval"`
	ManualDebounce string `toml:"manual_debounce"`
	RequestTimeout string `toml:"request_timeout"`
}

// MetricsConfig controls the Prometheus endpoint of the watch command.
type MetricsConfig struct {
	Addr string `toml:"addr"` // empty disables the endpoint
}

// RemoteConfig configures the development reference remote.
type RemoteConfig struct {
	Addr          string `toml:"addr"`
	JWTSecret     string `toml:"jwt_secret"` // empty disables authentication
	TokenDuration string `toml:"token_duration"`
}

// DefaultConfig returns a Config populated with every default.
func DefaultConfig() *Config {
	return &Config{
		DBPath:    DefaultDBPath(),
		RemoteURL: defaultRemoteURL,
		LogLevel:  defaultLogLevel,
		Sync: SyncConfig{
			PollInterval:   defaultPollInterval,
			ManualDebounce: defaultManualDebounce,
			RequestTimeout: defaultRequestTimeout,
		},
		Metrics: MetricsConfig{Addr: defaultMetricsAddr},
		Remote: RemoteConfig{
			Addr:          defaultDevRemoteAddr,
			TokenDuration: defaultTokenDuration,
		},
	}
}

// DefaultConfigPath returns the config file location under the user config
// directory, falling back to the working directory.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "splitledger.toml"
	}
	return filepath.Join(dir, "splitledger", "config.toml")
}

// DefaultDBPath returns the database location under the user data directory.
func DefaultDBPath() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "splitledger", defaultDBName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultDBName
	}
	return filepath.Join(home, ".local", "share", "splitledger", defaultDBName)
}

// PollInterval returns sync.poll_interval. Zero disables periodic drains.
func (c *Config) PollInterval() time.Duration { return mustDuration(c.Sync.PollInterval) }

// ManualDebounce returns sync.manual_debounce.
func (c *Config) ManualDebounce() time.Duration { return mustDuration(c.Sync.ManualDebounce) }

// RequestTimeout returns sync.request_timeout.
func (c *Config) RequestTimeout() time.Duration { return mustDuration(c.Sync.RequestTimeout) }

// TokenDuration returns remote.token_duration.
func (c *Config) TokenDuration() time.Duration { return mustDuration(c.Remote.TokenDuration) }

// mustDuration parses a duration that Validate has already accepted. An
// empty or invalid string is zero.
func mustDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// Environment variable names for overrides.
const (
	EnvConfig    = "SPLITLEDGER_CONFIG"
	EnvDB        = "SPLITLEDGER_DB"
	EnvRemoteURL = "SPLITLEDGER_REMOTE_URL"
	EnvToken     = "SPLITLEDGER_TOKEN"
	EnvLogLevel  = "LOG_LEVEL"
)

// EnvOverrides holds values read from the environment.
type EnvOverrides struct {
	ConfigPath string
	DBPath     string
	RemoteURL  string
	Token      string
	LogLevel   string
}

// ReadEnvOverrides reads the override variables.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		DBPath:     os.Getenv(EnvDB),
		RemoteURL:  os.Getenv(EnvRemoteURL),
		Token:      os.Getenv(EnvToken),
		LogLevel:   os.Getenv(EnvLogLevel),
	}
}

// CLIOverrides holds values from command-line flags. Empty means not set.
type CLIOverrides struct {
	ConfigPath string
	DBPath     string
	RemoteURL  string
	Token      string
	LogLevel   string
}

// Load reads, checks and validates a config file. Unknown keys are errors.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads path if it exists and returns the defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve applies defaults -> config file -> environment -> CLI flags and
// validates the result.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, error) {
	cfgPath := firstNonEmpty(cli.ConfigPath, env.ConfigPath, DefaultConfigPath())

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	cfg.DBPath = firstNonEmpty(cli.DBPath, env.DBPath, cfg.DBPath)
	cfg.RemoteURL = firstNonEmpty(cli.RemoteURL, env.RemoteURL, cfg.RemoteURL)
	cfg.Token = firstNonEmpty(cli.Token, env.Token, cfg.Token)
	cfg.LogLevel = firstNonEmpty(cli.LogLevel, env.LogLevel, cfg.LogLevel)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// knownKeys lists every valid dotted key.
var knownKeys = []string{
	"db_path", "remote_url", "token", "log_level",
	"sync", "sync.poll_interval", "sync.manual_debounce", "sync.request_timeout",
	"metrics", "metrics.addr",
	"remote", "remote.addr", "remote.jwt_secret", "remote.token_duration",
}

// checkUnknownKeys reports every undecoded key, suggesting the closest known
// key when one is near.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	for _, key := range md.Undecoded() {
		name := key.String()
		if suggestion := closestMatch(name, knownKeys); suggestion != "" {
			errs = append(errs, fmt.Errorf("unknown config key %q, did you mean %q?", name, suggestion))
			continue
		}
		errs = append(errs, fmt.Errorf("unknown config key %q", name))
	}

	return errors.Join(errs...)
}

const maxLevenshteinDistance = 3

// closestMatch finds the closest known key by edit distance, or "".
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range slices.Sorted(slices.Values(known)) {
		if d := levenshtein(unknown, k); d < bestDist {
			bestDist = d
			best = k
		}
	}
	return best
}

func levenshtein(a, b string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1
		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}
			curr[j+1] = min(prev[j+1]+1, curr[j]+1, prev[j]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

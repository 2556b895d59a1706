package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/mmynk/splitledger/pkg/logging"
)

const (
	minPollInterval   = 5 * time.Second
	minRequestTimeout = time.Second
)

// Validate checks every field and returns all problems joined.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.DBPath == "" {
		errs = append(errs, errors.New("db_path: must not be empty"))
	}

	if u, err := url.Parse(cfg.RemoteURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("remote_url: %q is not an absolute URL", cfg.RemoteURL))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("remote_url: unsupported scheme %q", u.Scheme))
	}

	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}

	errs = append(errs, validatePollInterval(cfg.Sync.PollInterval))
	errs = append(errs, validateDuration("sync.manual_debounce", cfg.Sync.ManualDebounce, 0))
	errs = append(errs, validateDuration("sync.request_timeout", cfg.Sync.RequestTimeout, minRequestTimeout))
	errs = append(errs, validateDuration("remote.token_duration", cfg.Remote.TokenDuration, time.Minute))

	return errors.Join(errs...)
}

// validatePollInterval accepts "0" (disabled) or at least minPollInterval.
func validatePollInterval(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("sync.poll_interval: invalid duration %q: %w", value, err)
	}
	if d == 0 {
		return nil
	}
	if d < minPollInterval {
		return fmt.Errorf("sync.poll_interval: must be 0 or at least %s, got %s", minPollInterval, d)
	}
	return nil
}

// validateDuration checks that a duration string is valid and meets a minimum.
func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}
	if d < minimum {
		return fmt.Errorf("%s: must be at least %s, got %s", field, minimum, d)
	}
	return nil
}

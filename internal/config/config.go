package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents a session's config.toml.
type Config struct {
	APIURL       string `toml:"api_url"`
	WebSocketURL string `toml:"websocket_url"`

	// UserID is the user this session connects as. Empty means the session
	// runs offline until a user is bound.
	UserID string `toml:"user_id"`

	// KeepAliveInBackground keeps the socket connected while the host app
	// is backgrounded, under a platform background-execution grant.
	KeepAliveInBackground bool `toml:"keep_alive_in_background"`

	// ReconnectionTimeoutSeconds configures the watchdog that aborts a
	// connection attempt stuck in connecting. Zero disables the watchdog.
	ReconnectionTimeoutSeconds int `toml:"reconnection_timeout_seconds"`

	Token  TokenConfig  `toml:"token"`
	Retry  RetryConfig  `toml:"retry"`
	Upload UploadConfig `toml:"upload"`
}

// TokenConfig controls the token refresh flow.
type TokenConfig struct {
	AttemptTimeoutSeconds int `toml:"attempt_timeout_seconds"`
	MaximumAttempts       int `toml:"maximum_attempts"`
}

// RetryConfig controls the shared backoff policy.
type RetryConfig struct {
	BaseDelayMillis int `toml:"base_delay_millis"`
	MaxDelayMillis  int `toml:"max_delay_millis"`
}

// UploadConfig controls the attachment upload pipeline.
type UploadConfig struct {
	Concurrency int `toml:"concurrency"`
	// MinProgressDelta bounds local-store write amplification: uploading
	// progress is persisted only when it moved at least this much.
	MinProgressDelta float64 `toml:"min_progress_delta"`
}

// Default returns a config with production defaults applied.
func Default() *Config {
	return &Config{
		KeepAliveInBackground:      false,
		ReconnectionTimeoutSeconds: 0,
		Token: TokenConfig{
			AttemptTimeoutSeconds: 10,
			MaximumAttempts:       10,
		},
		Retry: RetryConfig{
			BaseDelayMillis: 500,
			MaxDelayMillis:  25000,
		},
		Upload: UploadConfig{
			Concurrency:      4,
			MinProgressDelta: 0.01,
		},
	}
}

// Load reads config from the given path, applying defaults for missing
// fields. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyFloors()
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// applyFloors clamps nonsensical values back to defaults.
func (c *Config) applyFloors() {
	d := Default()
	if c.Token.AttemptTimeoutSeconds <= 0 {
		c.Token.AttemptTimeoutSeconds = d.Token.AttemptTimeoutSeconds
	}
	if c.Token.MaximumAttempts <= 0 {
		c.Token.MaximumAttempts = d.Token.MaximumAttempts
	}
	if c.Retry.BaseDelayMillis <= 0 {
		c.Retry.BaseDelayMillis = d.Retry.BaseDelayMillis
	}
	if c.Retry.MaxDelayMillis < c.Retry.BaseDelayMillis {
		c.Retry.MaxDelayMillis = d.Retry.MaxDelayMillis
	}
	if c.Upload.Concurrency <= 0 {
		c.Upload.Concurrency = d.Upload.Concurrency
	}
	if c.Upload.MinProgressDelta <= 0 {
		c.Upload.MinProgressDelta = d.Upload.MinProgressDelta
	}
}

// TokenAttemptTimeout returns the attempt timeout as a duration.
func (c *Config) TokenAttemptTimeout() time.Duration {
	return time.Duration(c.Token.AttemptTimeoutSeconds) * time.Second
}

// RetryBaseDelay returns the backoff base delay as a duration.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelayMillis) * time.Millisecond
}

// RetryMaxDelay returns the backoff cap as a duration.
func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelayMillis) * time.Millisecond
}

// ReconnectionTimeout returns the watchdog duration; zero means disabled.
func (c *Config) ReconnectionTimeout() time.Duration {
	return time.Duration(c.ReconnectionTimeoutSeconds) * time.Second
}

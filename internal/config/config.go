// Package config loads the daemon configuration and derives the
// per-session filesystem layout under the data directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
)

// BackoffConfig bounds the reconnect delay, in seconds.
type BackoffConfig struct {
	MinSeconds int `toml:"min_seconds"`
	MaxSeconds int `toml:"max_seconds"`
}

// Config represents ~/.zapkeeper/config.toml.
type Config struct {
	SessionID string        `toml:"session_id"`
	DataDir   string        `toml:"data_dir"`
	HTTPAddr  string        `toml:"http_addr"`
	Backoff   BackoffConfig `toml:"backoff"`
}

// Default returns the built-in configuration. The fixed session id
// matches the single-session deployment this daemon targets.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		SessionID: "main-session",
		DataDir:   filepath.Join(home, ".zapkeeper"),
		HTTPAddr:  ":10000",
		Backoff:   BackoffConfig{MinSeconds: 2, MaxSeconds: 60},
	}
}

// DefaultPath returns the standard config file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".zapkeeper", "config.toml")
}

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Validate checks the loaded values.
func (c *Config) Validate() error {
	if c.SessionID == "" {
		return errors.New("session_id must not be empty")
	}
	if !sessionIDPattern.MatchString(c.SessionID) {
		return fmt.Errorf("session_id %q contains invalid characters", c.SessionID)
	}
	if c.Backoff.MinSeconds <= 0 || c.Backoff.MaxSeconds < c.Backoff.MinSeconds {
		return fmt.Errorf("backoff bounds %d..%d are invalid",
			c.Backoff.MinSeconds, c.Backoff.MaxSeconds)
	}
	return nil
}

// Load reads the config at path, filling unset fields with defaults.
// A missing file yields the pure defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to path, creating parent dirs as needed.
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

// MinBackoff returns the configured minimum reconnect delay.
func (c *Config) MinBackoff() time.Duration {
	return time.Duration(c.Backoff.MinSeconds) * time.Second
}

// MaxBackoff returns the configured maximum reconnect delay.
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Backoff.MaxSeconds) * time.Second
}

// SessionDir returns the per-session directory.
func (c *Config) SessionDir() string {
	return filepath.Join(c.DataDir, "sessions", c.SessionID)
}

// RecordsDBPath returns the record store database path.
func (c *Config) RecordsDBPath() string {
	return filepath.Join(c.SessionDir(), "records.db")
}

// ProtocolDBPath returns the protocol library's own device database path.
func (c *Config) ProtocolDBPath() string {
	return filepath.Join(c.SessionDir(), "protocol.db")
}

// LogDir returns the session log directory.
func (c *Config) LogDir() string {
	return filepath.Join(c.SessionDir(), "logs")
}

// LogPath returns the daemon log file path.
func (c *Config) LogPath() string {
	return filepath.Join(c.LogDir(), "zapkeeperd.log")
}

// EnsureDirs creates the session directory tree with proper permissions.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{c.SessionDir(), c.LogDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

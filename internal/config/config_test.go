package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SessionID != "main-session" {
		t.Errorf("SessionID = %q, want main-session", cfg.SessionID)
	}
	if cfg.HTTPAddr != ":10000" {
		t.Errorf("HTTPAddr = %q, want :10000", cfg.HTTPAddr)
	}
	if cfg.MinBackoff() != 2*time.Second || cfg.MaxBackoff() != time.Minute {
		t.Errorf("backoff = %v..%v, want 2s..1m", cfg.MinBackoff(), cfg.MaxBackoff())
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.SessionID = "work"
	cfg.HTTPAddr = "127.0.0.1:8080"
	cfg.Backoff.MaxSeconds = 120
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.SessionID != "work" {
		t.Errorf("SessionID = %q, want work", loaded.SessionID)
	}
	if loaded.HTTPAddr != "127.0.0.1:8080" {
		t.Errorf("HTTPAddr = %q, want 127.0.0.1:8080", loaded.HTTPAddr)
	}
	if loaded.MaxBackoff() != 2*time.Minute {
		t.Errorf("MaxBackoff = %v, want 2m", loaded.MaxBackoff())
	}
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("session_id = \"alt\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SessionID != "alt" {
		t.Errorf("SessionID = %q, want alt", cfg.SessionID)
	}
	if cfg.Backoff.MinSeconds != 2 {
		t.Errorf("MinSeconds = %d, want default 2", cfg.Backoff.MinSeconds)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty session id", func(c *Config) { c.SessionID = "" }},
		{"session id with slash", func(c *Config) { c.SessionID = "a/b" }},
		{"inverted backoff", func(c *Config) { c.Backoff = BackoffConfig{MinSeconds: 60, MaxSeconds: 2} }},
		{"zero backoff", func(c *Config) { c.Backoff = BackoffConfig{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

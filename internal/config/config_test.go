package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultSessionConfig(t *testing.T) {
	config := DefaultSessionConfig()

	if config.HeartbeatInterval.Duration != DefaultHeartbeatInterval {
		t.Errorf("Expected HeartbeatInterval %v, got %v", DefaultHeartbeatInterval, config.HeartbeatInterval)
	}
	if config.AllowMultipleClients {
		t.Error("Expected multiple clients to be disabled by default")
	}
}

func TestTimingConstants(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected time.Duration
	}{
		{"DefaultHeartbeatInterval", DefaultHeartbeatInterval, 4 * time.Minute},
		{"DefaultSessionIdleTimeout", DefaultSessionIdleTimeout, 10 * time.Minute},
		{"DefaultReapInterval", DefaultReapInterval, 1 * time.Minute},
		{"DefaultLongPollTimeout", DefaultLongPollTimeout, 30 * time.Second},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if test.duration != test.expected {
				t.Errorf("Expected %v, got %v", test.expected, test.duration)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mobius.toml")
	content := `
[server]
addr = ":8080"
hostname = "example.test"

[session]
heartbeat_interval = "30s"
allow_multiple_clients = true

[workers]
count = 2

[archive]
backend = "bolt"
path = "/tmp/archive.db"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Server.Hostname != "example.test" {
		t.Errorf("Unexpected server config %+v", cfg.Server)
	}
	if cfg.Session.HeartbeatInterval.Duration != 30*time.Second {
		t.Errorf("Expected 30s heartbeat, got %v", cfg.Session.HeartbeatInterval)
	}
	if !cfg.Session.AllowMultipleClients {
		t.Error("Expected multiple clients to be enabled")
	}
	if cfg.Workers.Count != 2 {
		t.Errorf("Expected 2 workers, got %d", cfg.Workers.Count)
	}
	if cfg.Session.IdleTimeout.Duration != DefaultSessionIdleTimeout {
		t.Errorf("Expected default idle timeout to survive, got %v", cfg.Session.IdleTimeout)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MOBIUS_WORKERS", "3")
	t.Setenv("MOBIUS_ADDR", ":9999")
	t.Setenv("MOBIUS_ALLOW_MULTIPLE_CLIENTS", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.Workers.Count != 3 || cfg.Server.Addr != ":9999" || !cfg.Session.AllowMultipleClients {
		t.Errorf("Expected env overrides, got %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"negative workers", func(c *Config) { c.Workers.Count = -1 }, true},
		{"unknown backend", func(c *Config) { c.Archive.Backend = "s3" }, true},
		{"redis without url", func(c *Config) { c.Archive.Backend = ArchiveRedis }, true},
		{"postgres with url", func(c *Config) { c.Archive.Backend = ArchivePostgres; c.Archive.URL = "postgres://x" }, false},
		{"bad retry", func(c *Config) { c.Transport.BackoffMultiplier = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

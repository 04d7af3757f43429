package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/AltairaLabs/mobius/internal/retry"
)

// Duration decodes TOML strings such as "30s"
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds the listening addresses of the host
type ServerConfig struct {
	// Addr serves pages, messages and sockets
	Addr string `toml:"addr"`
	// AdminAddr serves the admin tool surface; empty disables it
	AdminAddr string `toml:"admin_addr"`
	// Hostname overrides the host used in generated URLs
	Hostname string `toml:"hostname"`
	// SourcePath is the directory resources are fetched from
	SourcePath string `toml:"source_path"`
	// Program names the registered program every session runs
	Program string `toml:"program"`
	// ClientScriptURL is where rendered pages load the client runtime from
	ClientScriptURL string `toml:"client_script_url"`
}

// DefaultServerConfig returns default configuration for the host
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:       ":3000",
		AdminAddr:  "",
		SourcePath: ".",
		Program:    "counter",

		ClientScriptURL: "/mobius-client.js",
	}
}

// SessionConfig holds session behavior
type SessionConfig struct {
	HeartbeatInterval     Duration `toml:"heartbeat_interval"`
	IdleTimeout           Duration `toml:"idle_timeout"`
	ReapInterval          Duration `toml:"reap_interval"`
	LongPollTimeout       Duration `toml:"long_poll_timeout"`
	AllowMultipleClients  bool     `toml:"allow_multiple_clients"`
	ClientOrdersAllEvents bool     `toml:"client_orders_all_events"`
}

// DefaultSessionConfig returns default configuration for sessions
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		HeartbeatInterval:     Duration{DefaultHeartbeatInterval},
		IdleTimeout:           Duration{DefaultSessionIdleTimeout},
		ReapInterval:          Duration{DefaultReapInterval},
		LongPollTimeout:       Duration{DefaultLongPollTimeout},
		AllowMultipleClients:  false,
		ClientOrdersAllEvents: false,
	}
}

// WorkersConfig controls out-of-process session hosting
type WorkersConfig struct {
	// Count of worker processes; 0 hosts sessions in-process
	Count int `toml:"count"`
	// BridgeAddr is where the host accepts worker streams
	BridgeAddr   string   `toml:"bridge_addr"`
	StartTimeout Duration `toml:"start_timeout"`
}

// DefaultWorkersConfig returns default configuration for workers
func DefaultWorkersConfig() WorkersConfig {
	return WorkersConfig{
		Count:        0,
		BridgeAddr:   "127.0.0.1:50051",
		StartTimeout: Duration{DefaultWorkerStartTimeout},
	}
}

// Archive backends
const (
	ArchiveMemory   = "memory"
	ArchiveBolt     = "bolt"
	ArchiveRedis    = "redis"
	ArchivePostgres = "postgres"
)

// ArchiveConfig selects where idle sessions are archived
type ArchiveConfig struct {
	Backend string `toml:"backend"`
	// Path is the bolt database file
	Path string `toml:"path"`
	// URL is the redis or postgres connection string
	URL string `toml:"url"`
}

// DefaultArchiveConfig returns default configuration for archiving
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Backend: ArchiveMemory,
		Path:    "mobius-archive.db",
	}
}

// BroadcastConfig configures the cross-host broadcast relay
type BroadcastConfig struct {
	// RedisURL enables the redis relay when set
	RedisURL string `toml:"redis_url"`
	Channel  string `toml:"channel"`
}

// DefaultBroadcastConfig returns default configuration for broadcasts
func DefaultBroadcastConfig() BroadcastConfig {
	return BroadcastConfig{Channel: "mobius:broadcast"}
}

// TransportConfig holds client transport settings
type TransportConfig struct {
	MaxRetries        int      `toml:"max_retries"`
	InitialDelay      Duration `toml:"initial_delay"`
	MaxDelay          Duration `toml:"max_delay"`
	BackoffMultiplier float64  `toml:"backoff_multiplier"`
	FetchCacheTTL     Duration `toml:"fetch_cache_ttl"`
}

// DefaultTransportConfig returns default configuration for transports
func DefaultTransportConfig() TransportConfig {
	p := retry.DefaultPolicy()
	return TransportConfig{
		MaxRetries:        p.MaxRetries,
		InitialDelay:      Duration{p.InitialDelay},
		MaxDelay:          Duration{p.MaxDelay},
		BackoffMultiplier: p.BackoffMultiplier,
		FetchCacheTTL:     Duration{DefaultFetchCacheTTL},
	}
}

// RetryPolicy converts the transport settings into a retry policy
func (c TransportConfig) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:        c.MaxRetries,
		InitialDelay:      c.InitialDelay.Duration,
		MaxDelay:          c.MaxDelay.Duration,
		BackoffMultiplier: c.BackoffMultiplier,
	}
}

// Config is the complete configuration
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Session   SessionConfig   `toml:"session"`
	Workers   WorkersConfig   `toml:"workers"`
	Archive   ArchiveConfig   `toml:"archive"`
	Broadcast BroadcastConfig `toml:"broadcast"`
	Transport TransportConfig `toml:"transport"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Server:    DefaultServerConfig(),
		Session:   DefaultSessionConfig(),
		Workers:   DefaultWorkersConfig(),
		Archive:   DefaultArchiveConfig(),
		Broadcast: DefaultBroadcastConfig(),
		Transport: DefaultTransportConfig(),
	}
}

// Load reads a TOML file over the defaults and then applies environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from MOBIUS_* environment variables
func (c *Config) ApplyEnv() {
	c.Server.Addr = getEnv("MOBIUS_ADDR", c.Server.Addr)
	c.Server.AdminAddr = getEnv("MOBIUS_ADMIN_ADDR", c.Server.AdminAddr)
	c.Server.Hostname = getEnv("MOBIUS_HOSTNAME", c.Server.Hostname)
	c.Server.SourcePath = getEnv("MOBIUS_SOURCE_PATH", c.Server.SourcePath)
	c.Server.Program = getEnv("MOBIUS_PROGRAM", c.Server.Program)
	c.Workers.Count = getEnvInt("MOBIUS_WORKERS", c.Workers.Count)
	c.Workers.BridgeAddr = getEnv("MOBIUS_BRIDGE_ADDR", c.Workers.BridgeAddr)
	c.Archive.Backend = getEnv("MOBIUS_ARCHIVE_BACKEND", c.Archive.Backend)
	c.Archive.Path = getEnv("MOBIUS_ARCHIVE_PATH", c.Archive.Path)
	c.Archive.URL = getEnv("MOBIUS_ARCHIVE_URL", c.Archive.URL)
	c.Broadcast.RedisURL = getEnv("MOBIUS_BROADCAST_REDIS_URL", c.Broadcast.RedisURL)
	c.Session.AllowMultipleClients = getEnvBool("MOBIUS_ALLOW_MULTIPLE_CLIENTS", c.Session.AllowMultipleClients)
}

// Validate checks the configuration for impossible values
func (c *Config) Validate() error {
	if c.Workers.Count < 0 {
		return fmt.Errorf("workers.count must be non-negative")
	}
	switch c.Archive.Backend {
	case ArchiveMemory, ArchiveBolt:
	case ArchiveRedis, ArchivePostgres:
		if c.Archive.URL == "" {
			return fmt.Errorf("archive.url is required for the %s backend", c.Archive.Backend)
		}
	default:
		return fmt.Errorf("unknown archive backend %q", c.Archive.Backend)
	}
	if c.Session.HeartbeatInterval.Duration <= 0 {
		return fmt.Errorf("session.heartbeat_interval must be positive")
	}
	policy := c.Transport.RetryPolicy()
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid transport retry policy: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

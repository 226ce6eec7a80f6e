package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends
const (
	BackendRedis  = "redis"
	BackendBadger = "badger"
	BackendNone   = "none"
)

// Config represents the top-level arbre.yml configuration
type Config struct {
	Version string       `yaml:"version"`
	Engine  EngineConfig `yaml:"engine"`
	Store   StoreConfig  `yaml:"store"`
	Server  ServerConfig `yaml:"server"`
	Log     LogConfig    `yaml:"log"`
}

// EngineConfig describes the engine executable and the session pool around it
type EngineConfig struct {
	Path          string        `yaml:"path"` // Required: engine executable, looked up on PATH if not absolute
	Args          []string      `yaml:"args,omitempty"`
	MaxSessions   int           `yaml:"max_sessions"`   // Concurrent engine processes
	DefaultDepth  int           `yaml:"default_depth"`  // Depth used when a request names none
	StopGrace        time.Duration `yaml:"stop_grace"`        // Wait for a stop acknowledgement before killing
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // Wait for uciok and readyok on startup
	CrashWindow      time.Duration `yaml:"crash_window"`      // Window in which crashes are counted
	MaxCrashes       int           `yaml:"max_crashes"`       // Crashes within the window that throttle spawning
	RetryOnCrash     bool          `yaml:"retry_on_crash"`    // Retry a crashed search once on a fresh session
	SpawnInterval    time.Duration `yaml:"spawn_interval"`    // Minimum gap between spawns, 0 = unlimited
}

// StoreConfig selects where users and evaluations are persisted
type StoreConfig struct {
	Backend    string `yaml:"backend"` // redis, badger or none
	RedisURL   string `yaml:"redis_url,omitempty"`
	Namespace  string `yaml:"namespace,omitempty"`
	BadgerPath string `yaml:"badger_path,omitempty"`
}

// ServerConfig configures the HTTP request surface
type ServerConfig struct {
	Addr        string        `yaml:"addr"`
	EvalTimeout time.Duration `yaml:"eval_timeout"` // Upper bound on one /analyse request
}

// LogConfig configures structured logging
type LogConfig struct {
	Level  string `yaml:"level"` // trace, debug, info, warn or error
	Pretty bool   `yaml:"pretty"`
}

// Default returns a complete, valid configuration
func Default() *Config {
	return &Config{
		Version: "1.0",
		Engine: EngineConfig{
			Path:             "stockfish",
			MaxSessions:      2,
			DefaultDepth:     15,
			StopGrace:        2 * time.Second,
			HandshakeTimeout: 5 * time.Second,
			CrashWindow:      30 * time.Second,
			MaxCrashes:       2,
			RetryOnCrash:     true,
			SpawnInterval:    250 * time.Millisecond,
		},
		Store: StoreConfig{
			Backend:    BackendNone,
			RedisURL:   "redis://localhost:6379/0",
			Namespace:  "default",
			BadgerPath: "./data",
		},
		Server: ServerConfig{
			Addr:        ":4000",
			EvalTimeout: 2 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate performs strict validation on the configuration
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if err := c.Engine.Validate(); err != nil {
		return err
	}

	switch c.Store.Backend {
	case BackendRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store: redis_url is required for the redis backend")
		}
		if c.Store.Namespace == "" {
			return fmt.Errorf("store: namespace is required for the redis backend")
		}
	case BackendBadger:
		if c.Store.BadgerPath == "" {
			return fmt.Errorf("store: badger_path is required for the badger backend")
		}
	case BackendNone:
	default:
		return fmt.Errorf("store: invalid backend: %s (must be 'redis', 'badger', or 'none')", c.Store.Backend)
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server: addr is required")
	}
	if c.Server.EvalTimeout <= 0 {
		return fmt.Errorf("server: eval_timeout must be > 0, got %s", c.Server.EvalTimeout)
	}

	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: invalid level: %s (must be 'trace', 'debug', 'info', 'warn', or 'error')", c.Log.Level)
	}

	return nil
}

// Validate checks the engine section
func (e *EngineConfig) Validate() error {
	if e.Path == "" {
		return fmt.Errorf("engine: path is required")
	}
	if e.MaxSessions < 1 {
		return fmt.Errorf("engine: max_sessions must be >= 1, got %d", e.MaxSessions)
	}
	if e.DefaultDepth < 1 {
		return fmt.Errorf("engine: default_depth must be >= 1, got %d", e.DefaultDepth)
	}
	if e.StopGrace <= 0 {
		return fmt.Errorf("engine: stop_grace must be > 0, got %s", e.StopGrace)
	}
	if e.HandshakeTimeout <= 0 {
		return fmt.Errorf("engine: handshake_timeout must be > 0, got %s", e.HandshakeTimeout)
	}
	if e.CrashWindow <= 0 {
		return fmt.Errorf("engine: crash_window must be > 0, got %s", e.CrashWindow)
	}
	if e.MaxCrashes < 1 {
		return fmt.Errorf("engine: max_crashes must be >= 1, got %d", e.MaxCrashes)
	}
	if e.SpawnInterval < 0 {
		return fmt.Errorf("engine: spawn_interval must be >= 0, got %s", e.SpawnInterval)
	}
	return nil
}

// ApplyEnv overrides settings from the environment. lookup is os.LookupEnv
// outside of tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("ARBRE_ENGINE_PATH"); ok && v != "" {
		c.Engine.Path = v
	}
	if v, ok := lookup("REDIS_URL"); ok && v != "" {
		c.Store.RedisURL = v
	}
	if v, ok := lookup("ARBRE_LISTEN_ADDR"); ok && v != "" {
		c.Server.Addr = v
	}
	if v, ok := lookup("ARBRE_LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
}

// Load reads arbre.yml from path on top of the defaults, applies environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	config.ApplyEnv(os.LookupEnv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

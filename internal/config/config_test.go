package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arbre.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"ARBRE_ENGINE_PATH", "REDIS_URL", "ARBRE_LISTEN_ADDR", "ARBRE_LOG_LEVEL"} {
		t.Setenv(key, "")
	}
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_ValidConfig(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `version: "1.0"
engine:
  path: /usr/local/bin/stockfish
  args: ["--threads", "2"]
  max_sessions: 4
  default_depth: 20
  stop_grace: 500ms
  retry_on_crash: false
store:
  backend: redis
  redis_url: redis://cache:6379/1
  namespace: prod
server:
  addr: ":8080"
log:
  level: debug
  pretty: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/usr/local/bin/stockfish", cfg.Engine.Path)
	assert.Equal(t, []string{"--threads", "2"}, cfg.Engine.Args)
	assert.Equal(t, 4, cfg.Engine.MaxSessions)
	assert.Equal(t, 20, cfg.Engine.DefaultDepth)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.StopGrace)
	assert.False(t, cfg.Engine.RetryOnCrash)
	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, "redis://cache:6379/1", cfg.Store.RedisURL)
	assert.Equal(t, "prod", cfg.Store.Namespace)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Pretty)

	// Unset fields keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Engine.CrashWindow)
	assert.Equal(t, 2, cfg.Engine.MaxCrashes)
	assert.Equal(t, 5*time.Second, cfg.Engine.HandshakeTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Server.EvalTimeout)
}

func TestLoad_MinimalConfig(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, "version: \"1.0\"\n"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileNotFound(t *testing.T) {
	cfg, err := Load("/nonexistent/arbre.yml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "engine:\n  - not\n    a map\n"))
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ARBRE_ENGINE_PATH", "/opt/engine")
	t.Setenv("REDIS_URL", "redis://env:6379/0")
	t.Setenv("ARBRE_LISTEN_ADDR", ":9999")

	cfg, err := Load(writeConfig(t, "version: \"1.0\"\nengine:\n  path: /usr/bin/stockfish\n"))
	require.NoError(t, err)
	assert.Equal(t, "/opt/engine", cfg.Engine.Path)
	assert.Equal(t, "redis://env:6379/0", cfg.Store.RedisURL)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestLoad_InvalidConfig(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, "version: \"1.0\"\nengine:\n  max_sessions: 0\n"))
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"unsupported version", func(c *Config) { c.Version = "2.0" }, "unsupported version: 2.0"},
		{"missing engine path", func(c *Config) { c.Engine.Path = "" }, "engine: path is required"},
		{"zero sessions", func(c *Config) { c.Engine.MaxSessions = 0 }, "max_sessions must be >= 1"},
		{"zero depth", func(c *Config) { c.Engine.DefaultDepth = 0 }, "default_depth must be >= 1"},
		{"zero stop grace", func(c *Config) { c.Engine.StopGrace = 0 }, "stop_grace must be > 0"},
		{"zero handshake timeout", func(c *Config) { c.Engine.HandshakeTimeout = 0 }, "handshake_timeout must be > 0"},
		{"zero crash window", func(c *Config) { c.Engine.CrashWindow = 0 }, "crash_window must be > 0"},
		{"zero max crashes", func(c *Config) { c.Engine.MaxCrashes = 0 }, "max_crashes must be >= 1"},
		{"negative spawn interval", func(c *Config) { c.Engine.SpawnInterval = -time.Second }, "spawn_interval must be >= 0"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "mongo" }, "invalid backend: mongo"},
		{"redis without url", func(c *Config) { c.Store.Backend = BackendRedis; c.Store.RedisURL = "" }, "redis_url is required"},
		{"redis without namespace", func(c *Config) { c.Store.Backend = BackendRedis; c.Store.Namespace = "" }, "namespace is required"},
		{"badger without path", func(c *Config) { c.Store.Backend = BackendBadger; c.Store.BadgerPath = "" }, "badger_path is required"},
		{"missing addr", func(c *Config) { c.Server.Addr = "" }, "addr is required"},
		{"zero eval timeout", func(c *Config) { c.Server.EvalTimeout = 0 }, "eval_timeout must be > 0"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "invalid level: loud"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyEnv_IgnoresEmptyValues(t *testing.T) {
	cfg := Default()
	cfg.ApplyEnv(func(key string) (string, bool) { return "", true })
	assert.Equal(t, Default(), cfg)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 100, cfg.Database.Pool.MaxOpenConns)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)

	assert.Equal(t, 30*time.Second, cfg.Queue.LeaseTTL)
	assert.Equal(t, 5, cfg.Queue.DefaultMaxAttempts)

	assert.Equal(t, time.Second, cfg.Retry.Base)
	assert.Equal(t, 2.0, cfg.Retry.Factor)
	assert.Equal(t, 5*time.Minute, cfg.Retry.Cap)

	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.CoolDown)

	assert.Equal(t, "sql", cfg.Checkpoint.Backend)
	assert.Equal(t, 2*time.Second, cfg.Checkpoint.MinInterval)

	assert.Empty(t, cfg.Offline.Path, "offline buffering is opt-in")

	assert.Equal(t, 10*time.Second, cfg.Fleet.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Fleet.MissThreshold)
	assert.Equal(t, "capability_match", cfg.Fleet.Strategy)

	assert.Equal(t, 4, cfg.Worker.Slots)
	assert.Less(t, cfg.Worker.HeartbeatInterval, cfg.Queue.LeaseTTL)

	assert.Empty(t, cfg.API.APIKeys, "auth is opt-in")
	assert.Equal(t, 50.0, cfg.API.RateLimitRPS)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoaderDefaultsValidate(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoaderFromYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "conveyor.yaml")
	yamlContent := `
server:
  addr: ":9000"
  read_timeout: 60s

queue:
  lease_ttl: 45s
  default_max_attempts: 3

retry:
  base: 500ms
  factor: 3
  cap: 2m
  jitter_ratio: 0.25

checkpoint:
  backend: mongo
  mongo_uri: mongodb://localhost:27017
  min_interval: 5s

worker:
  robot_id: rb-test
  capabilities:
    - vision
    - gripper
  slots: 8
  heartbeat_interval: 15s

log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 45*time.Second, cfg.Queue.LeaseTTL)
	assert.Equal(t, 3, cfg.Queue.DefaultMaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.Base)
	assert.Equal(t, 3.0, cfg.Retry.Factor)
	assert.Equal(t, "mongo", cfg.Checkpoint.Backend)
	assert.Equal(t, "rb-test", cfg.Worker.RobotID)
	assert.Equal(t, []string{"vision", "gripper"}, cfg.Worker.Capabilities)
	assert.Equal(t, 8, cfg.Worker.Slots)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Retry.Cap)
}

func TestLoaderMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/conveyor.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoaderEnvOverrides(t *testing.T) {
	t.Setenv("CONVEYOR_SERVER_ADDR", ":7070")
	t.Setenv("CONVEYOR_QUEUE_LEASE_TTL", "90s")
	t.Setenv("CONVEYOR_QUEUE_DEFAULT_MAX_ATTEMPTS", "7")
	t.Setenv("CONVEYOR_RETRY_JITTER_RATIO", "0.1")
	t.Setenv("CONVEYOR_WORKER_CAPABILITIES", "welding, painting")
	t.Setenv("CONVEYOR_TELEMETRY_ENABLED", "true")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, 90*time.Second, cfg.Queue.LeaseTTL)
	assert.Equal(t, 7, cfg.Queue.DefaultMaxAttempts)
	assert.Equal(t, 0.1, cfg.Retry.JitterRatio)
	assert.Equal(t, []string{"welding", "painting"}, cfg.Worker.Capabilities)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoaderEnvOverridesYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "conveyor.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  addr: \":9000\"\n"), 0o644))

	t.Setenv("CONVEYOR_SERVER_ADDR", ":7070")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr, "env wins over the file")
}

func TestLoaderCustomValidator(t *testing.T) {
	called := false
	_, err := NewLoader().
		WithValidator(func(cfg *Config) error {
			called = true
			return nil
		}).
		Load()
	require.NoError(t, err)
	assert.True(t, called)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "zero lease ttl",
			mutate:  func(c *Config) { c.Queue.LeaseTTL = 0 },
			wantErr: "queue.lease_ttl",
		},
		{
			name:    "zero max attempts",
			mutate:  func(c *Config) { c.Queue.DefaultMaxAttempts = 0 },
			wantErr: "queue.default_max_attempts",
		},
		{
			name:    "retry factor below one",
			mutate:  func(c *Config) { c.Retry.Factor = 0.5 },
			wantErr: "retry.factor",
		},
		{
			name:    "jitter ratio out of range",
			mutate:  func(c *Config) { c.Retry.JitterRatio = 1.5 },
			wantErr: "retry.jitter_ratio",
		},
		{
			name:    "zero worker slots",
			mutate:  func(c *Config) { c.Worker.Slots = 0 },
			wantErr: "worker.slots",
		},
		{
			name:    "heartbeat at lease ttl",
			mutate:  func(c *Config) { c.Worker.HeartbeatInterval = c.Queue.LeaseTTL },
			wantErr: "worker.heartbeat_interval",
		},
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

func TestBuildLogger(t *testing.T) {
	logger, err := BuildLogger(DefaultLogConfig())
	require.NoError(t, err)
	require.NotNil(t, logger)
	_ = logger.Sync()

	logger, err = BuildLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	require.NotNil(t, logger)

	_, err = BuildLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)
}

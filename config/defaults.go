package config

import (
	"time"

	"github.com/fleetworks/conveyor/breaker"
	"github.com/fleetworks/conveyor/checkpoint"
	"github.com/fleetworks/conveyor/dlq"
	"github.com/fleetworks/conveyor/fleet"
	"github.com/fleetworks/conveyor/internal/cache"
	"github.com/fleetworks/conveyor/internal/database"
	"github.com/fleetworks/conveyor/internal/server"
	"github.com/fleetworks/conveyor/internal/telemetry"
	"github.com/fleetworks/conveyor/queue"
)

// Default returns the full default configuration. Each subsystem owns its
// own defaults; this composes them with the worker-level ones defined here.
func Default() *Config {
	return &Config{
		Server:     server.DefaultConfig(),
		Database:   database.DefaultConfig(),
		Redis:      cache.DefaultConfig(),
		Queue:      queue.DefaultConfig(),
		Retry:      dlq.DefaultSchedule(),
		Breaker:    breaker.DefaultConfig(),
		Checkpoint: checkpoint.DefaultConfig(),
		Offline:    DefaultOfflineConfig(),
		Fleet:      fleet.DefaultConfig(),
		Worker:     DefaultWorkerConfig(),
		API:        DefaultAPIConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  telemetry.DefaultConfig(),
	}
}

// DefaultOfflineConfig disables offline buffering until a path is set.
func DefaultOfflineConfig() OfflineConfig {
	return OfflineConfig{
		Path:          "",
		PurgeAge:      24 * time.Hour,
		PurgeInterval: time.Hour,
	}
}

// DefaultWorkerConfig returns worker runtime defaults. The heartbeat
// interval stays well under the queue lease TTL so healthy workers never
// lose a lease between beats.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Name:              "conveyor-worker",
		Slots:             4,
		PollInterval:      2 * time.Second,
		ClaimRate:         10,
		HeartbeatInterval: 10 * time.Second,
		DrainTimeout:      30 * time.Second,
	}
}

// DefaultAPIConfig leaves auth off and rate limiting generous; production
// deployments set api_keys and tighten the limits.
func DefaultAPIConfig() APIConfig {
	return APIConfig{
		RateLimitRPS:   50,
		RateLimitBurst: 100,
	}
}

// DefaultLogConfig returns JSON logging to stdout at info level.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

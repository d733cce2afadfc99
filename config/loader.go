// Package config loads the Conveyor configuration: defaults, then YAML
// file, then environment overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("conveyor.yaml").
//	    WithEnvPrefix("CONVEYOR").
//	    Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

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

// Config is the complete Conveyor configuration.
type Config struct {
	Server     server.Config     `yaml:"server" env:"SERVER"`
	Database   database.Config   `yaml:"database" env:"DATABASE"`
	Redis      cache.Config      `yaml:"redis" env:"REDIS"`
	Queue      queue.Config      `yaml:"queue" env:"QUEUE"`
	Retry      dlq.Schedule      `yaml:"retry" env:"RETRY"`
	Breaker    breaker.Config    `yaml:"breaker" env:"BREAKER"`
	Checkpoint checkpoint.Config `yaml:"checkpoint" env:"CHECKPOINT"`
	Offline    OfflineConfig     `yaml:"offline" env:"OFFLINE"`
	Fleet      fleet.Config      `yaml:"fleet" env:"FLEET"`
	Worker     WorkerConfig      `yaml:"worker" env:"WORKER"`
	API        APIConfig         `yaml:"api" env:"API"`
	Log        LogConfig         `yaml:"log" env:"LOG"`
	Telemetry  telemetry.Config  `yaml:"telemetry" env:"TELEMETRY"`
}

// APIConfig hardens the coordinator's HTTP surface.
type APIConfig struct {
	// APIKeys are the accepted X-API-Key values; empty disables auth.
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// AllowQueryAPIKey also accepts ?api_key=, needed for websocket
	// clients that cannot set headers.
	AllowQueryAPIKey bool `yaml:"allow_query_api_key" env:"ALLOW_QUERY_API_KEY"`
	// RateLimitRPS caps requests per second per client IP; zero disables.
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// RateLimitBurst is the per-IP burst allowance.
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// CORSOrigins are the allowed cross-origin origins; empty denies.
	CORSOrigins []string `yaml:"cors_origins" env:"CORS_ORIGINS"`
}

// OfflineConfig configures the worker-local durable cache.
type OfflineConfig struct {
	// Path is the local SQLite file; empty disables offline buffering.
	Path string `yaml:"path" env:"PATH"`
	// PurgeAge is how long synced terminal records are kept.
	PurgeAge time.Duration `yaml:"purge_age" env:"PURGE_AGE"`
	// PurgeInterval is how often the purge runs.
	PurgeInterval time.Duration `yaml:"purge_interval" env:"PURGE_INTERVAL"`
}

// WorkerConfig configures the worker runtime.
type WorkerConfig struct {
	// RobotID identifies this worker in the fleet; empty generates one.
	RobotID string `yaml:"robot_id" env:"ROBOT_ID"`
	// Name is the human-readable robot name.
	Name string `yaml:"name" env:"NAME"`
	// Capabilities this robot advertises.
	Capabilities []string `yaml:"capabilities" env:"CAPABILITIES"`
	// Slots is how many jobs run concurrently.
	Slots int `yaml:"slots" env:"SLOTS"`
	// PollInterval is the claim-loop fallback poll cadence.
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// ClaimRate caps claim attempts per second.
	ClaimRate float64 `yaml:"claim_rate" env:"CLAIM_RATE"`
	// HeartbeatInterval is the lease/fleet heartbeat cadence.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	// DrainTimeout bounds graceful shutdown.
	DrainTimeout time.Duration `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths for the core.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// Loader loads configuration with builder-style options.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the CONVEYOR env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "CONVEYOR",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a validation function.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration. Precedence: defaults, YAML file,
// environment.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			// Nested config types from other packages tag yaml only; derive
			// the env segment from the yaml tag so they stay overridable.
			envTag = strings.ToUpper(strings.SplitN(fieldType.Tag.Get("yaml"), ",", 2)[0])
			if envTag == "" || envTag == "-" {
				continue
			}
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads the configuration or panics. For main() only.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.Queue.LeaseTTL <= 0 {
		errs = append(errs, "queue.lease_ttl must be positive")
	}
	if c.Queue.DefaultMaxAttempts <= 0 {
		errs = append(errs, "queue.default_max_attempts must be positive")
	}
	if c.Retry.Base <= 0 {
		errs = append(errs, "retry.base must be positive")
	}
	if c.Retry.Factor < 1 {
		errs = append(errs, "retry.factor must be >= 1")
	}
	if c.Retry.JitterRatio < 0 || c.Retry.JitterRatio > 1 {
		errs = append(errs, "retry.jitter_ratio must be in [0, 1]")
	}
	if c.Fleet.MissThreshold <= 0 {
		errs = append(errs, "fleet.miss_threshold must be positive")
	}
	if c.Worker.Slots <= 0 {
		errs = append(errs, "worker.slots must be positive")
	}
	if c.Worker.HeartbeatInterval >= c.Queue.LeaseTTL {
		errs = append(errs, "worker.heartbeat_interval must be shorter than queue.lease_ttl")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Package cache wraps the Redis client used for the fleet fast path:
// job-available notifications and optional distributed locks. The
// relational store stays authoritative; nothing here is a source of truth.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrCacheMiss is returned when a key does not exist.
var ErrCacheMiss = errors.New("cache: miss")

// Config is the Redis connection configuration.
type Config struct {
	Addr         string        `yaml:"addr" json:"addr"`
	Password     string        `yaml:"password" json:"password"`
	DB           int           `yaml:"db" json:"db"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" json:"min_idle_conns"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
	DefaultTTL   time.Duration `yaml:"default_ttl" json:"default_ttl"`
}

// DefaultConfig returns local-development defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DefaultTTL:   5 * time.Minute,
	}
}

// Manager owns the Redis client.
type Manager struct {
	redis  *redis.Client
	config Config
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewManager connects to Redis and verifies the connection.
func NewManager(config Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		MaxRetries:   config.MaxRetries,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	m := &Manager{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "cache")),
	}
	m.logger.Info("cache manager initialized", zap.String("addr", config.Addr))
	return m, nil
}

// NewManagerFromClient wraps an existing client; used by tests with
// miniredis.
func NewManagerFromClient(client *redis.Client, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		redis:  client,
		config: DefaultConfig(),
		logger: logger.With(zap.String("component", "cache")),
	}
}

// Client exposes the raw client for callers that need Redis primitives
// directly (locks use SET NX PX).
func (m *Manager) Client() *redis.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.redis
}

// GetJSON reads and unmarshals a key.
func (m *Manager) GetJSON(ctx context.Context, key string, dest any) error {
	if err := m.guard(); err != nil {
		return err
	}
	val, err := m.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("cache get: %w", err)
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("unmarshal cache value: %w", err)
	}
	return nil
}

// SetJSON marshals and writes a key.
func (m *Manager) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := m.guard(); err != nil {
		return err
	}
	if ttl == 0 {
		ttl = m.config.DefaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	if err := m.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Delete removes keys.
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	if err := m.guard(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := m.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// Publish sends a JSON payload on a channel.
func (m *Manager) Publish(ctx context.Context, channel string, value any) error {
	if err := m.guard(); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal publish payload: %w", err)
	}
	if err := m.redis.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Subscribe returns a subscription for the channel. The caller owns
// closing it.
func (m *Manager) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return m.redis.Subscribe(ctx, channel)
}

// Ping checks the connection.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.redis.Ping(ctx).Err()
}

// Close shuts the client down.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.logger.Info("closing cache manager")
	return m.redis.Close()
}

func (m *Manager) guard() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.New("cache: manager closed")
	}
	return nil
}

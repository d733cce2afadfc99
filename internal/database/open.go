package database

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Config selects the dialect and connection string for the shared store.
type Config struct {
	// Driver is postgres, mysql, or sqlite.
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the driver-specific connection string; for sqlite it is the
	// file path (":memory:" for tests).
	DSN string `yaml:"dsn" json:"dsn"`
	// LogQueries enables gorm query logging.
	LogQueries bool `yaml:"log_queries" json:"log_queries"`

	Pool PoolConfig `yaml:"pool" json:"pool"`
}

// DefaultConfig returns local-development defaults.
func DefaultConfig() Config {
	return Config{
		Driver: "postgres",
		DSN:    "host=localhost user=conveyor dbname=conveyor sslmode=disable",
		Pool:   DefaultPoolConfig(),
	}
}

// Open connects with the configured dialect and returns a managed pool.
// Postgres is the production dialect (the claim path uses SKIP LOCKED
// there); mysql and sqlite are supported for smaller deployments and
// tests.
func Open(config Config, logger *zap.Logger) (*PoolManager, error) {
	var dialector gorm.Dialector
	switch config.Driver {
	case "", "postgres":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	default:
		return nil, fmt.Errorf("database: unknown driver %q", config.Driver)
	}

	logMode := gormlogger.Silent
	if config.LogQueries {
		logMode = gormlogger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(logMode),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", config.Driver, err)
	}

	return NewPoolManager(db, config.Pool, logger)
}

// Package testutil holds shared fixtures for integration-style tests:
// an in-memory database with the coordinator schema and fast retry
// schedules. Package-internal tests that would cycle through this
// package keep their own local helpers instead.
package testutil

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetworks/conveyor/checkpoint"
	"github.com/fleetworks/conveyor/dlq"
	"github.com/fleetworks/conveyor/fleet"
	"github.com/fleetworks/conveyor/queue"
)

// OpenDB returns an isolated in-memory SQLite database with the given
// models migrated. With no models it migrates the full coordinator schema.
func OpenDB(t *testing.T, models ...any) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	if len(models) == 0 {
		models = []any{
			&queue.Job{},
			&dlq.Entry{},
			&fleet.Robot{},
			&fleet.Lock{},
			&checkpoint.Record{},
		}
	}
	require.NoError(t, db.AutoMigrate(models...))
	return db
}

// FastRetrySchedule is a millisecond-scale retry schedule without jitter,
// so retried jobs become visible again within a test's patience.
func FastRetrySchedule() dlq.Schedule {
	return dlq.Schedule{
		Base:   time.Millisecond,
		Factor: 1,
		Cap:    time.Millisecond,
	}
}

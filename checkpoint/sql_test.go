package checkpoint

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func sqliteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Record{}))
	return NewSQLStore(db)
}

func TestSQLStoreLatestWins(t *testing.T) {
	store := sqliteStore(t)
	ctx := context.Background()

	for seq := 1; seq <= 3; seq++ {
		require.NoError(t, store.Append(ctx, &Record{
			JobID:      "job-1",
			SequenceNo: seq,
			StateBlob:  []byte(`{"run_id":"r"}`),
		}))
	}

	rec, err := store.Latest(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.SequenceNo)
}

func TestSQLStoreMissingJob(t *testing.T) {
	store := sqliteStore(t)
	_, err := store.Latest(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestSQLStoreDiscard(t *testing.T) {
	store := sqliteStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, &Record{JobID: "job-1", SequenceNo: 1}))
	require.NoError(t, store.Append(ctx, &Record{JobID: "job-2", SequenceNo: 1}))
	require.NoError(t, store.Discard(ctx, "job-1"))

	_, err := store.Latest(ctx, "job-1")
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	rec, err := store.Latest(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, "job-2", rec.JobID)
}

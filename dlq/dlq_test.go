package dlq

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetworks/conveyor/breaker"
	"github.com/fleetworks/conveyor/checkpoint"
	"github.com/fleetworks/conveyor/workflow"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Entry{}))
	return db
}

func fixedSchedule() Schedule {
	return Schedule{Base: time.Second, Factor: 2, Cap: time.Minute}
}

func TestClassify(t *testing.T) {
	nodeErr := &workflow.NodeError{NodeID: "weld", Kind: "http_call", Err: errors.New("500")}

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"no start node", workflow.ErrNoStartNode, ClassGraph},
		{"wrapped graph error", fmt.Errorf("validate: %w", workflow.ErrMultipleStartNodes), ClassGraph},
		{"loop bound", workflow.ErrLoopBoundExceeded, ClassGraph},
		{"corrupt checkpoint", checkpoint.ErrCorrupt, ClassCorrupt},
		{"circuit open", breaker.ErrCircuitOpen, ClassCircuitOpen},
		{"deadline", context.DeadlineExceeded, ClassTimeout},
		{"cancelled", context.Canceled, ClassCancelled},
		{"node failure", nodeErr, ClassNodeFailure},
		{"wrapped node failure", fmt.Errorf("run: %w", nodeErr), ClassNodeFailure},
		{"anything else", errors.New("connection refused"), ClassInfra},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(workflow.ErrNoStartNode))
	assert.False(t, Retryable(checkpoint.ErrCorrupt))
	assert.True(t, Retryable(breaker.ErrCircuitOpen))
	assert.True(t, Retryable(context.DeadlineExceeded))
	assert.True(t, Retryable(errors.New("transient")))
	assert.True(t, Retryable(&workflow.NodeError{NodeID: "n", Err: errors.New("x")}))
}

func TestRecordFailureSchedulesRetry(t *testing.T) {
	m := NewManager(testDB(t), fixedSchedule(), nil)
	ctx := context.Background()

	action, err := m.RecordFailure(ctx, "job-1", 1, 3, errors.New("transient"))
	require.NoError(t, err)
	assert.Equal(t, ActionRetry, action.Kind)
	assert.Equal(t, time.Second, action.Delay)

	action, err = m.RecordFailure(ctx, "job-1", 2, 3, errors.New("transient"))
	require.NoError(t, err)
	assert.Equal(t, ActionRetry, action.Kind)
	assert.Equal(t, 2*time.Second, action.Delay)

	history, err := m.History(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].Attempt)
	assert.Equal(t, 2, history[1].Attempt)
	assert.Equal(t, ClassInfra, history[0].ErrorClass)
}

func TestRecordFailureDeadLettersOnExhaustedBudget(t *testing.T) {
	m := NewManager(testDB(t), fixedSchedule(), nil)
	ctx := context.Background()

	for attempt := 1; attempt <= 2; attempt++ {
		_, err := m.RecordFailure(ctx, "job-1", attempt, 3, errors.New("fault"))
		require.NoError(t, err)
	}

	action, err := m.RecordFailure(ctx, "job-1", 3, 3, errors.New("fault"))
	require.NoError(t, err)
	assert.Equal(t, ActionDeadLetter, action.Kind)

	entries, err := m.ListDeadLettered(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "job-1", entries[0].JobID)
	assert.True(t, entries[0].Escalated)
	assert.Nil(t, entries[0].NextRetryAt)
	assert.Len(t, entries[0].FailureHistory, 3)
}

func TestRecordFailurePreservesHistoryAcrossJobs(t *testing.T) {
	m := NewManager(testDB(t), fixedSchedule(), nil)
	ctx := context.Background()

	_, err := m.RecordFailure(ctx, "job-a", 1, 3, errors.New("a"))
	require.NoError(t, err)
	_, err = m.RecordFailure(ctx, "job-b", 1, 3, errors.New("b"))
	require.NoError(t, err)

	history, err := m.History(ctx, "job-a")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "a", history[0].Message)
}

func TestHistoryUnknownJobIsEmpty(t *testing.T) {
	m := NewManager(testDB(t), fixedSchedule(), nil)
	history, err := m.History(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestMarkRequeued(t *testing.T) {
	m := NewManager(testDB(t), fixedSchedule(), nil)
	ctx := context.Background()

	_, err := m.RecordFailure(ctx, "job-1", 1, 1, errors.New("fault"))
	require.NoError(t, err)

	require.NoError(t, m.MarkRequeued(ctx, "job-1"))

	entries, err := m.ListDeadLettered(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// History survives the requeue for diagnosis.
	history, err := m.History(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// Requeueing twice, or a job that was never escalated, is an error.
	assert.ErrorIs(t, m.MarkRequeued(ctx, "job-1"), ErrEntryNotFound)
	assert.ErrorIs(t, m.MarkRequeued(ctx, "ghost"), ErrEntryNotFound)
}

package recovery

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fleetworks/conveyor/dlq"
	"github.com/fleetworks/conveyor/queue"
)

func testQueue(t *testing.T) (*queue.Queue, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&queue.Job{}, &dlq.Entry{}))
	dlqMgr := dlq.NewManager(db, dlq.DefaultSchedule(), nil)
	return queue.New(db, dlqMgr, queue.DefaultConfig(), nil), db
}

func claimAs(t *testing.T, q *queue.Queue, robotID string) *queue.Job {
	t.Helper()
	job, err := q.Claim(context.Background(), robotID, nil)
	require.NoError(t, err)
	return job
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name string
		job  queue.Job
		want Action
	}{
		{"resumable under budget", queue.Job{Resumable: true, Attempt: 1, MaxAttempts: 5}, ActionRequeue},
		{"not resumable", queue.Job{Resumable: false, Attempt: 0, MaxAttempts: 5}, ActionCancel},
		{"budget exhausted", queue.Job{Resumable: true, Attempt: 5, MaxAttempts: 5}, ActionEscalate},
		{"not resumable and exhausted", queue.Job{Resumable: false, Attempt: 5, MaxAttempts: 5}, ActionCancel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(&tt.job))
		})
	}
}

func TestRecoverRobotRequeuesResumableJobs(t *testing.T) {
	q, _ := testQueue(t)
	m := NewManager(q, nil)
	ctx := context.Background()

	job := &queue.Job{WorkflowRef: "wf", Resumable: true}
	require.NoError(t, q.Enqueue(ctx, job))
	claimed := claimAs(t, q, "rb-lost")
	require.Equal(t, job.ID, claimed.ID)

	report, err := m.RecoverRobot(ctx, "rb-lost")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)
	assert.Zero(t, report.Cancelled)
	assert.Zero(t, report.Escalated)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, got.Status)
	assert.Empty(t, got.ClaimedBy)
	// Orphan requeue does not consume an attempt.
	assert.Equal(t, 0, got.Attempt)
}

func TestRecoverRobotCancelsNonResumable(t *testing.T) {
	q, _ := testQueue(t)
	m := NewManager(q, nil)
	ctx := context.Background()

	job := &queue.Job{WorkflowRef: "wf", Resumable: false}
	require.NoError(t, q.Enqueue(ctx, job))
	claimAs(t, q, "rb-lost")

	report, err := m.RecoverRobot(ctx, "rb-lost")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Cancelled)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Contains(t, got.Reason, "not resumable")
}

func TestRecoverRobotEscalatesExhaustedBudget(t *testing.T) {
	q, db := testQueue(t)
	m := NewManager(q, nil)
	ctx := context.Background()

	job := &queue.Job{WorkflowRef: "wf", Resumable: true, MaxAttempts: 2}
	require.NoError(t, q.Enqueue(ctx, job))
	claimAs(t, q, "rb-lost")
	// Job already at its attempt ceiling when the robot dies.
	require.NoError(t, db.Model(&queue.Job{}).Where("id = ?", job.ID).Update("attempt", 2).Error)

	report, err := m.RecoverRobot(ctx, "rb-lost")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Escalated)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDeadLettered, got.Status)

	dead, err := q.List(ctx, queue.Filter{Statuses: []queue.Status{queue.StatusDeadLettered}})
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, job.ID, dead[0].ID)
}

func TestRecoverRobotIgnoresOtherRobotsJobs(t *testing.T) {
	q, _ := testQueue(t)
	m := NewManager(q, nil)
	ctx := context.Background()

	mine := &queue.Job{WorkflowRef: "wf", Resumable: true, Priority: 10}
	theirs := &queue.Job{WorkflowRef: "wf", Resumable: true}
	require.NoError(t, q.Enqueue(ctx, mine))
	require.NoError(t, q.Enqueue(ctx, theirs))
	require.Equal(t, mine.ID, claimAs(t, q, "rb-lost").ID)
	require.Equal(t, theirs.ID, claimAs(t, q, "rb-alive").ID)

	report, err := m.RecoverRobot(ctx, "rb-lost")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)

	got, err := q.Get(ctx, theirs.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusClaimed, got.Status)
	assert.Equal(t, "rb-alive", got.ClaimedBy)
}

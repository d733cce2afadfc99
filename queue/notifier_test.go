package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetworks/conveyor/internal/cache"
)

func testNotifier(t *testing.T) *RedisNotifier {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisNotifier(cache.NewManagerFromClient(client, nil), nil)
}

func TestNotifierPublishesAndListens(t *testing.T) {
	n := testNotifier(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan JobEvent, 4)
	listening := make(chan struct{})
	go func() {
		close(listening)
		n.Listen(ctx, events)
	}()
	<-listening
	// Give the subscription a beat to establish before publishing.
	time.Sleep(50 * time.Millisecond)

	n.JobAvailable(ctx, &Job{
		ID:                   "job-1",
		WorkflowRef:          "weld-chassis",
		Priority:             3,
		RequiredCapabilities: []string{"welding"},
	})

	select {
	case event := <-events:
		assert.Equal(t, "job-1", event.JobID)
		assert.Equal(t, "weld-chassis", event.WorkflowRef)
		assert.Equal(t, 3, event.Priority)
		assert.Equal(t, []string{"welding"}, event.RequiredCapabilities)
		assert.False(t, event.At.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no job event received")
	}
}

func TestListenStopsOnContextCancel(t *testing.T) {
	n := testNotifier(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- n.Listen(ctx, make(chan JobEvent, 1))
	}()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestSweeperReleasesExpiredLeases(t *testing.T) {
	q, db := testQueue(t)
	q.config.SweepInterval = 10 * time.Millisecond
	ctx := context.Background()

	job := enqueue(t, q, &Job{WorkflowRef: "wf"})
	_, err := q.Claim(ctx, "robot-1", nil)
	require.NoError(t, err)

	expired := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, db.Model(&Job{}).Where("id = ?", job.ID).
		Update("lease_expires_at", expired).Error)

	sweeper := NewSweeper(q, nil)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	require.Eventually(t, func() bool {
		got, err := q.Get(ctx, job.ID)
		return err == nil && got.Status == StatusQueued
	}, 2*time.Second, 10*time.Millisecond)
}

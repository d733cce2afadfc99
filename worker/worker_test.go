package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetworks/conveyor/checkpoint"
	"github.com/fleetworks/conveyor/dlq"
	"github.com/fleetworks/conveyor/fleet"
	"github.com/fleetworks/conveyor/queue"
	"github.com/fleetworks/conveyor/workflow"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&queue.Job{}, &dlq.Entry{}, &fleet.Robot{}, &checkpoint.Record{}))
	return db
}

func testQueue(t *testing.T, db *gorm.DB) *queue.Queue {
	t.Helper()
	schedule := dlq.Schedule{Base: time.Millisecond, Factor: 1, Cap: time.Millisecond}
	return queue.New(db, dlq.NewManager(db, schedule, nil), queue.DefaultConfig(), nil)
}

func testConfig(robotID string) Config {
	cfg := DefaultConfig()
	cfg.RobotID = robotID
	cfg.Slots = 2
	cfg.PollInterval = 10 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.DrainTimeout = time.Second
	cfg.ClaimRate = 0
	return cfg
}

// linearGraph builds start -> work -> end.
func linearGraph(name string) *workflow.Graph {
	g := workflow.NewGraph(name)
	g.AddNode(&workflow.NodeSpec{ID: "start", Kind: workflow.KindStart})
	g.AddNode(&workflow.NodeSpec{ID: "work", Kind: "task"})
	g.AddNode(&workflow.NodeSpec{ID: "end", Kind: workflow.KindEnd})
	g.Connect("start", workflow.PortMain, "work")
	g.Connect("work", workflow.PortMain, "end")
	return g
}

func waitForStatus(t *testing.T, q *queue.Queue, jobID string, want queue.Status) *queue.Job {
	t.Helper()
	var job *queue.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = q.Get(context.Background(), jobID)
		return err == nil && job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job never reached status %s", want)
	return job
}

func TestWorkerExecutesJobToCompletion(t *testing.T) {
	db := testDB(t)
	q := testQueue(t, db)

	registry := workflow.NewRegistry()
	registry.RegisterFunc("task", func(ctx context.Context, spec *workflow.NodeSpec, inputs map[string]any, run *workflow.RunContext) (map[string]any, error) {
		run.SetVariable("answer", 42)
		return map[string]any{"ok": true}, nil
	})
	catalog := NewCatalog()
	catalog.Register("wf.linear", linearGraph("linear"))

	w, err := New(q, registry, catalog, testConfig("rb-1"), nil)
	require.NoError(t, err)

	ctx := context.Background()
	job := &queue.Job{WorkflowRef: "wf.linear", Payload: map[string]any{"input": "x"}}
	require.NoError(t, q.Enqueue(ctx, job))

	require.NoError(t, w.Start(ctx))
	defer func() { require.NoError(t, w.Stop(ctx)) }()

	done := waitForStatus(t, q, job.ID, queue.StatusSucceeded)
	assert.Equal(t, float64(42), done.Result["answer"])
	assert.Equal(t, "rb-1", done.ClaimedBy)
}

func TestWorkerRetriesUntilSuccess(t *testing.T) {
	db := testDB(t)
	q := testQueue(t, db)

	var calls atomic.Int32
	registry := workflow.NewRegistry()
	registry.RegisterFunc("task", func(ctx context.Context, spec *workflow.NodeSpec, inputs map[string]any, run *workflow.RunContext) (map[string]any, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("transient endpoint error")
		}
		return map[string]any{"ok": true}, nil
	})
	catalog := NewCatalog()
	catalog.Register("wf.flaky", linearGraph("flaky"))

	w, err := New(q, registry, catalog, testConfig("rb-1"), nil)
	require.NoError(t, err)

	ctx := context.Background()
	job := &queue.Job{WorkflowRef: "wf.flaky", MaxAttempts: 5}
	require.NoError(t, q.Enqueue(ctx, job))

	require.NoError(t, w.Start(ctx))
	defer func() { require.NoError(t, w.Stop(ctx)) }()

	done := waitForStatus(t, q, job.ID, queue.StatusSucceeded)
	assert.Equal(t, 2, done.Attempt, "two failed attempts before the third succeeded")
	assert.EqualValues(t, 3, calls.Load())
}

func TestWorkerExhaustsBudgetAndDeadLetters(t *testing.T) {
	db := testDB(t)
	q := testQueue(t, db)

	registry := workflow.NewRegistry()
	registry.RegisterFunc("task", func(ctx context.Context, spec *workflow.NodeSpec, inputs map[string]any, run *workflow.RunContext) (map[string]any, error) {
		return nil, errors.New("always broken")
	})
	catalog := NewCatalog()
	catalog.Register("wf.broken", linearGraph("broken"))

	w, err := New(q, registry, catalog, testConfig("rb-1"), nil)
	require.NoError(t, err)

	ctx := context.Background()
	job := &queue.Job{WorkflowRef: "wf.broken", MaxAttempts: 2}
	require.NoError(t, q.Enqueue(ctx, job))

	require.NoError(t, w.Start(ctx))
	defer func() { require.NoError(t, w.Stop(ctx)) }()

	done := waitForStatus(t, q, job.ID, queue.StatusDeadLettered)
	assert.Equal(t, 2, done.Attempt)
	assert.Contains(t, done.LastError, "always broken")
}

func TestWorkerDeadLettersMalformedGraph(t *testing.T) {
	db := testDB(t)
	q := testQueue(t, db)

	// Two nodes without incoming edges: validation fails on every attempt,
	// so the budget is skipped entirely.
	bad := workflow.NewGraph("bad")
	bad.AddNode(&workflow.NodeSpec{ID: "a", Kind: workflow.KindStart})
	bad.AddNode(&workflow.NodeSpec{ID: "b", Kind: workflow.KindStart})

	catalog := NewCatalog()
	catalog.Register("wf.bad", bad)

	w, err := New(q, workflow.NewRegistry(), catalog, testConfig("rb-1"), nil)
	require.NoError(t, err)

	ctx := context.Background()
	job := &queue.Job{WorkflowRef: "wf.bad", MaxAttempts: 5}
	require.NoError(t, q.Enqueue(ctx, job))

	require.NoError(t, w.Start(ctx))
	defer func() { require.NoError(t, w.Stop(ctx)) }()

	done := waitForStatus(t, q, job.ID, queue.StatusDeadLettered)
	assert.Equal(t, 1, done.Attempt, "graph errors never consume the retry budget")
}

func TestWorkerResumesFromCheckpoint(t *testing.T) {
	db := testDB(t)
	q := testQueue(t, db)
	checkpoints := checkpoint.NewManager(checkpoint.NewSQLStore(db), checkpoint.Config{MinInterval: 0}, nil)

	var aRuns, bRuns atomic.Int32
	registry := workflow.NewRegistry()
	registry.RegisterFunc("step_a", func(ctx context.Context, spec *workflow.NodeSpec, inputs map[string]any, run *workflow.RunContext) (map[string]any, error) {
		aRuns.Add(1)
		return map[string]any{"a": "done"}, nil
	})
	registry.RegisterFunc("step_b", func(ctx context.Context, spec *workflow.NodeSpec, inputs map[string]any, run *workflow.RunContext) (map[string]any, error) {
		bRuns.Add(1)
		return map[string]any{"b": "done"}, nil
	})

	g := workflow.NewGraph("two-step")
	g.AddNode(&workflow.NodeSpec{ID: "start", Kind: workflow.KindStart})
	g.AddNode(&workflow.NodeSpec{ID: "a", Kind: "step_a"})
	g.AddNode(&workflow.NodeSpec{ID: "b", Kind: "step_b"})
	g.AddNode(&workflow.NodeSpec{ID: "end", Kind: workflow.KindEnd})
	g.Connect("start", workflow.PortMain, "a")
	g.Connect("a", workflow.PortMain, "b")
	g.Connect("b", workflow.PortMain, "end")

	catalog := NewCatalog()
	catalog.Register("wf.twostep", g)

	ctx := context.Background()
	job := &queue.Job{WorkflowRef: "wf.twostep", MaxAttempts: 5}
	require.NoError(t, q.Enqueue(ctx, job))

	// A previous attempt finished node a, checkpointed, and crashed.
	state := workflow.NewState(job.ID, nil)
	state.NodeStatus["start"] = workflow.StatusSuccess
	state.NodeStatus["a"] = workflow.StatusSuccess
	state.Outputs["a"] = map[string]any{"a": "done"}
	require.NoError(t, checkpoints.Flush(ctx, job.ID, state))
	require.NoError(t, db.Model(&queue.Job{}).Where("id = ?", job.ID).Update("attempt", 1).Error)

	w, err := New(q, registry, catalog, testConfig("rb-2"), nil, WithCheckpoints(checkpoints))
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))
	defer func() { require.NoError(t, w.Stop(ctx)) }()

	waitForStatus(t, q, job.ID, queue.StatusSucceeded)
	assert.EqualValues(t, 0, aRuns.Load(), "completed node is not re-executed")
	assert.EqualValues(t, 1, bRuns.Load())
}

func TestWorkerResumesAfterLeaseExpiry(t *testing.T) {
	db := testDB(t)
	q := testQueue(t, db)
	checkpoints := checkpoint.NewManager(checkpoint.NewSQLStore(db), checkpoint.Config{MinInterval: 0}, nil)

	var aRuns, bRuns atomic.Int32
	registry := workflow.NewRegistry()
	registry.RegisterFunc("step_a", func(ctx context.Context, spec *workflow.NodeSpec, inputs map[string]any, run *workflow.RunContext) (map[string]any, error) {
		aRuns.Add(1)
		return map[string]any{"a": "done"}, nil
	})
	registry.RegisterFunc("step_b", func(ctx context.Context, spec *workflow.NodeSpec, inputs map[string]any, run *workflow.RunContext) (map[string]any, error) {
		bRuns.Add(1)
		return map[string]any{"b": "done"}, nil
	})

	g := workflow.NewGraph("two-step")
	g.AddNode(&workflow.NodeSpec{ID: "start", Kind: workflow.KindStart})
	g.AddNode(&workflow.NodeSpec{ID: "a", Kind: "step_a"})
	g.AddNode(&workflow.NodeSpec{ID: "b", Kind: "step_b"})
	g.AddNode(&workflow.NodeSpec{ID: "end", Kind: workflow.KindEnd})
	g.Connect("start", workflow.PortMain, "a")
	g.Connect("a", workflow.PortMain, "b")
	g.Connect("b", workflow.PortMain, "end")

	catalog := NewCatalog()
	catalog.Register("wf.twostep", g)

	ctx := context.Background()
	job := &queue.Job{WorkflowRef: "wf.twostep", MaxAttempts: 5}
	require.NoError(t, q.Enqueue(ctx, job))

	// A robot claimed the job, checkpointed node a, and went dark without
	// failing the job. The sweeper returns it to the queue with the attempt
	// counter untouched.
	_, err := q.Claim(ctx, "rb-dead", nil)
	require.NoError(t, err)
	state := workflow.NewState(job.ID, nil)
	state.NodeStatus["start"] = workflow.StatusSuccess
	state.NodeStatus["a"] = workflow.StatusSuccess
	state.Outputs["a"] = map[string]any{"a": "done"}
	require.NoError(t, checkpoints.Flush(ctx, job.ID, state))

	expired := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, db.Model(&queue.Job{}).Where("id = ?", job.ID).
		Update("lease_expires_at", expired).Error)
	n, err := q.ReleaseExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	w, err := New(q, registry, catalog, testConfig("rb-3"), nil, WithCheckpoints(checkpoints))
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))
	defer func() { require.NoError(t, w.Stop(ctx)) }()

	done := waitForStatus(t, q, job.ID, queue.StatusSucceeded)
	assert.Zero(t, done.Attempt, "lease expiry consumes no attempt")
	assert.EqualValues(t, 0, aRuns.Load(), "checkpointed node is not re-executed")
	assert.EqualValues(t, 1, bRuns.Load())
}

func TestWorkerRetriesUnknownWorkflowRef(t *testing.T) {
	db := testDB(t)
	q := testQueue(t, db)

	w, err := New(q, workflow.NewRegistry(), NewCatalog(), testConfig("rb-1"), nil)
	require.NoError(t, err)

	ctx := context.Background()
	job := &queue.Job{WorkflowRef: "wf.unknown", MaxAttempts: 2}
	require.NoError(t, q.Enqueue(ctx, job))

	require.NoError(t, w.Start(ctx))
	defer func() { require.NoError(t, w.Stop(ctx)) }()

	// Unknown refs consume the budget like any other failure: another
	// robot with a newer catalog could have served the retries.
	done := waitForStatus(t, q, job.ID, queue.StatusDeadLettered)
	assert.Contains(t, done.LastError, "unknown workflow ref")
}

func TestWorkerRegistersAndHeartbeats(t *testing.T) {
	db := testDB(t)
	q := testQueue(t, db)

	coordinator, err := fleet.NewCoordinator(db, fleet.DefaultConfig(), nil)
	require.NoError(t, err)

	w, err := New(q, workflow.NewRegistry(), NewCatalog(), testConfig("rb-hb"), nil, WithFleet(coordinator))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	defer func() { require.NoError(t, w.Stop(ctx)) }()

	robot, err := coordinator.Get(ctx, "rb-hb")
	require.NoError(t, err)
	assert.Equal(t, fleet.StatusOnline, robot.Status)

	first := robot.LastHeartbeatAt
	require.Eventually(t, func() bool {
		robot, err := coordinator.Get(ctx, "rb-hb")
		return err == nil && robot.LastHeartbeatAt.After(first)
	}, 2*time.Second, 10*time.Millisecond, "heartbeat never advanced")
}

func TestWorkerStopCancelsAndRequeues(t *testing.T) {
	db := testDB(t)
	q := testQueue(t, db)

	started := make(chan struct{})
	registry := workflow.NewRegistry()
	registry.RegisterFunc("task", func(ctx context.Context, spec *workflow.NodeSpec, inputs map[string]any, run *workflow.RunContext) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	catalog := NewCatalog()
	catalog.Register("wf.slow", linearGraph("slow"))

	cfg := testConfig("rb-1")
	cfg.DrainTimeout = 50 * time.Millisecond
	w, err := New(q, registry, catalog, cfg, nil)
	require.NoError(t, err)

	ctx := context.Background()
	job := &queue.Job{WorkflowRef: "wf.slow"}
	require.NoError(t, q.Enqueue(ctx, job))

	require.NoError(t, w.Start(ctx))
	<-started

	require.NoError(t, w.Stop(ctx))

	requeued := waitForStatus(t, q, job.ID, queue.StatusQueued)
	assert.Zero(t, requeued.Attempt, "drain cancellation consumes no attempt")
	assert.Empty(t, requeued.ClaimedBy)
}

func TestCatalog(t *testing.T) {
	c := NewCatalog()
	_, err := c.Resolve("missing")
	assert.ErrorIs(t, err, ErrUnknownWorkflow)

	g := linearGraph("cat")
	c.Register("wf.cat", g)
	got, err := c.Resolve("wf.cat")
	require.NoError(t, err)
	assert.Same(t, g, got)
	assert.Equal(t, []string{"wf.cat"}, c.Refs())
}

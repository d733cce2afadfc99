package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetworks/conveyor/workflow"
)

func testState(runID string) *workflow.State {
	state := workflow.NewState(runID, map[string]any{"counter": 1})
	return state
}

func TestManagerSaveAssignsSequence(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store, Config{MinInterval: 0}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		saved, err := mgr.Save(ctx, "job-1", testState("run-1"))
		require.NoError(t, err)
		assert.True(t, saved)
	}

	rec, err := store.Latest(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.SequenceNo)
}

func TestManagerCadenceSkipsRapidSaves(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store, Config{MinInterval: time.Hour}, nil)
	ctx := context.Background()

	saved, err := mgr.Save(ctx, "job-1", testState("run-1"))
	require.NoError(t, err)
	assert.True(t, saved)

	saved, err = mgr.Save(ctx, "job-1", testState("run-1"))
	require.NoError(t, err)
	assert.False(t, saved, "second save inside the window should be skipped")

	rec, err := store.Latest(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.SequenceNo)
}

func TestManagerFlushBypassesCadence(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store, Config{MinInterval: time.Hour}, nil)
	ctx := context.Background()

	_, err := mgr.Save(ctx, "job-1", testState("run-1"))
	require.NoError(t, err)
	require.NoError(t, mgr.Flush(ctx, "job-1", testState("run-1")))

	rec, err := store.Latest(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.SequenceNo)
}

func TestManagerLoadLatestRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store, Config{}, nil)
	ctx := context.Background()

	state := testState("run-9")
	state.SetVariable("step", "two")
	require.NoError(t, mgr.Flush(ctx, "job-9", state))

	loaded, err := mgr.LoadLatest(ctx, "job-9")
	require.NoError(t, err)
	assert.Equal(t, "run-9", loaded.RunID)
	val, ok := loaded.Variable("step")
	require.True(t, ok)
	assert.Equal(t, "two", val)
}

func TestManagerLoadLatestNoCheckpoint(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), Config{}, nil)
	_, err := mgr.LoadLatest(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestManagerLoadLatestCorruptBlob(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, &Record{
		JobID:      "job-bad",
		SequenceNo: 1,
		StateBlob:  []byte("{not json"),
		WrittenAt:  time.Now(),
	}))

	mgr := NewManager(store, Config{}, nil)
	_, err := mgr.LoadLatest(ctx, "job-bad")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestManagerSequenceResyncsFromStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, &Record{JobID: "job-1", SequenceNo: 7, StateBlob: []byte("{}")}))

	// Fresh manager, as after a worker restart.
	mgr := NewManager(store, Config{}, nil)
	require.NoError(t, mgr.Flush(ctx, "job-1", testState("run-1")))

	rec, err := store.Latest(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 8, rec.SequenceNo)
}

func TestManagerDiscard(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store, Config{}, nil)
	ctx := context.Background()

	require.NoError(t, mgr.Flush(ctx, "job-1", testState("run-1")))
	require.NoError(t, mgr.Discard(ctx, "job-1"))

	_, err := store.Latest(ctx, "job-1")
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestSinkForBindsJob(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store, Config{}, nil)
	sink := mgr.SinkFor("job-42")

	require.NoError(t, sink.Save(context.Background(), testState("run-42")))

	rec, err := store.Latest(context.Background(), "job-42")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.SequenceNo)
}

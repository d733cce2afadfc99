package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetworks/conveyor/dlq"
	"github.com/fleetworks/conveyor/fleet"
	"github.com/fleetworks/conveyor/queue"
	"github.com/fleetworks/conveyor/recovery"
	"github.com/fleetworks/conveyor/testutil"
)

type testEnv struct {
	mux   *http.ServeMux
	queue *queue.Queue
	fleet *fleet.Coordinator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := testutil.OpenDB(t, &queue.Job{}, &dlq.Entry{}, &fleet.Robot{})

	dlqMgr := dlq.NewManager(db, testutil.FastRetrySchedule(), nil)
	q := queue.New(db, dlqMgr, queue.DefaultConfig(), nil)
	coordinator, err := fleet.NewCoordinator(db, fleet.DefaultConfig(), nil)
	require.NoError(t, err)

	mux := NewRouter(Deps{
		Queue:    q,
		DLQ:      dlqMgr,
		Fleet:    coordinator,
		Recovery: recovery.NewManager(q, nil),
		Build:    BuildInfo{Version: "test"},
	})
	return &testEnv{mux: mux, queue: q, fleet: coordinator}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.True(t, envelope.Success, "response not successful: %s", rec.Body.String())
	var data T
	require.NoError(t, json.Unmarshal(envelope.Data, &data))
	return data
}

func TestCreateAndGetJob(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"workflow_ref": "weld-chassis",
		"priority":     3,
		"payload":      map[string]any{"cell": "A4"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeData[queue.Job](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, queue.StatusQueued, created.Status)

	rec = env.do(t, http.MethodGet, "/api/v1/jobs/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeData[queue.Job](t, rec)
	assert.Equal(t, "weld-chassis", got.WorkflowRef)
	assert.Equal(t, 3, got.Priority)

	rec = env.do(t, http.MethodGet, "/api/v1/jobs/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateJobValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{"payload": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{"workflow_ref": "wf", "bogus": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields must be rejected")
}

func TestListJobsWithFilters(t *testing.T) {
	env := newTestEnv(t)

	for _, ref := range []string{"weld", "weld", "paint"} {
		rec := env.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{"workflow_ref": ref})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/jobs?workflow_ref=weld", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeData[[]queue.Job](t, rec), 2)

	rec = env.do(t, http.MethodGet, "/api/v1/jobs?status=queued&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeData[[]queue.Job](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/api/v1/jobs?limit=banana", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{"workflow_ref": "wf"})
	job := decodeData[queue.Job](t, rec)

	rec = env.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", map[string]any{"reason": "shift ended"})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := env.queue.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Equal(t, "shift ended", got.Reason)

	rec = env.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWorkerProtocolRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/worker/register", map[string]any{
		"robot_id":     "rb-1",
		"name":         "arm-12",
		"capabilities": []string{"welding"},
		"max_load":     2,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"workflow_ref":          "weld",
		"required_capabilities": []string{"welding"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Claim, heartbeat, extend, complete.
	rec = env.do(t, http.MethodPost, "/api/v1/worker/claim", map[string]any{
		"worker_id":    "rb-1",
		"capabilities": []string{"welding"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	job := decodeData[queue.Job](t, rec)
	assert.Equal(t, "rb-1", job.ClaimedBy)

	rec = env.do(t, http.MethodPost, "/api/v1/worker/heartbeat", map[string]any{
		"robot_id": "rb-1", "current_load": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/lease", map[string]any{"worker_id": "rb-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/complete", map[string]any{
		"worker_id": "rb-1",
		"result":    map[string]any{"welds": 4},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := env.queue.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSucceeded, got.Status)

	// An empty queue answers 204 so pollers can back off.
	rec = env.do(t, http.MethodPost, "/api/v1/worker/claim", map[string]any{"worker_id": "rb-1"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestWorkerFailAndDLQFlow(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"workflow_ref": "wf",
		"max_attempts": 1,
	})
	job := decodeData[queue.Job](t, rec)

	rec = env.do(t, http.MethodPost, "/api/v1/worker/claim", map[string]any{"worker_id": "rb-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/fail", map[string]any{
		"worker_id": "rb-1",
		"error":     "gripper jammed",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decision := decodeData[map[string]any](t, rec)
	assert.Equal(t, string(dlq.ActionDeadLetter), decision["action"])

	rec = env.do(t, http.MethodGet, "/api/v1/dlq", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeData[[]dlq.Entry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, job.ID, entries[0].JobID)

	rec = env.do(t, http.MethodGet, "/api/v1/dlq/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeData[[]dlq.FailureRecord](t, rec)
	require.Len(t, history, 1)
	assert.Equal(t, "gripper jammed", history[0].Message)

	rec = env.do(t, http.MethodPost, "/api/v1/dlq/"+job.ID+"/requeue", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := env.queue.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, got.Status)
	assert.Zero(t, got.Attempt)

	rec = env.do(t, http.MethodGet, "/api/v1/dlq/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFleetEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.fleet.Register(ctx, &fleet.Robot{ID: "rb-1", Name: "arm-12", MaxLoad: 2}))

	rec := env.do(t, http.MethodGet, "/api/v1/robots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeData[[]fleet.Robot](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/api/v1/robots/rb-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	robot := decodeData[fleet.Robot](t, rec)
	assert.Equal(t, "arm-12", robot.Name)

	rec = env.do(t, http.MethodPost, "/api/v1/robots/rb-1/recover", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeData[recovery.Report](t, rec)
	assert.Equal(t, "rb-1", report.RobotID)

	rec = env.do(t, http.MethodDelete, "/api/v1/robots/rb-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/robots/rb-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndVersion(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = env.do(t, http.MethodGet, "/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decodeData[map[string]string](t, rec)
	assert.Equal(t, "test", info["version"])
}

// stubEventSource replays canned events to every listener.
type stubEventSource struct {
	events []queue.JobEvent
}

func (s *stubEventSource) Listen(ctx context.Context, events chan<- queue.JobEvent) error {
	for _, event := range s.events {
		select {
		case events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestJobEventWebsocketStream(t *testing.T) {
	env := newTestEnv(t)
	source := &stubEventSource{events: []queue.JobEvent{
		{JobID: "job-1", WorkflowRef: "weld", Priority: 2},
		{JobID: "job-2", WorkflowRef: "paint"},
	}}

	mux := NewRouter(Deps{
		Queue:  env.queue,
		DLQ:    dlq.NewManager(nil, dlq.DefaultSchedule(), nil),
		Events: source,
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws%s/api/v1/events/jobs", srv.URL[len("http"):]), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var event queue.JobEvent
	require.NoError(t, wsjson.Read(ctx, conn, &event))
	assert.Equal(t, "job-1", event.JobID)
	require.NoError(t, wsjson.Read(ctx, conn, &event))
	assert.Equal(t, "job-2", event.JobID)
}

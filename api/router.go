// Package api assembles the coordinator's HTTP surface: the job API, the
// worker protocol, the dead-letter operator endpoints, fleet inspection,
// the job-event websocket stream, and health probes.
package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetworks/conveyor/api/handlers"
	"github.com/fleetworks/conveyor/dlq"
	"github.com/fleetworks/conveyor/fleet"
	"github.com/fleetworks/conveyor/queue"
	"github.com/fleetworks/conveyor/recovery"
)

// BuildInfo is the version metadata reported by /version.
type BuildInfo struct {
	Version   string
	BuildTime string
	GitCommit string
}

// Deps are the services the router exposes. Queue and DLQ are mandatory;
// the rest degrade gracefully when nil.
type Deps struct {
	Queue    *queue.Queue
	DLQ      *dlq.Manager
	Fleet    *fleet.Coordinator
	Recovery *recovery.Manager
	Events   handlers.EventSource
	Health   *handlers.HealthHandler
	Build    BuildInfo
	Logger   *zap.Logger
}

// NewRouter wires every handler onto a ServeMux. Method-qualified patterns
// keep the routing table readable in one place.
func NewRouter(deps Deps) *http.ServeMux {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	jobs := handlers.NewJobsHandler(deps.Queue, logger)
	worker := handlers.NewWorkerHandler(deps.Queue, deps.Fleet, logger)
	dlqHandler := handlers.NewDLQHandler(deps.Queue, deps.DLQ, logger)

	health := deps.Health
	if health == nil {
		health = handlers.NewHealthHandler(logger)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /healthz", health.HandleHealthz)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /readyz", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(deps.Build.Version, deps.Build.BuildTime, deps.Build.GitCommit))

	mux.HandleFunc("POST /api/v1/jobs", jobs.HandleCreate)
	mux.HandleFunc("GET /api/v1/jobs", jobs.HandleList)
	mux.HandleFunc("GET /api/v1/jobs/{id}", jobs.HandleGet)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", jobs.HandleCancel)
	mux.HandleFunc("GET /api/v1/queue/depth", jobs.HandleDepth)

	mux.HandleFunc("POST /api/v1/worker/register", worker.HandleRegister)
	mux.HandleFunc("POST /api/v1/worker/claim", worker.HandleClaim)
	mux.HandleFunc("POST /api/v1/worker/heartbeat", worker.HandleHeartbeat)
	mux.HandleFunc("POST /api/v1/jobs/{id}/lease", worker.HandleExtendLease)
	mux.HandleFunc("POST /api/v1/jobs/{id}/complete", worker.HandleComplete)
	mux.HandleFunc("POST /api/v1/jobs/{id}/fail", worker.HandleFail)

	mux.HandleFunc("GET /api/v1/dlq", dlqHandler.HandleList)
	mux.HandleFunc("GET /api/v1/dlq/{id}", dlqHandler.HandleHistory)
	mux.HandleFunc("POST /api/v1/dlq/{id}/requeue", dlqHandler.HandleRequeue)

	if deps.Fleet != nil {
		fleetHandler := handlers.NewFleetHandler(deps.Fleet, deps.Recovery, logger)
		mux.HandleFunc("GET /api/v1/robots", fleetHandler.HandleList)
		mux.HandleFunc("GET /api/v1/robots/{id}", fleetHandler.HandleGet)
		mux.HandleFunc("DELETE /api/v1/robots/{id}", fleetHandler.HandleDeregister)
		mux.HandleFunc("POST /api/v1/robots/{id}/recover", fleetHandler.HandleRecover)
	}

	if deps.Events != nil {
		events := handlers.NewEventsHandler(deps.Events, logger)
		mux.HandleFunc("GET /api/v1/events/jobs", events.HandleStream)
	}

	return mux
}

package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetworks/conveyor/fleet"
	"github.com/fleetworks/conveyor/queue"
)

// RegisterRequest announces a robot to the fleet.
type RegisterRequest struct {
	RobotID      string         `json:"robot_id"`
	Name         string         `json:"name"`
	Capabilities []string       `json:"capabilities,omitempty"`
	MaxLoad      int            `json:"max_load,omitempty"`
	Environment  map[string]any `json:"environment,omitempty"`
}

// ClaimRequest asks for the next claimable job.
type ClaimRequest struct {
	WorkerID     string   `json:"worker_id"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// HeartbeatRequest is a robot's periodic liveness report.
type HeartbeatRequest struct {
	RobotID      string         `json:"robot_id"`
	CurrentLoad  int            `json:"current_load"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Environment  map[string]any `json:"environment,omitempty"`
	Draining     bool           `json:"draining,omitempty"`
}

// LeaseRequest renews a job lease.
type LeaseRequest struct {
	WorkerID string `json:"worker_id"`
}

// CompleteRequest acknowledges a successful run with its result.
type CompleteRequest struct {
	WorkerID string         `json:"worker_id"`
	Result   map[string]any `json:"result,omitempty"`
}

// FailRequest reports a failed attempt.
type FailRequest struct {
	WorkerID string `json:"worker_id"`
	Error    string `json:"error"`
}

// WorkerHandler serves the worker protocol: register, claim, heartbeat,
// lease extension, and outcome reporting. Remote robots that cannot embed
// the worker runtime speak this surface instead.
type WorkerHandler struct {
	queue  *queue.Queue
	fleet  *fleet.Coordinator
	logger *zap.Logger
}

// NewWorkerHandler creates the worker protocol handler. The fleet
// coordinator is optional; without it register/heartbeat return 503.
func NewWorkerHandler(q *queue.Queue, coordinator *fleet.Coordinator, logger *zap.Logger) *WorkerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerHandler{
		queue:  q,
		fleet:  coordinator,
		logger: logger.With(zap.String("component", "worker_api")),
	}
}

// HandleRegister serves POST /api/v1/worker/register.
func (h *WorkerHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if h.fleet == nil {
		WriteError(w, http.StatusServiceUnavailable, CodeInternal, "fleet coordination disabled", h.logger)
		return
	}
	var req RegisterRequest
	if !DecodeJSONBody(w, r, &req, h.logger) {
		return
	}
	if req.Name == "" {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "name is required", h.logger)
		return
	}

	robot := &fleet.Robot{
		ID:           req.RobotID,
		Name:         req.Name,
		Capabilities: req.Capabilities,
		MaxLoad:      req.MaxLoad,
		Environment:  req.Environment,
	}
	if err := h.fleet.Register(r.Context(), robot); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteCreated(w, robot)
}

// HandleClaim serves POST /api/v1/worker/claim. An empty queue answers 204.
func (h *WorkerHandler) HandleClaim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if !DecodeJSONBody(w, r, &req, h.logger) {
		return
	}
	if req.WorkerID == "" {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "worker_id is required", h.logger)
		return
	}

	job, err := h.queue.Claim(r.Context(), req.WorkerID, req.Capabilities)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, job)
}

// HandleHeartbeat serves POST /api/v1/worker/heartbeat.
func (h *WorkerHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if h.fleet == nil {
		WriteError(w, http.StatusServiceUnavailable, CodeInternal, "fleet coordination disabled", h.logger)
		return
	}
	var req HeartbeatRequest
	if !DecodeJSONBody(w, r, &req, h.logger) {
		return
	}
	if req.RobotID == "" {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "robot_id is required", h.logger)
		return
	}

	err := h.fleet.RecordHeartbeat(r.Context(), req.RobotID, fleet.Heartbeat{
		CurrentLoad:  req.CurrentLoad,
		Capabilities: req.Capabilities,
		Environment:  req.Environment,
		Draining:     req.Draining,
	})
	if errors.Is(err, fleet.ErrRobotNotFound) {
		// Tell the robot to re-register instead of silently accepting.
		WriteError(w, http.StatusNotFound, CodeNotFound, err.Error(), h.logger)
		return
	}
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"status": "ok"})
}

// HandleExtendLease serves POST /api/v1/jobs/{id}/lease.
func (h *WorkerHandler) HandleExtendLease(w http.ResponseWriter, r *http.Request) {
	var req LeaseRequest
	if !DecodeJSONBody(w, r, &req, h.logger) {
		return
	}
	if err := h.queue.ExtendLease(r.Context(), r.PathValue("id"), req.WorkerID); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"status": "extended"})
}

// HandleComplete serves POST /api/v1/jobs/{id}/complete.
func (h *WorkerHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if !DecodeJSONBody(w, r, &req, h.logger) {
		return
	}
	if err := h.queue.Complete(r.Context(), r.PathValue("id"), req.WorkerID, req.Result); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"status": "completed"})
}

// HandleFail serves POST /api/v1/jobs/{id}/fail. The response carries the
// retry decision so the worker can log what happens next.
func (h *WorkerHandler) HandleFail(w http.ResponseWriter, r *http.Request) {
	var req FailRequest
	if !DecodeJSONBody(w, r, &req, h.logger) {
		return
	}
	if req.Error == "" {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "error is required", h.logger)
		return
	}

	action, err := h.queue.Fail(r.Context(), r.PathValue("id"), req.WorkerID, errors.New(req.Error))
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]any{
		"action":   action.Kind,
		"delay_ms": action.Delay.Milliseconds(),
	})
}

package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fleetworks/conveyor/queue"
)

// CreateJobRequest is the job submission payload.
type CreateJobRequest struct {
	WorkflowRef          string         `json:"workflow_ref"`
	Payload              map[string]any `json:"payload,omitempty"`
	Priority             int            `json:"priority,omitempty"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	MaxAttempts          int            `json:"max_attempts,omitempty"`
	RunAt                *time.Time     `json:"run_at,omitempty"`
	Resumable            *bool          `json:"resumable,omitempty"`
}

// CancelJobRequest carries the operator's reason for a cancellation.
type CancelJobRequest struct {
	Reason string `json:"reason,omitempty"`
}

// JobsHandler serves job submission, inspection, and cancellation.
type JobsHandler struct {
	queue  *queue.Queue
	logger *zap.Logger
}

// NewJobsHandler creates the jobs handler.
func NewJobsHandler(q *queue.Queue, logger *zap.Logger) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsHandler{queue: q, logger: logger.With(zap.String("component", "jobs_api"))}
}

// HandleCreate serves POST /api/v1/jobs.
func (h *JobsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if !DecodeJSONBody(w, r, &req, h.logger) {
		return
	}
	if req.WorkflowRef == "" {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "workflow_ref is required", h.logger)
		return
	}

	job := &queue.Job{
		WorkflowRef:          req.WorkflowRef,
		Payload:              req.Payload,
		Priority:             req.Priority,
		RequiredCapabilities: req.RequiredCapabilities,
		MaxAttempts:          req.MaxAttempts,
		Resumable:            true,
	}
	if req.RunAt != nil {
		job.RunAt = req.RunAt.UTC()
	}
	if req.Resumable != nil {
		job.Resumable = *req.Resumable
	}

	if err := h.queue.Enqueue(r.Context(), job); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteCreated(w, job)
}

// HandleGet serves GET /api/v1/jobs/{id}.
func (h *JobsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	job, err := h.queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, job)
}

// HandleList serves GET /api/v1/jobs with optional status, workflow_ref,
// claimed_by, and limit filters.
func (h *JobsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	filter := queue.Filter{
		WorkflowRef: r.URL.Query().Get("workflow_ref"),
		ClaimedBy:   r.URL.Query().Get("claimed_by"),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, queue.Status(strings.TrimSpace(s)))
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be a non-negative integer", h.logger)
			return
		}
		filter.Limit = limit
	}

	jobs, err := h.queue.List(r.Context(), filter)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, jobs)
}

// HandleCancel serves POST /api/v1/jobs/{id}/cancel.
func (h *JobsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelJobRequest
	if r.ContentLength > 0 && !DecodeJSONBody(w, r, &req, h.logger) {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by operator"
	}

	if err := h.queue.Cancel(r.Context(), r.PathValue("id"), reason); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"status": "cancelled"})
}

// HandleDepth serves GET /api/v1/queue/depth.
func (h *JobsHandler) HandleDepth(w http.ResponseWriter, r *http.Request) {
	depth, err := h.queue.Depth(r.Context())
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, depth)
}

package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetworks/conveyor/dlq"
	"github.com/fleetworks/conveyor/queue"
)

// DLQHandler is the dead-letter operator surface: inspect what escalated
// and push it back into the queue with a fresh budget.
type DLQHandler struct {
	queue  *queue.Queue
	dlq    *dlq.Manager
	logger *zap.Logger
}

// NewDLQHandler creates the dead-letter handler.
func NewDLQHandler(q *queue.Queue, mgr *dlq.Manager, logger *zap.Logger) *DLQHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DLQHandler{queue: q, dlq: mgr, logger: logger.With(zap.String("component", "dlq_api"))}
}

// HandleList serves GET /api/v1/dlq.
func (h *DLQHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	entries, err := h.dlq.ListDeadLettered(r.Context())
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, entries)
}

// HandleHistory serves GET /api/v1/dlq/{id}: the full failure history of
// one job, escalated or not.
func (h *DLQHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.dlq.History(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	if history == nil {
		WriteError(w, http.StatusNotFound, CodeNotFound, "no failure history for job", h.logger)
		return
	}
	WriteSuccess(w, history)
}

// HandleRequeue serves POST /api/v1/dlq/{id}/requeue.
func (h *DLQHandler) HandleRequeue(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := h.queue.RequeueDeadLettered(r.Context(), jobID); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	h.logger.Info("dead-lettered job requeued by operator", zap.String("job_id", jobID))
	WriteSuccess(w, map[string]string{"status": "requeued"})
}

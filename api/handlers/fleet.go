package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetworks/conveyor/fleet"
	"github.com/fleetworks/conveyor/recovery"
)

// FleetHandler exposes the robot fleet to operators.
type FleetHandler struct {
	fleet    *fleet.Coordinator
	recovery *recovery.Manager
	logger   *zap.Logger
}

// NewFleetHandler creates the fleet handler. The recovery manager is
// optional; without it the recover endpoint answers 503.
func NewFleetHandler(coordinator *fleet.Coordinator, rec *recovery.Manager, logger *zap.Logger) *FleetHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FleetHandler{
		fleet:    coordinator,
		recovery: rec,
		logger:   logger.With(zap.String("component", "fleet_api")),
	}
}

// HandleList serves GET /api/v1/robots.
func (h *FleetHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	robots, err := h.fleet.List(r.Context())
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, robots)
}

// HandleGet serves GET /api/v1/robots/{id}.
func (h *FleetHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	robot, err := h.fleet.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, robot)
}

// HandleDeregister serves DELETE /api/v1/robots/{id}.
func (h *FleetHandler) HandleDeregister(w http.ResponseWriter, r *http.Request) {
	if err := h.fleet.Deregister(r.Context(), r.PathValue("id")); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"status": "deregistered"})
}

// HandleRecover serves POST /api/v1/robots/{id}/recover: an operator
// forcing the orphan sweep for a robot known to be gone, without waiting
// for the heartbeat monitor.
func (h *FleetHandler) HandleRecover(w http.ResponseWriter, r *http.Request) {
	if h.recovery == nil {
		WriteError(w, http.StatusServiceUnavailable, CodeInternal, "recovery disabled", h.logger)
		return
	}
	report, err := h.recovery.RecoverRobot(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, report)
}

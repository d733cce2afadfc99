package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Check probes one dependency. Returning nil means healthy.
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness. Liveness is unconditional;
// readiness runs the registered dependency checks (database, redis).
type HealthHandler struct {
	logger    *zap.Logger
	startedAt time.Time

	mu     sync.RWMutex
	checks map[string]Check
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger:    logger.With(zap.String("component", "health_api")),
		startedAt: time.Now().UTC(),
		checks:    make(map[string]Check),
	}
}

// RegisterCheck adds a named readiness check.
func (h *HealthHandler) RegisterCheck(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// HandleHealth serves GET /health: liveness plus uptime.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// HandleHealthz serves GET /healthz: the bare liveness probe.
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReady serves GET /ready: 200 when every dependency check passes,
// 503 with the failing checks otherwise.
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.mu.RLock()
	checks := make(map[string]Check, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()

	results := make(map[string]string, len(checks))
	ready := true
	for name, check := range checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			ready = false
			h.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
		} else {
			results[name] = "ok"
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, Response{
		Success:   ready,
		Data:      map[string]any{"ready": ready, "checks": results},
		Timestamp: time.Now().UTC(),
	})
}

// HandleVersion returns a handler reporting build metadata.
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		})
	}
}

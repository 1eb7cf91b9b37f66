package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"engram-backend/internal/graph"
	"engram-backend/pkg/api"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	store  graph.Querier
	logger *zap.Logger
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(store graph.Querier, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{store: store, logger: logger}
}

// Healthz handles GET /healthz.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	api.Success(w, http.StatusOK, api.HealthResponse{Status: "ok"})
}

// Readyz handles GET /readyz. Ready means the graph store answers.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.RunRead(r.Context(), "RETURN 1 AS ok", nil); err != nil {
		h.logger.Warn("readiness probe failed", zap.Error(err))
		api.Error(w, http.StatusServiceUnavailable, "graph store unreachable")
		return
	}
	api.Success(w, http.StatusOK, api.HealthResponse{Status: "ready"})
}

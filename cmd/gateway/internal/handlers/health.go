package handlers

import (
	"context"
	"net/http"
	"time"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/db"
)

// HealthHandler serves gateway liveness and readiness probes.
type HealthHandler struct {
	temporal client.Client
	db       *db.Client
	logger   *zap.Logger
}

func NewHealthHandler(tc client.Client, dbc *db.Client, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{temporal: tc, db: dbc, logger: logger}
}

// HealthResponse is the probe payload.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Time    time.Time         `json:"time"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Health handles GET /health. Liveness only: the gateway process is up.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: "0.1.0",
		Time:    time.Now(),
		Checks:  map[string]string{"gateway": "ok"},
	})
}

// Readiness handles GET /readiness. Probes Temporal and Postgres; either
// failing flips the response to 503 so the load balancer drains us.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:  "ready",
		Version: "0.1.0",
		Time:    time.Now(),
		Checks:  make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	ready := true
	if _, err := h.temporal.CheckHealth(ctx, &client.CheckHealthRequest{}); err != nil {
		ready = false
		response.Checks["temporal"] = "failed"
		h.logger.Warn("Temporal readiness check failed", zap.Error(err))
	} else {
		response.Checks["temporal"] = "ok"
	}

	if err := h.db.GetDB().PingContext(ctx); err != nil {
		ready = false
		response.Checks["database"] = "failed"
		h.logger.Warn("Database readiness check failed", zap.Error(err))
	} else {
		response.Checks["database"] = "ok"
	}

	if !ready {
		response.Status = "not ready"
		sendJSON(w, http.StatusServiceUnavailable, response)
		return
	}
	sendJSON(w, http.StatusOK, response)
}

package handler

import (
	"net/http"
)

// Connectivity reports whether a dependency is reachable.
type Connectivity interface {
	IsConnected() bool
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	threads ThreadSource
	nats    Connectivity
}

// NewHealthHandler creates a new health handler. nats is nil when error
// telemetry is not configured.
func NewHealthHandler(threads ThreadSource, nats Connectivity) *HealthHandler {
	return &HealthHandler{
		threads: threads,
		nats:    nats,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.nats != nil && !h.nats.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	if !h.threads.Snapshot().HasData {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "threads not loaded",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

package handler

import (
	"net/http"
	"time"
)

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	startedAt time.Time
	mode      string
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(mode string) *HealthHandler {
	return &HealthHandler{startedAt: time.Now(), mode: mode}
}

// HealthCheck reports process liveness and uptime.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"mode":   h.mode,
		"uptime": time.Since(h.startedAt).Round(time.Second).String(),
	})
}

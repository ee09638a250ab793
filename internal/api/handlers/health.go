package handlers

import (
	"net/http"
	"time"

	"github.com/inferloop/gridsynth/internal/observability/health"
)

type HealthHandler struct {
	monitor   *health.HealthMonitor
	startTime time.Time
}

func NewHealthHandler(monitor *health.HealthMonitor) *HealthHandler {
	return &HealthHandler{monitor: monitor, startTime: time.Now()}
}

// GetHealth runs every registered check. Degraded still answers 200.
func (h *HealthHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	status := h.monitor.Check(r.Context())
	code := http.StatusOK
	if status.OverallStatus == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (h *HealthHandler) GetLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now(),
		"uptime":    time.Since(h.startTime).Round(time.Second).String(),
	})
}

// GetReadiness only fails on critical checks.
func (h *HealthHandler) GetReadiness(w http.ResponseWriter, r *http.Request) {
	status := h.monitor.Check(r.Context())
	if status.OverallStatus == health.StatusUnhealthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not_ready",
			"issues": status.CriticalIssues,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}

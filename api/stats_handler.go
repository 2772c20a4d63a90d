package api

import (
	"net/http"

	"github.com/KanavDutta/tollgate/metrics"
)

// StatsProvider defines the interface for getting metrics
type StatsProvider interface {
	GetSnapshot() *metrics.Snapshot
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string            `json:"status"`
	InstanceID    string            `json:"instance_id,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks,omitempty"`
}

// Stats handles GET /stats requests
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		h.sendError(w, http.StatusNotFound, "not_found", "Statistics are not enabled")
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	h.sendJSON(w, http.StatusOK, h.stats.GetSnapshot())
}

// Health handles GET /health requests. Any failing check turns the status
// to "degraded" with a 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		InstanceID:    h.instanceID,
		UptimeSeconds: int64(h.clock.Now().Sub(h.startedAt).Seconds()),
	}

	statusCode := http.StatusOK
	if len(h.healthChecks) > 0 {
		resp.Checks = make(map[string]string, len(h.healthChecks))
		for name, check := range h.healthChecks {
			if err := check(r); err != nil {
				h.logger.Warn().Err(err).Str("check", name).Msg("health check failed")
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				statusCode = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
	}

	h.sendJSON(w, statusCode, resp)
}

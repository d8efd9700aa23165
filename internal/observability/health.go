package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker manages liveness and readiness state.
// /healthz is liveness, /readyz is readiness.
type HealthChecker struct {
	ready     atomic.Bool
	halted    atomic.Bool
	startTime time.Time
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
	}
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// SetHalted records that the engine stopped applying events after an
// invariant failure. A halted engine is alive but not ready.
func (h *HealthChecker) SetHalted(halted bool) {
	h.halted.Store(halted)
}

func (h *HealthChecker) IsReady() bool {
	return h.ready.Load() && !h.halted.Load()
}

// LivenessHandler returns HTTP 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 once recovery and replay finished and
// the engine is not halted, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	switch {
	case h.halted.Load():
		writeStatus(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "halted"})
	case h.ready.Load():
		writeStatus(w, http.StatusOK, map[string]interface{}{"status": "ready"})
	default:
		writeStatus(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "not_ready"})
	}
}

func writeStatus(w http.ResponseWriter, code int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthStatus is the JSON shape returned by the health endpoints.
type HealthStatus struct {
	Status    string    `json:"status"` // "healthy", "unhealthy"
	Timestamp time.Time `json:"timestamp"`
	LastTick  time.Time `json:"last_tick,omitempty"`
	TickAge   string    `json:"tick_age,omitempty"`
	Message   string    `json:"message,omitempty"`
	Uptime    string    `json:"uptime"`
}

var liveness = &livenessTracker{startTime: time.Now()}

// livenessTracker reports whether the Farm's scheduling loop is still
// ticking, rather than the health of any individual subsystem — the core
// has no subsystems a host can probe independently.
type livenessTracker struct {
	mu            sync.RWMutex
	startTime     time.Time
	lastTick      time.Time
	maxTickSilence time.Duration
}

// SetMaxTickSilence configures how long the scheduling loop may go without
// ticking before liveness reports unhealthy. Zero disables the check.
func SetMaxTickSilence(d time.Duration) {
	liveness.mu.Lock()
	defer liveness.mu.Unlock()
	liveness.maxTickSilence = d
}

// RecordTick should be called once per completed scheduling cycle.
func RecordTick(at time.Time) {
	liveness.mu.Lock()
	defer liveness.mu.Unlock()
	liveness.lastTick = at
}

// GetHealth reports the Farm's liveness: healthy unless a tick-silence
// budget is configured and has been exceeded.
func GetHealth() HealthStatus {
	liveness.mu.RLock()
	defer liveness.mu.RUnlock()

	status := "healthy"
	message := ""
	var tickAge time.Duration
	if !liveness.lastTick.IsZero() {
		tickAge = time.Since(liveness.lastTick)
		if liveness.maxTickSilence > 0 && tickAge > liveness.maxTickSilence {
			status = "unhealthy"
			message = "scheduling loop has not ticked within the configured budget"
		}
	}

	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		LastTick:  liveness.lastTick,
		TickAge:   tickAge.String(),
		Message:   message,
		Uptime:    time.Since(liveness.startTime).String(),
	}
}

// LivenessHandler returns an HTTP handler for a /healthz endpoint.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()
		w.Header().Set("Content-Type", "application/json")
		statusCode := http.StatusOK
		if health.Status == "unhealthy" {
			statusCode = http.StatusServiceUnavailable
		}
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(health)
	}
}

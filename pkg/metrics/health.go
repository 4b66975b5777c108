package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// criticalComponents must all be registered healthy before the control
// plane reports ready: without the store nothing persists, without the
// reconcile loop records never converge, without the API nothing is
// reachable.
var criticalComponents = []string{"store", "reconciler", "api"}

// Report is the JSON body served by the health and readiness endpoints.
type Report struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// componentState is one component's last reported condition.
type componentState struct {
	healthy bool
	message string
	updated time.Time
}

type healthRegistry struct {
	mu         sync.RWMutex
	components map[string]componentState
	startTime  time.Time
	version    string
}

var healthState = newHealthRegistry()

func newHealthRegistry() *healthRegistry {
	return &healthRegistry{
		components: make(map[string]componentState),
		startTime:  time.Now(),
	}
}

// SetVersion records the build version reported by the health endpoints.
func SetVersion(version string) {
	healthState.mu.Lock()
	defer healthState.mu.Unlock()
	healthState.version = version
}

// RegisterComponent records a component's condition. Components re-report
// through the same call whenever their state changes.
func RegisterComponent(name string, healthy bool, message string) {
	healthState.mu.Lock()
	defer healthState.mu.Unlock()
	healthState.components[name] = componentState{
		healthy: healthy,
		message: message,
		updated: time.Now(),
	}
}

func (r *healthRegistry) report() Report {
	return Report{
		Version:   r.version,
		Uptime:    time.Since(r.startTime).String(),
		Timestamp: time.Now(),
	}
}

// Health reports overall condition: unhealthy as soon as any registered
// component is.
func Health() Report {
	healthState.mu.RLock()
	defer healthState.mu.RUnlock()

	out := healthState.report()
	out.Status = "healthy"
	out.Components = make(map[string]string, len(healthState.components))
	for name, comp := range healthState.components {
		if comp.healthy {
			out.Components[name] = "healthy"
			continue
		}
		out.Status = "unhealthy"
		out.Components[name] = "unhealthy: " + comp.message
	}
	return out
}

// Readiness reports whether the critical components have all come up. A
// component that has not registered yet counts as not ready, so the server
// returns 503 during startup rather than accepting traffic it cannot serve.
func Readiness() Report {
	healthState.mu.RLock()
	defer healthState.mu.RUnlock()

	out := healthState.report()
	out.Status = "ready"
	out.Components = make(map[string]string, len(criticalComponents))
	for _, name := range criticalComponents {
		comp, registered := healthState.components[name]
		switch {
		case !registered:
			out.Status = "not_ready"
			out.Message = "waiting for " + name + " initialization"
			out.Components[name] = "not registered"
		case !comp.healthy:
			out.Status = "not_ready"
			out.Message = "waiting for " + name
			out.Components[name] = "not ready: " + comp.message
		default:
			out.Components[name] = "ready"
		}
	}
	return out
}

// HealthHandler serves the component health report.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeReport(w, Health(), "unhealthy")
	}
}

// ReadyHandler serves the readiness report.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeReport(w, Readiness(), "not_ready")
	}
}

// LivenessHandler answers 200 whenever the process is running.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(healthState.startTime).String(),
		})
	}
}

func writeReport(w http.ResponseWriter, report Report, badStatus string) {
	w.Header().Set("Content-Type", "application/json")
	code := http.StatusOK
	if report.Status == badStatus {
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}

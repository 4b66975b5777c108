package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(t *testing.T) {
	t.Helper()
	healthState = newHealthRegistry()
}

func TestHealthAggregation(t *testing.T) {
	resetHealth(t)
	SetVersion("1.2.3")
	RegisterComponent("store", true, "bbolt open")
	RegisterComponent("api", true, "listening")

	report := Health()
	assert.Equal(t, "healthy", report.Status)
	assert.Equal(t, "1.2.3", report.Version)
	assert.Len(t, report.Components, 2)

	// One bad component flips the whole report and carries its message.
	RegisterComponent("store", false, "db not open")
	report = Health()
	assert.Equal(t, "unhealthy", report.Status)
	assert.Equal(t, "unhealthy: db not open", report.Components["store"])
	assert.Equal(t, "healthy", report.Components["api"])
}

func TestReadinessRequiresCriticalComponents(t *testing.T) {
	resetHealth(t)

	// Nothing registered yet: starting up, not ready.
	report := Readiness()
	assert.Equal(t, "not_ready", report.Status)
	assert.NotEmpty(t, report.Message)

	RegisterComponent("store", true, "")
	RegisterComponent("reconciler", true, "")
	RegisterComponent("api", true, "")
	report = Readiness()
	assert.Equal(t, "ready", report.Status)

	RegisterComponent("reconciler", false, "loop stalled")
	report = Readiness()
	assert.Equal(t, "not_ready", report.Status)
	assert.Equal(t, "not ready: loop stalled", report.Components["reconciler"])
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	resetHealth(t)
	RegisterComponent("store", true, "")

	w := httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var report Report
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
	assert.Equal(t, "healthy", report.Status)

	RegisterComponent("store", false, "broken")
	w = httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReadyHandlerStatusCodes(t *testing.T) {
	resetHealth(t)
	RegisterComponent("api", true, "")

	w := httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	RegisterComponent("store", true, "")
	RegisterComponent("reconciler", true, "")
	w = httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLivenessHandler(t *testing.T) {
	resetHealth(t)

	w := httptest.NewRecorder()
	LivenessHandler()(w, httptest.NewRequest("GET", "/live", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "alive", body["status"])
	assert.NotEmpty(t, body["uptime"])
}

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
	healthChecker = newHealthChecker(DefaultCriticalComponents)
}

func TestRegisterComponent(t *testing.T) {
	resetHealth(t)

	RegisterComponent("fanout", true, "running")

	require.Len(t, healthChecker.components, 1)
	comp := healthChecker.components["fanout"]
	assert.True(t, comp.Healthy)
	assert.Equal(t, "running", comp.Message)
	assert.False(t, comp.Updated.IsZero())
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
	}{
		{
			name:       "all healthy",
			components: map[string]bool{"raft": true, "api": true},
			want:       StatusHealthy,
		},
		{
			name:       "critical component down",
			components: map[string]bool{"raft": false, "api": true},
			want:       StatusUnhealthy,
		},
		{
			name:       "non-critical component down",
			components: map[string]bool{"raft": true, "reconciler": false},
			want:       StatusDegraded,
		},
		{
			name:       "critical wins over degraded",
			components: map[string]bool{"reconciler": false, "procstore": false},
			want:       StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "boom")
			}

			health := GetHealth()
			assert.Equal(t, tt.want, health.Status)
			assert.Len(t, health.Components, len(tt.components))
		})
	}
}

func TestGetHealthReportsVersion(t *testing.T) {
	resetHealth(t)
	SetVersion("1.0.0")

	RegisterComponent("raft", false, "not connected")

	health := GetHealth()
	assert.Equal(t, "1.0.0", health.Version)
	assert.Equal(t, "unhealthy: not connected", health.Components["raft"])
}

func TestGetReadiness(t *testing.T) {
	resetHealth(t)
	RegisterComponent("api", true, "")

	readiness := GetReadiness()
	assert.Equal(t, StatusNotReady, readiness.Status)
	assert.Equal(t, "waiting for procstore, raft", readiness.Message)
	assert.Equal(t, "not registered", readiness.Components["raft"])

	RegisterComponent("raft", false, "leader not elected")
	RegisterComponent("procstore", true, "")
	readiness = GetReadiness()
	assert.Equal(t, StatusNotReady, readiness.Status)
	assert.Equal(t, "not ready: leader not elected", readiness.Components["raft"])

	UpdateComponent("raft", true, "")
	readiness = GetReadiness()
	assert.Equal(t, StatusReady, readiness.Status)
	assert.Empty(t, readiness.Message)
}

func TestSetCriticalComponents(t *testing.T) {
	resetHealth(t)
	SetCriticalComponents("agent")

	RegisterComponent("agent", true, "")
	assert.Equal(t, StatusReady, GetReadiness().Status)

	RegisterComponent("raft", false, "absent")
	assert.Equal(t, StatusDegraded, GetHealth().Status)
}

func TestHandlers(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		setup    func()
		wantCode int
		want     string
	}{
		{
			name:     "health ok",
			handler:  HealthHandler(),
			setup:    func() { RegisterComponent("api", true, "") },
			wantCode: http.StatusOK,
			want:     StatusHealthy,
		},
		{
			name:     "health degraded is still 200",
			handler:  HealthHandler(),
			setup:    func() { RegisterComponent("reconciler", false, "slow") },
			wantCode: http.StatusOK,
			want:     StatusDegraded,
		},
		{
			name:     "health unhealthy",
			handler:  HealthHandler(),
			setup:    func() { RegisterComponent("raft", false, "broken") },
			wantCode: http.StatusServiceUnavailable,
			want:     StatusUnhealthy,
		},
		{
			name:    "ready",
			handler: ReadyHandler(),
			setup: func() {
				for _, name := range DefaultCriticalComponents {
					RegisterComponent(name, true, "")
				}
			},
			wantCode: http.StatusOK,
			want:     StatusReady,
		},
		{
			name:     "not ready",
			handler:  ReadyHandler(),
			setup:    func() { RegisterComponent("api", true, "") },
			wantCode: http.StatusServiceUnavailable,
			want:     StatusNotReady,
		},
		{
			name:     "liveness",
			handler:  LivenessHandler(),
			setup:    func() {},
			wantCode: http.StatusOK,
			want:     "alive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			tt.setup()

			w := httptest.NewRecorder()
			tt.handler(w, httptest.NewRequest("GET", "/", nil))

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.want, body["status"])
			assert.NotEmpty(t, body["uptime"])
		})
	}
}

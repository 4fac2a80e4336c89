package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_OwnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.BarsTotal.WithLabelValues("1m").Inc()
	m.BarsTotal.WithLabelValues("1m").Inc()
	m.DivergencesTotal.WithLabelValues("area").Inc()

	if got := testutil.ToFloat64(m.BarsTotal.WithLabelValues("1m")); got != 2 {
		t.Errorf("bars=%v, want 2", got)
	}
	// Registering twice on a fresh registry must not collide with the first.
	NewMetrics(prometheus.NewRegistry())
}

func TestHealthStatus_ServeHTTP(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(h *HealthStatus)
		code   int
		status string
	}{
		{"healthy", func(h *HealthStatus) {
			h.SetFeedConnected(true)
			h.SetSQLiteOK(true)
			h.SetStreams(2, nil)
		}, http.StatusOK, "healthy"},
		{"stale stream", func(h *HealthStatus) {
			h.SetFeedConnected(true)
			h.SetSQLiteOK(true)
			h.SetStreams(2, []string{"1m:AAPL"})
		}, http.StatusServiceUnavailable, "degraded"},
		{"nothing up", func(h *HealthStatus) {}, http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthStatus()
			tt.setup(h)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if rec.Code != tt.code {
				t.Errorf("code=%d, want %d", rec.Code, tt.code)
			}
			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body["status"] != tt.status {
				t.Errorf("status=%v, want %s", body["status"], tt.status)
			}
		})
	}
}

func TestHealthStatus_LastBarTimeMonotonic(t *testing.T) {
	h := NewHealthStatus()
	now := time.Now()
	h.SetLastBarTime(now)
	h.SetLastBarTime(now.Add(-time.Hour))
	if !h.LastBarTime.Equal(now) {
		t.Errorf("last bar time moved backwards: %v", h.LastBarTime)
	}
}

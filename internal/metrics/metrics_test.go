package metrics

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

var (
	sharedMetrics     *Metrics
	sharedMetricsOnce sync.Once
)

// testMetrics returns a single process-wide Metrics instance: NewMetrics
// registers against the default Prometheus registry, so constructing it
// more than once per process panics on duplicate registration.
func testMetrics(t *testing.T) *Metrics {
	t.Helper()
	sharedMetricsOnce.Do(func() {
		sharedMetrics = NewMetrics()
	})
	return sharedMetrics
}

func TestRequestTrackingMiddleware(t *testing.T) {
	m := testMetrics(t)
	handler := m.RequestTrackingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rec.Code)
	}
}

func TestUpdateSystemMetrics(t *testing.T) {
	m := testMetrics(t)
	m.UpdateSystemMetrics(1024, 12)
}

func TestSlotStatusGauge(t *testing.T) {
	m := testMetrics(t)
	m.SlotStatus.WithLabelValues("slot-0", "T1").Set(1)
	m.SlotStatus.WithLabelValues("slot-0", "T1").Set(0)
}

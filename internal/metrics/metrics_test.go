package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Decision("allow")
	m.Algorithm("burst_detection", true, false, time.Millisecond)
	m.Confidence(0.4)
	m.Challenge("issued")
	m.StoreFailure("redis", "fail_open")
	m.TrafficLogDropped()
}

func TestCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewWithRegistry(registry, registry)

	m.Decision("blocked")
	m.Decision("blocked")
	m.Algorithm("rate_limiting", true, false, time.Millisecond)
	m.Algorithm("burst_detection", false, true, time.Millisecond)
	m.StoreFailure("reputation", "fail_closed")
	m.TrafficLogDropped()

	if got := testutil.ToFloat64(m.decisions.WithLabelValues("blocked")); got != 2 {
		t.Fatalf("blocked decisions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.detectorThreats.WithLabelValues("rate_limiting")); got != 1 {
		t.Fatalf("rate_limiting threats = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.detectorErrors.WithLabelValues("burst_detection")); got != 1 {
		t.Fatalf("burst errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.detectorThreats.WithLabelValues("burst_detection")); got != 0 {
		t.Fatalf("failed run counted as threat: %v", got)
	}
	if got := testutil.ToFloat64(m.storeFailures.WithLabelValues("reputation", "fail_closed")); got != 1 {
		t.Fatalf("store failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.trafficLogDropped); got != 1 {
		t.Fatalf("dropped = %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Challenge("solved")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `gatekeeper_challenges_total{outcome="solved"} 1`) {
		t.Fatalf("metrics output missing challenge counter:\n%s", body)
	}
}

package detection

import (
	"context"
	"testing"
	"time"

	"gatekeeper/internal/config"
)

func TestRateLimitingFlagsAboveThreshold(t *testing.T) {
	store, _ := newTestCounters(t)
	detectors := NewWindowDetectors(store)
	cfg := config.WindowConfig{Enabled: true, Threshold: 3, Window: 60}
	req := testRequest("10.0.0.1", time.Now())

	for i := 1; i <= 4; i++ {
		result, err := detectors.RateLimiting(context.Background(), req, cfg)
		if err != nil {
			t.Fatalf("RateLimiting: %v", err)
		}
		if result.Threat != (i == 4) {
			t.Fatalf("request %d: threat = %v", i, result.Threat)
		}
	}
}

func TestBurstCountsOnlyTheWindow(t *testing.T) {
	store, _ := newTestCounters(t)
	detectors := NewWindowDetectors(store)
	cfg := config.WindowConfig{Enabled: true, Threshold: 20, Window: 10}
	start := time.UnixMilli(1_700_000_000_000)

	var last Result
	for i := 0; i < 21; i++ {
		req := testRequest("10.0.0.2", start.Add(time.Duration(i)*200*time.Millisecond))
		result, err := detectors.Burst(context.Background(), req, cfg)
		if err != nil {
			t.Fatalf("Burst: %v", err)
		}
		if i < 20 && result.Threat {
			t.Fatalf("request %d flagged early", i+1)
		}
		last = result
	}
	if !last.Threat {
		t.Fatalf("21st request in 10s was not flagged: %+v", last)
	}
	if want := "Burst detected: 21 requests in 10s window"; last.Reason != want {
		t.Fatalf("reason = %q, want %q", last.Reason, want)
	}

	later := testRequest("10.0.0.2", start.Add(30*time.Second))
	result, err := detectors.Burst(context.Background(), later, cfg)
	if err != nil {
		t.Fatalf("Burst: %v", err)
	}
	if result.Threat || result.Details["count"] != int64(1) {
		t.Fatalf("old entries were not trimmed: %+v", result)
	}
}

func TestHTTPFloodScalesByMethod(t *testing.T) {
	store, _ := newTestCounters(t)
	detectors := NewWindowDetectors(store)
	cfg := config.WindowConfig{Enabled: true, Threshold: 10, Window: 30}

	req := testRequest("10.0.0.3", time.Now())
	req.Method = "DELETE"

	// DELETE allows 10 * 0.2 = 2 requests.
	for i := 1; i <= 3; i++ {
		result, err := detectors.HTTPFlood(context.Background(), req, cfg)
		if err != nil {
			t.Fatalf("HTTPFlood: %v", err)
		}
		if result.Threat != (i == 3) {
			t.Fatalf("request %d: threat = %v", i, result.Threat)
		}
	}

	other := req
	other.Path = "/api/other"
	result, err := detectors.HTTPFlood(context.Background(), other, cfg)
	if err != nil {
		t.Fatalf("HTTPFlood: %v", err)
	}
	if result.Threat {
		t.Fatal("a different path shares the flood counter")
	}
}

func TestMethodMultiplier(t *testing.T) {
	tests := map[string]float64{"GET": 1, "POST": 0.5, "PUT": 0.3, "DELETE": 0.2, "PATCH": 1}
	for method, want := range tests {
		if got := MethodMultiplier(method); got != want {
			t.Errorf("MethodMultiplier(%s) = %v, want %v", method, got, want)
		}
	}
}

func TestProgressiveRatchetsThreshold(t *testing.T) {
	store, mr := newTestCounters(t)
	detectors := NewWindowDetectors(store)
	cfg := config.ProgressiveConfig{Enabled: true, BaseThreshold: 100, MinThreshold: 10, Step: 20, Window: 60, PenaltyTTL: 3600}
	req := testRequest("10.0.0.4", time.Now())

	if err := mr.Set("progressive:10.0.0.4", "2"); err != nil {
		t.Fatalf("seed penalty: %v", err)
	}

	var result Result
	var err error
	for i := 1; i <= 61; i++ {
		result, err = detectors.Progressive(context.Background(), req, cfg)
		if err != nil {
			t.Fatalf("Progressive: %v", err)
		}
		if i < 61 && result.Threat {
			t.Fatalf("request %d flagged below threshold 60", i)
		}
	}
	if !result.Threat {
		t.Fatalf("61st request not flagged: %+v", result)
	}
	if result.Details["threshold"] != int64(60) || result.Details["next_penalty_level"] != int64(3) {
		t.Fatalf("unexpected details: %+v", result.Details)
	}
	if ttl := mr.TTL("progressive:10.0.0.4"); ttl != time.Hour {
		t.Fatalf("penalty ttl = %v, want 1h", ttl)
	}

	result, err = detectors.Progressive(context.Background(), req, cfg)
	if err != nil {
		t.Fatalf("Progressive: %v", err)
	}
	if result.Details["threshold"] != int64(40) {
		t.Fatalf("threshold after third violation = %v, want 40", result.Details["threshold"])
	}
}

func TestProgressiveThresholdFloor(t *testing.T) {
	cfg := config.ProgressiveConfig{BaseThreshold: 100, MinThreshold: 10, Step: 20}
	for penalty, want := range map[int64]int64{0: 100, 1: 80, 4: 20, 5: 10, 50: 10} {
		if got := cfg.Threshold(penalty); got != want {
			t.Errorf("Threshold(%d) = %d, want %d", penalty, got, want)
		}
	}
}

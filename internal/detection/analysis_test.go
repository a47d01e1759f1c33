package detection

import (
	"context"
	"math"
	"testing"
	"time"

	"gatekeeper/internal/config"
)

func TestShannonEntropy(t *testing.T) {
	if got := ShannonEntropy(""); got != 0 {
		t.Fatalf("empty entropy = %v", got)
	}
	if got := ShannonEntropy("aaaa"); got != 0 {
		t.Fatalf("uniform entropy = %v", got)
	}
	if got := ShannonEntropy("abcdefgh"); math.Abs(got-3) > 1e-9 {
		t.Fatalf("entropy of 8 distinct = %v, want 3", got)
	}
}

func TestEntropyNoData(t *testing.T) {
	result := Entropy(Request{Address: "10.0.0.5"}, config.EntropyConfig{Enabled: true, MinEntropy: 2})
	if result.Threat || result.Reason != "No data for entropy analysis" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestEntropyFlagsTemplatedRequests(t *testing.T) {
	req := Request{Address: "10.0.0.5", UserAgent: "aaaaaaaa"}
	result := Entropy(req, config.EntropyConfig{Enabled: true, MinEntropy: 2})
	if !result.Threat {
		t.Fatalf("low entropy request not flagged: %+v", result)
	}
}

func TestScorePatterns(t *testing.T) {
	base := int64(1_700_000_000_000)
	samples := make([]Snapshot, 10)
	for i := range samples {
		// Newest first, 50ms apart.
		samples[i] = Snapshot{AtMillis: base - int64(i)*50, UserAgent: "curl/8.0"}
	}

	score := ScorePatterns(samples)
	if math.Abs(score.Score-0.7) > 1e-9 {
		t.Fatalf("score = %v, want 0.7", score.Score)
	}

	for i := range samples {
		samples[i].UserAgent = ""
	}
	score = ScorePatterns(samples)
	if math.Abs(score.Score-0.6) > 1e-9 {
		t.Fatalf("score with empty agents = %v, want 0.6", score.Score)
	}

	slow := []Snapshot{{AtMillis: base, UserAgent: "a"}, {AtMillis: base - 5000, UserAgent: "b"}}
	if got := ScorePatterns(slow).Score; got != 0 {
		t.Fatalf("varied slow traffic scored %v", got)
	}
}

func TestBehaviorDetectorNeedsMinimumSamples(t *testing.T) {
	store, _ := newTestCounters(t)
	detector := NewBehaviorDetector(store)
	cfg := config.BehaviorConfig{Enabled: true, MinRequests: 5, ScoreThreshold: 0.5}
	start := time.UnixMilli(1_700_000_000_000)

	for i := 0; i < 5; i++ {
		req := testRequest("10.0.0.6", start.Add(time.Duration(i)*10*time.Millisecond))
		result, err := detector.Detect(context.Background(), req, cfg)
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if i < 4 {
			if result.Threat || result.Reason != "Insufficient data" {
				t.Fatalf("request %d: %+v", i+1, result)
			}
			continue
		}
		// Identical agents and 10ms gaps score 0.7.
		if !result.Threat {
			t.Fatalf("automated pattern not flagged: %+v", result)
		}
	}
}

type staticLocator string

func (s staticLocator) Country(string) string { return string(s) }

func TestGeographicNeverFlags(t *testing.T) {
	result := Geographic(Request{Address: "1.2.3.4"}, staticLocator("DE"))
	if result.Threat {
		t.Fatal("geographic analysis flagged a request")
	}
	if result.Details["country"] != "DE" {
		t.Fatalf("country not attached: %+v", result.Details)
	}
}

package detection

import (
	"context"
	"sync"
	"testing"
	"time"

	"gatekeeper/internal/config"
	"gatekeeper/internal/counters"
	"gatekeeper/internal/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCounters(t *testing.T) (*counters.RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return counters.NewRedisStore(client, time.Second), mr
}

type fakeReputation struct {
	mu       sync.Mutex
	statuses map[string]domain.ReputationStatus
	reasons  map[string]string
	err      error
}

func newFakeReputation() *fakeReputation {
	return &fakeReputation{
		statuses: make(map[string]domain.ReputationStatus),
		reasons:  make(map[string]string),
	}
}

func (f *fakeReputation) Status(_ context.Context, address string) (domain.ReputationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.StatusNone, f.err
	}
	if s, ok := f.statuses[address]; ok {
		return s, nil
	}
	return domain.StatusNone, nil
}

func (f *fakeReputation) UpsertSuspicious(_ context.Context, address, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if _, ok := f.statuses[address]; ok {
		return false, nil
	}
	f.statuses[address] = domain.StatusSuspicious
	f.reasons[address] = reason
	return true, nil
}

// onlyEnabled returns a detection config with every algorithm off except the
// named ones, which keep their default parameters.
func onlyEnabled(names ...string) config.DetectionConfig {
	cfg := config.DefaultDetection()
	cfg.RateLimiting.Enabled = false
	cfg.BurstDetection.Enabled = false
	cfg.BehaviorAnalysis.Enabled = false
	cfg.EntropyAnalysis.Enabled = false
	cfg.ProgressiveDetection.Enabled = false
	cfg.GeographicAnalysis.Enabled = false
	cfg.HTTPFloodDetection.Enabled = false
	cfg.MLPrediction.Enabled = false

	for _, name := range names {
		switch name {
		case config.AlgorithmRateLimiting:
			cfg.RateLimiting.Enabled = true
		case config.AlgorithmBurstDetection:
			cfg.BurstDetection.Enabled = true
		case config.AlgorithmBehaviorAnalysis:
			cfg.BehaviorAnalysis.Enabled = true
		case config.AlgorithmEntropyAnalysis:
			cfg.EntropyAnalysis.Enabled = true
		case config.AlgorithmProgressive:
			cfg.ProgressiveDetection.Enabled = true
		case config.AlgorithmGeographic:
			cfg.GeographicAnalysis.Enabled = true
		case config.AlgorithmHTTPFlood:
			cfg.HTTPFloodDetection.Enabled = true
		case config.AlgorithmMLPrediction:
			cfg.MLPrediction.Enabled = true
		}
	}
	return cfg
}

func testRequest(address string, at time.Time) Request {
	return Request{
		Address:   address,
		Method:    "GET",
		Path:      "/api/items",
		RawQuery:  "page=7&sort=desc",
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0",
		At:        at,
	}
}

package detection

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"gatekeeper/internal/config"
	"gatekeeper/internal/counters"

	"gonum.org/v1/gonum/stat"
)

const (
	behaviorHistoryLimit = 100
	behaviorHistoryTTL   = time.Hour

	identicalAgentWeight = 0.3
	missingAgentWeight   = 0.2
	rapidRequestWeight   = 0.4
	rapidMeanInterval    = 100 * time.Millisecond
)

// Snapshot is the request metadata retained for pattern analysis.
type Snapshot struct {
	AtMillis      int64  `json:"timestamp"`
	UserAgent     string `json:"user_agent"`
	Referer       string `json:"referer"`
	Path          string `json:"path"`
	Method        string `json:"method"`
	ContentLength int64  `json:"content_length"`
}

func snapshotOf(req Request) Snapshot {
	return Snapshot{
		AtMillis:      req.At.UnixMilli(),
		UserAgent:     req.UserAgent,
		Referer:       req.Referer,
		Path:          req.Path,
		Method:        req.Method,
		ContentLength: req.BodyLength,
	}
}

// PatternScore rates how automated a newest-first run of snapshots looks.
type PatternScore struct {
	Score   float64
	Reasons []string
}

// ScorePatterns adds identicalAgentWeight when every user agent is the same
// non-empty string, missingAgentWeight when more than half are empty and
// rapidRequestWeight when the mean gap between requests is under 100ms.
func ScorePatterns(samples []Snapshot) PatternScore {
	var score PatternScore
	if len(samples) == 0 {
		return score
	}

	identical := samples[0].UserAgent != ""
	empty := 0
	for _, s := range samples {
		if s.UserAgent != samples[0].UserAgent {
			identical = false
		}
		if s.UserAgent == "" {
			empty++
		}
	}
	if identical {
		score.Score += identicalAgentWeight
		score.Reasons = append(score.Reasons, "Identical user agents")
	}
	if float64(empty) > float64(len(samples))*0.5 {
		score.Score += missingAgentWeight
		score.Reasons = append(score.Reasons, "Missing user agents")
	}

	if len(samples) > 1 {
		gaps := make([]float64, len(samples)-1)
		for i := range gaps {
			gaps[i] = float64(samples[i].AtMillis - samples[i+1].AtMillis)
		}
		if meanMillis := stat.Mean(gaps, nil); meanMillis < float64(rapidMeanInterval.Milliseconds()) {
			score.Score += rapidRequestWeight
			score.Reasons = append(score.Reasons, "Rapid sequential requests")
		}
	}

	return score
}

type BehaviorDetector struct {
	store counters.Store
}

func NewBehaviorDetector(store counters.Store) *BehaviorDetector {
	return &BehaviorDetector{store: store}
}

// Detect records req and, once MinRequests samples exist, scores the newest
// MinRequests of them.
func (d *BehaviorDetector) Detect(ctx context.Context, req Request, cfg config.BehaviorConfig) (Result, error) {
	payload, err := json.Marshal(snapshotOf(req))
	if err != nil {
		return Result{}, err
	}

	key := "behavior:" + req.Address
	count, err := d.store.PushBounded(ctx, key, string(payload), behaviorHistoryLimit, behaviorHistoryTTL)
	if err != nil {
		return Result{}, err
	}
	if count < int64(cfg.MinRequests) {
		return Result{
			Algorithm: config.AlgorithmBehaviorAnalysis,
			Reason:    "Insufficient data",
			Details:   map[string]any{"samples": count},
		}, nil
	}

	raw, err := d.store.Head(ctx, key, int64(cfg.MinRequests))
	if err != nil {
		return Result{}, err
	}
	samples := make([]Snapshot, 0, len(raw))
	for _, entry := range raw {
		var s Snapshot
		if err := json.Unmarshal([]byte(entry), &s); err != nil {
			continue
		}
		samples = append(samples, s)
	}

	patterns := ScorePatterns(samples)
	return Result{
		Algorithm: config.AlgorithmBehaviorAnalysis,
		Threat:    patterns.Score > cfg.ScoreThreshold,
		Reason:    "Suspicious behavior: " + strings.Join(patterns.Reasons, ", "),
		Details:   map[string]any{"score": patterns.Score, "reasons": patterns.Reasons, "samples": count},
	}, nil
}

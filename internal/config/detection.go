package config

import (
	"errors"
	"fmt"
	"time"
)

// Algorithm names, in the order the engine runs them unless Order says
// otherwise.
const (
	AlgorithmRateLimiting     = "rate_limiting"
	AlgorithmBurstDetection   = "burst_detection"
	AlgorithmBehaviorAnalysis = "behavior_analysis"
	AlgorithmEntropyAnalysis  = "entropy_analysis"
	AlgorithmProgressive      = "progressive_detection"
	AlgorithmGeographic       = "geographic_analysis"
	AlgorithmHTTPFlood        = "http_flood_detection"
	AlgorithmMLPrediction     = "ml_prediction"
)

var DefaultOrder = []string{
	AlgorithmRateLimiting,
	AlgorithmBurstDetection,
	AlgorithmBehaviorAnalysis,
	AlgorithmEntropyAnalysis,
	AlgorithmProgressive,
	AlgorithmGeographic,
	AlgorithmHTTPFlood,
	AlgorithmMLPrediction,
}

// WindowConfig parameterises a counter that flags a threat once more than
// Threshold events land inside Window seconds.
type WindowConfig struct {
	Enabled   bool `json:"enabled"`
	Threshold int  `json:"threshold"`
	Window    int  `json:"window"`
}

func (w WindowConfig) WindowDuration() time.Duration {
	return time.Duration(w.Window) * time.Second
}

// BehaviorConfig flags an address once the pattern score of its newest
// MinRequests samples exceeds ScoreThreshold.
type BehaviorConfig struct {
	Enabled        bool    `json:"enabled"`
	MinRequests    int     `json:"min_requests"`
	ScoreThreshold float64 `json:"score_threshold"`
}

type EntropyConfig struct {
	Enabled    bool    `json:"enabled"`
	MinEntropy float64 `json:"min_entropy"`
}

// ProgressiveConfig describes the penalty ratchet: the effective threshold is
// max(MinThreshold, BaseThreshold - Step*penalty) over a Window second counter.
type ProgressiveConfig struct {
	Enabled       bool `json:"enabled"`
	BaseThreshold int  `json:"base_threshold"`
	MinThreshold  int  `json:"min_threshold"`
	Step          int  `json:"step"`
	Window        int  `json:"window"`
	PenaltyTTL    int  `json:"penalty_ttl"`
}

func (p ProgressiveConfig) Threshold(penalty int64) int64 {
	return max(int64(p.MinThreshold), int64(p.BaseThreshold)-int64(p.Step)*penalty)
}

type ToggleConfig struct {
	Enabled bool `json:"enabled"`
}

type MLConfig struct {
	Enabled   bool    `json:"enabled"`
	Threshold float64 `json:"threshold"`
}

type DetectionConfig struct {
	Order                []string          `json:"order,omitempty"`
	RateLimiting         WindowConfig      `json:"rate_limiting"`
	BurstDetection       WindowConfig      `json:"burst_detection"`
	BehaviorAnalysis     BehaviorConfig    `json:"behavior_analysis"`
	EntropyAnalysis      EntropyConfig     `json:"entropy_analysis"`
	ProgressiveDetection ProgressiveConfig `json:"progressive_detection"`
	GeographicAnalysis   ToggleConfig      `json:"geographic_analysis"`
	HTTPFloodDetection   WindowConfig      `json:"http_flood_detection"`
	MLPrediction         MLConfig          `json:"ml_prediction"`
}

// Enabled reports whether the named algorithm is switched on.
func (d DetectionConfig) Enabled(name string) bool {
	switch name {
	case AlgorithmRateLimiting:
		return d.RateLimiting.Enabled
	case AlgorithmBurstDetection:
		return d.BurstDetection.Enabled
	case AlgorithmBehaviorAnalysis:
		return d.BehaviorAnalysis.Enabled
	case AlgorithmEntropyAnalysis:
		return d.EntropyAnalysis.Enabled
	case AlgorithmProgressive:
		return d.ProgressiveDetection.Enabled
	case AlgorithmGeographic:
		return d.GeographicAnalysis.Enabled
	case AlgorithmHTTPFlood:
		return d.HTTPFloodDetection.Enabled
	case AlgorithmMLPrediction:
		return d.MLPrediction.Enabled
	}
	return false
}

// Sequence returns the configured algorithm order, falling back to
// DefaultOrder.
func (d DetectionConfig) Sequence() []string {
	if len(d.Order) == 0 {
		return DefaultOrder
	}
	return d.Order
}

func (d DetectionConfig) Validate() error {
	var errs []error

	known := make(map[string]bool, len(DefaultOrder))
	for _, name := range DefaultOrder {
		known[name] = true
	}
	seen := make(map[string]bool, len(d.Order))
	for _, name := range d.Order {
		if !known[name] {
			errs = append(errs, fmt.Errorf("order: unknown algorithm %q", name))
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("order: duplicate algorithm %q", name))
		}
		seen[name] = true
	}

	errs = append(errs,
		validateWindow(AlgorithmRateLimiting, d.RateLimiting),
		validateWindow(AlgorithmBurstDetection, d.BurstDetection),
		validateWindow(AlgorithmHTTPFlood, d.HTTPFloodDetection),
	)

	if d.BehaviorAnalysis.MinRequests < 1 || d.BehaviorAnalysis.MinRequests > 100 {
		errs = append(errs, fmt.Errorf("%s: min_requests must be within 1..100, got %d", AlgorithmBehaviorAnalysis, d.BehaviorAnalysis.MinRequests))
	}
	if d.BehaviorAnalysis.ScoreThreshold < 0 || d.BehaviorAnalysis.ScoreThreshold > 1 {
		errs = append(errs, fmt.Errorf("%s: score_threshold must be within 0..1", AlgorithmBehaviorAnalysis))
	}
	if d.EntropyAnalysis.MinEntropy < 0 {
		errs = append(errs, fmt.Errorf("%s: min_entropy must not be negative", AlgorithmEntropyAnalysis))
	}

	p := d.ProgressiveDetection
	if p.BaseThreshold <= 0 || p.MinThreshold <= 0 || p.Step < 0 || p.Window <= 0 || p.PenaltyTTL <= 0 {
		errs = append(errs, fmt.Errorf("%s: thresholds, window and penalty_ttl must be positive", AlgorithmProgressive))
	}
	if p.MinThreshold > p.BaseThreshold {
		errs = append(errs, fmt.Errorf("%s: min_threshold %d exceeds base_threshold %d", AlgorithmProgressive, p.MinThreshold, p.BaseThreshold))
	}

	if d.MLPrediction.Threshold < 0 || d.MLPrediction.Threshold > 1 {
		errs = append(errs, fmt.Errorf("%s: threshold must be within 0..1", AlgorithmMLPrediction))
	}

	return errors.Join(errs...)
}

func validateWindow(name string, w WindowConfig) error {
	if w.Threshold <= 0 || w.Window <= 0 {
		return fmt.Errorf("%s: threshold and window must be positive", name)
	}
	return nil
}

func defaultProgressive(enabled bool) ProgressiveConfig {
	return ProgressiveConfig{
		Enabled:       enabled,
		BaseThreshold: 100,
		MinThreshold:  10,
		Step:          20,
		Window:        60,
		PenaltyTTL:    3600,
	}
}

func DefaultDetection() DetectionConfig {
	return DetectionConfig{
		RateLimiting:         WindowConfig{Enabled: true, Threshold: 100, Window: 60},
		BurstDetection:       WindowConfig{Enabled: true, Threshold: 20, Window: 10},
		BehaviorAnalysis:     BehaviorConfig{Enabled: true, MinRequests: 10, ScoreThreshold: 0.7},
		EntropyAnalysis:      EntropyConfig{Enabled: true, MinEntropy: 2.0},
		ProgressiveDetection: defaultProgressive(true),
		GeographicAnalysis:   ToggleConfig{Enabled: false},
		HTTPFloodDetection:   WindowConfig{Enabled: true, Threshold: 50, Window: 30},
		MLPrediction:         MLConfig{Enabled: true, Threshold: 0.7},
	}
}

func DevelopmentDetection() DetectionConfig {
	cfg := DefaultDetection()
	cfg.RateLimiting = WindowConfig{Enabled: true, Threshold: 1000, Window: 60}
	cfg.BurstDetection = WindowConfig{Enabled: true, Threshold: 50, Window: 10}
	cfg.EntropyAnalysis.MinEntropy = 1.0
	cfg.ProgressiveDetection.Enabled = false
	cfg.HTTPFloodDetection = WindowConfig{Enabled: true, Threshold: 100, Window: 30}
	return cfg
}

func ProductionDetection() DetectionConfig {
	cfg := DefaultDetection()
	cfg.BurstDetection = WindowConfig{Enabled: true, Threshold: 15, Window: 10}
	cfg.BehaviorAnalysis.MinRequests = 5
	cfg.EntropyAnalysis.MinEntropy = 1.5
	cfg.HTTPFloodDetection = WindowConfig{Enabled: true, Threshold: 30, Window: 30}
	return cfg
}

var ErrUnknownProfile = errors.New("config: unknown detection profile")

// Profile returns the named detection preset.
func Profile(name string) (DetectionConfig, error) {
	switch name {
	case "", "default":
		return DefaultDetection(), nil
	case "development", "dev":
		return DevelopmentDetection(), nil
	case "production", "prod":
		return ProductionDetection(), nil
	}
	return DetectionConfig{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
}

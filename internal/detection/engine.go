package detection

import (
	"context"
	"fmt"
	"time"

	"gatekeeper/internal/config"
	"gatekeeper/internal/counters"
	"gatekeeper/internal/domain"
	"gatekeeper/internal/mlguard"

	"github.com/charmbracelet/log"
)

const AlreadyFlaggedReason = "Already flagged"

// ReputationStore is the part of the reputation store the engine needs.
type ReputationStore interface {
	Status(ctx context.Context, address string) (domain.ReputationStatus, error)
	UpsertSuspicious(ctx context.Context, address, reason string) (bool, error)
}

// Observer receives every algorithm result with its run time.
type Observer func(result Result, elapsed time.Duration)

// Engine runs the enabled algorithms in configured order and stops at the
// first threat.
type Engine struct {
	windows    *WindowDetectors
	behavior   *BehaviorDetector
	tracker    *mlguard.RequestTracker
	predictor  *mlguard.Predictor
	reputation ReputationStore
	locator    CountryLocator
	settings   func() config.DetectionConfig
	observe    Observer
}

type Option func(*Engine)

func WithPredictor(p *mlguard.Predictor) Option {
	return func(e *Engine) { e.predictor = p }
}

func WithCountryLocator(l CountryLocator) Option {
	return func(e *Engine) { e.locator = l }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observe = o }
}

// WithSettings overrides where the engine reads its configuration from;
// the default is the live process configuration.
func WithSettings(fn func() config.DetectionConfig) Option {
	return func(e *Engine) { e.settings = fn }
}

func NewEngine(store counters.Store, tracker *mlguard.RequestTracker, reputation ReputationStore, opts ...Option) *Engine {
	e := &Engine{
		windows:    NewWindowDetectors(store),
		behavior:   NewBehaviorDetector(store),
		tracker:    tracker,
		reputation: reputation,
		settings:   func() config.DetectionConfig { return config.GetConfig().Detection },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Detect evaluates req, reading the address's reputation first.
func (e *Engine) Detect(ctx context.Context, req Request) Verdict {
	status, err := e.reputation.Status(ctx, req.Address)
	if err != nil {
		log.Warn("Reputation lookup failed, running detection anyway", "address", req.Address, "error", err)
		status = domain.StatusNone
	}
	return e.DetectWithStatus(ctx, req, status)
}

// DetectWithStatus evaluates req for a caller that already knows the
// address's reputation status.
func (e *Engine) DetectWithStatus(ctx context.Context, req Request, status domain.ReputationStatus) Verdict {
	verdict := Verdict{Address: req.Address}

	if status == domain.StatusSuspicious || status == domain.StatusBlocked {
		verdict.Blocked = true
		verdict.AlreadyFlagged = true
		verdict.Reason = AlreadyFlaggedReason
		return verdict
	}

	size := mlguard.EstimateSize(req.HeaderBytes, len(req.Path), len(req.RawQuery), req.BodyLength)
	if e.tracker != nil {
		if err := e.tracker.Track(ctx, req.Address, size); err != nil {
			log.Debug("Request tracking failed", "address", req.Address, "error", err)
		}
	}

	cfg := e.settings()
	for _, name := range cfg.Sequence() {
		if !cfg.Enabled(name) {
			continue
		}

		started := time.Now()
		result := e.run(ctx, name, req, cfg, size)
		if e.observe != nil {
			e.observe(result, time.Since(started))
		}
		verdict.Results = append(verdict.Results, result)

		if result.Err != nil {
			log.Warn("Detector failed", "algorithm", name, "address", req.Address, "error", result.Err)
			continue
		}
		if !result.Threat {
			continue
		}

		verdict.Blocked = true
		verdict.Algorithm = name
		verdict.Reason = result.Reason
		log.Info("Threat detected", "address", req.Address, "algorithm", name, "reason", result.Reason)

		flagReason := fmt.Sprintf("[%s] %s", name, result.Reason)
		if _, err := e.reputation.UpsertSuspicious(ctx, req.Address, flagReason); err != nil {
			log.Error("Failed to flag suspicious address", "address", req.Address, "error", err)
		}
		return verdict
	}

	return verdict
}

// run executes one algorithm, turning errors and panics into a failed
// result.
func (e *Engine) run(ctx context.Context, name string, req Request, cfg config.DetectionConfig, size int) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = failed(name, fmt.Errorf("panic: %v", r))
		}
	}()

	var err error
	switch name {
	case config.AlgorithmRateLimiting:
		result, err = e.windows.RateLimiting(ctx, req, cfg.RateLimiting)
	case config.AlgorithmBurstDetection:
		result, err = e.windows.Burst(ctx, req, cfg.BurstDetection)
	case config.AlgorithmBehaviorAnalysis:
		result, err = e.behavior.Detect(ctx, req, cfg.BehaviorAnalysis)
	case config.AlgorithmEntropyAnalysis:
		result = Entropy(req, cfg.EntropyAnalysis)
	case config.AlgorithmProgressive:
		result, err = e.windows.Progressive(ctx, req, cfg.ProgressiveDetection)
	case config.AlgorithmGeographic:
		result = Geographic(req, e.locator)
	case config.AlgorithmHTTPFlood:
		result, err = e.windows.HTTPFlood(ctx, req, cfg.HTTPFloodDetection)
	case config.AlgorithmMLPrediction:
		result, err = e.predict(ctx, req, cfg.MLPrediction, size)
	default:
		err = fmt.Errorf("unknown algorithm %q", name)
	}
	if err != nil {
		return failed(name, err)
	}
	result.Algorithm = name
	return result
}

func (e *Engine) predict(ctx context.Context, req Request, cfg config.MLConfig, size int) (Result, error) {
	if !e.predictor.Ready() {
		return Result{Reason: "ML models not loaded"}, nil
	}

	prediction, err := e.predictor.Predict(ctx, req.Address, size, cfg.Threshold)
	if err != nil {
		return Result{}, err
	}

	details := map[string]any{
		"confidence":  prediction.Confidence,
		"threshold":   prediction.Threshold,
		"predictions": prediction.Votes,
	}
	if len(prediction.Failures) > 0 {
		details["failures"] = prediction.Failures
	}
	return Result{
		Threat:  prediction.Threat,
		Reason:  fmt.Sprintf("ML ensemble confidence %.2f (threshold: %.2f)", prediction.Confidence, prediction.Threshold),
		Details: details,
	}, nil
}

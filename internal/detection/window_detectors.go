package detection

import (
	"context"
	"fmt"
	"time"

	"gatekeeper/internal/config"
	"gatekeeper/internal/counters"
	"gatekeeper/internal/support"
)

var methodMultipliers = map[string]float64{
	"GET":    1.0,
	"POST":   0.5,
	"PUT":    0.3,
	"DELETE": 0.2,
}

// MethodMultiplier scales the flood threshold for methods with lower
// legitimate call rates. Unknown methods use 1.
func MethodMultiplier(method string) float64 {
	if m, ok := methodMultipliers[method]; ok {
		return m
	}
	return 1.0
}

// WindowDetectors groups the algorithms that keep their state in the shared
// counter store.
type WindowDetectors struct {
	store counters.Store
}

func NewWindowDetectors(store counters.Store) *WindowDetectors {
	return &WindowDetectors{store: store}
}

func (d *WindowDetectors) RateLimiting(ctx context.Context, req Request, cfg config.WindowConfig) (Result, error) {
	count, err := d.store.IncrWindow(ctx, "rate_limit:"+req.Address, cfg.WindowDuration())
	if err != nil {
		return Result{}, err
	}

	return Result{
		Algorithm: config.AlgorithmRateLimiting,
		Threat:    count > int64(cfg.Threshold),
		Reason:    fmt.Sprintf("Rate limit exceeded: %d/%d requests in %ds", count, cfg.Threshold, cfg.Window),
		Details:   map[string]any{"count": count, "threshold": cfg.Threshold},
	}, nil
}

func (d *WindowDetectors) Burst(ctx context.Context, req Request, cfg config.WindowConfig) (Result, error) {
	window := cfg.WindowDuration()
	count, err := d.store.WindowAdd(ctx, "burst:"+req.Address, req.At, window, 2*window)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Algorithm: config.AlgorithmBurstDetection,
		Threat:    count > int64(cfg.Threshold),
		Reason:    fmt.Sprintf("Burst detected: %d requests in %ds window", count, cfg.Window),
		Details:   map[string]any{"count": count, "threshold": cfg.Threshold},
	}, nil
}

func (d *WindowDetectors) HTTPFlood(ctx context.Context, req Request, cfg config.WindowConfig) (Result, error) {
	key := fmt.Sprintf("http_flood:%s:%s:%s", req.Address, req.Method, support.ShortHash(req.Path))
	count, err := d.store.IncrWindow(ctx, key, cfg.WindowDuration())
	if err != nil {
		return Result{}, err
	}

	adjusted := float64(cfg.Threshold) * MethodMultiplier(req.Method)
	return Result{
		Algorithm: config.AlgorithmHTTPFlood,
		Threat:    float64(count) > adjusted,
		Reason:    fmt.Sprintf("HTTP flood: %d %s requests to %s in %ds", count, req.Method, req.Path, cfg.Window),
		Details:   map[string]any{"count": count, "threshold": adjusted, "method": req.Method},
	}, nil
}

// Progressive applies a threshold that tightens with every violation the
// address has committed within the penalty TTL.
func (d *WindowDetectors) Progressive(ctx context.Context, req Request, cfg config.ProgressiveConfig) (Result, error) {
	penaltyKey := "progressive:" + req.Address
	penalty, err := d.store.Int(ctx, penaltyKey)
	if err != nil {
		return Result{}, err
	}

	threshold := cfg.Threshold(penalty)
	count, err := d.store.IncrWindow(ctx, "prog_rate:"+req.Address, time.Duration(cfg.Window)*time.Second)
	if err != nil {
		return Result{}, err
	}

	details := map[string]any{"count": count, "threshold": threshold, "penalty_level": penalty}
	threat := count > threshold
	if threat {
		// A failed ratchet must not hide the violation itself.
		if level, err := d.store.Bump(ctx, penaltyKey, time.Duration(cfg.PenaltyTTL)*time.Second); err != nil {
			details["penalty_error"] = err.Error()
		} else {
			details["next_penalty_level"] = level
		}
	}

	return Result{
		Algorithm: config.AlgorithmProgressive,
		Threat:    threat,
		Reason:    fmt.Sprintf("Progressive limit: %d/%d (penalty level: %d)", count, threshold, penalty),
		Details:   details,
	}, nil
}

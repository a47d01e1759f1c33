// Package admission combines the challenge gate, the reputation store, the
// detection engine and the GCRA limiter into one decision per request.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gatekeeper/internal/challenge"
	"gatekeeper/internal/config"
	"gatekeeper/internal/detection"
	"gatekeeper/internal/domain"
	"gatekeeper/internal/metrics"

	"github.com/charmbracelet/log"
)

const (
	ReasonExempt              = "Exempt path"
	ReasonPendingChallenge    = "Challenge pending"
	ReasonBlocked             = "Address blocked"
	ReasonReputationFailure   = "Reputation check unavailable"
	ReasonVerified            = "Verified by challenge"
	ReasonRateLimited         = "Rate limit exceeded"
	ReasonChallengeFailure    = "Challenge unavailable"
	ReasonFailedChallenge     = "Failed challenge response"
	ReasonSuspiciousActivity  = "Suspicious activity detected"
	rateLimitReputationPrefix = "[rate_limit] "
)

type Reputation interface {
	Status(ctx context.Context, address string) (domain.ReputationStatus, error)
	UpsertSuspicious(ctx context.Context, address, reason string) (bool, error)
	SetStatus(ctx context.Context, address string, status domain.ReputationStatus, reason string, at time.Time) error
}

type Detector interface {
	DetectWithStatus(ctx context.Context, req detection.Request, status domain.ReputationStatus) detection.Verdict
}

type Gate interface {
	HasPending(ctx context.Context, address string) (bool, error)
	Present(ctx context.Context, address string) (challenge.View, error)
	Issue(ctx context.Context, address string) (challenge.View, error)
	Verify(ctx context.Context, address string, answer int) error
	IsVerified(ctx context.Context, address string) (bool, error)
}

type RateLimiter interface {
	Limited(ctx context.Context, key string, limit int, period time.Duration) (bool, error)
}

type Controller struct {
	reputation Reputation
	detector   Detector
	gate       Gate
	limiter    RateLimiter
	metrics    *metrics.Metrics
	settings   func() config.Config
	exempt     func(path string) bool
	now        func() time.Time
}

type Option func(*Controller)

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithSettings(fn func() config.Config) Option {
	return func(c *Controller) { c.settings = fn }
}

func WithExemptPaths(fn func(path string) bool) Option {
	return func(c *Controller) { c.exempt = fn }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func NewController(reputation Reputation, detector Detector, gate Gate, limiter RateLimiter, opts ...Option) *Controller {
	c := &Controller{
		reputation: reputation,
		detector:   detector,
		gate:       gate,
		limiter:    limiter,
		settings:   config.GetConfig,
		exempt:     config.IsExemptPath,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Decide runs the admission checks for req in their fixed order; the first
// check that produces a verdict ends evaluation.
func (c *Controller) Decide(ctx context.Context, req detection.Request) Decision {
	decision := c.decide(ctx, req)
	c.metrics.Decision(decision.Outcome.String())
	return decision
}

func (c *Controller) decide(ctx context.Context, req detection.Request) Decision {
	address := req.Address
	if c.exempt(req.Path) {
		return Decision{Outcome: Allow, Reason: ReasonExempt}
	}

	cfg := c.settings()

	pending, err := c.gate.HasPending(ctx, address)
	if err != nil {
		log.Warn("Challenge lookup failed, continuing without it", "address", address, "error", err)
		c.metrics.StoreFailure("challenge", "fail_open")
	}
	if pending {
		return c.challenge(ctx, address, ReasonPendingChallenge, c.gate.Present)
	}

	status, err := c.reputation.Status(ctx, address)
	if err != nil {
		if cfg.Admission.FailClosedOnReputationError {
			log.Warn("Reputation lookup failed, denying request", "address", address, "error", err)
			c.metrics.StoreFailure("reputation", "fail_closed")
			return Decision{Outcome: Blocked, Reason: ReasonReputationFailure}
		}
		log.Warn("Reputation lookup failed, allowing detection to decide", "address", address, "error", err)
		c.metrics.StoreFailure("reputation", "fail_open")
		status = domain.StatusNone
	}
	if status == domain.StatusBlocked {
		return Decision{Outcome: Blocked, Reason: ReasonBlocked}
	}

	verdict := c.detector.DetectWithStatus(ctx, req, status)
	verified := status == domain.StatusVerified || c.isVerified(ctx, address)

	if status == domain.StatusSuspicious || verdict.Blocked {
		if verified {
			return Decision{Outcome: Allow, Reason: ReasonVerified, Verdict: &verdict}
		}
		reason := verdict.Reason
		if reason == "" || verdict.AlreadyFlagged {
			reason = ReasonSuspiciousActivity
		}
		decision := c.challenge(ctx, address, reason, c.gate.Present)
		decision.Verdict = &verdict
		return decision
	}

	if cfg.RateLimit.Enabled && !verified {
		limited, err := c.limiter.Limited(ctx, address, cfg.RateLimit.Limit, cfg.RateLimit.Period.Duration())
		if err != nil {
			log.Warn("Rate limiter unavailable, failing open", "address", address, "error", err)
			c.metrics.StoreFailure("rate_limiter", "fail_open")
		}
		if limited {
			flag := fmt.Sprintf("%s%d requests per %s exceeded", rateLimitReputationPrefix, cfg.RateLimit.Limit, cfg.RateLimit.Period.Duration())
			if _, err := c.reputation.UpsertSuspicious(ctx, address, flag); err != nil {
				log.Error("Failed to flag rate limited address", "address", address, "error", err)
			}
			decision := c.challenge(ctx, address, ReasonRateLimited, c.gate.Issue)
			decision.Verdict = &verdict
			return decision
		}
	}

	return Decision{Outcome: Allow, Verdict: &verdict}
}

func (c *Controller) isVerified(ctx context.Context, address string) bool {
	verified, err := c.gate.IsVerified(ctx, address)
	if err != nil {
		log.Warn("Grant lookup failed, treating address as unverified", "address", address, "error", err)
		c.metrics.StoreFailure("challenge", "fail_closed")
		return false
	}
	return verified
}

// challenge builds a ChallengeRequired decision from present. When no
// challenge can be produced the request is denied outright.
func (c *Controller) challenge(ctx context.Context, address, reason string, present func(context.Context, string) (challenge.View, error)) Decision {
	view, err := present(ctx, address)
	if err != nil {
		log.Error("Failed to present challenge, denying request", "address", address, "error", err)
		c.metrics.StoreFailure("challenge", "fail_closed")
		return Decision{Outcome: Blocked, Reason: ReasonChallengeFailure}
	}
	if view.Message == challenge.IssueMessage {
		c.metrics.Challenge("issued")
	}
	return Decision{Outcome: ChallengeRequired, Reason: reason, Challenge: &view}
}

// Verify checks a challenge answer for address. Exhausting the challenge
// while suspicious escalates the address to blocked when configured.
func (c *Controller) Verify(ctx context.Context, address string, answer int) error {
	err := c.gate.Verify(ctx, address, answer)

	var incorrect *challenge.IncorrectAnswerError
	switch {
	case err == nil:
		c.metrics.Challenge("solved")
		log.Info("Challenge solved", "address", address)
		return nil
	case errors.Is(err, challenge.ErrTooManyAttempts):
		c.metrics.Challenge("exhausted")
		c.escalate(ctx, address)
	case errors.Is(err, challenge.ErrChallengeExpired):
		c.metrics.Challenge("expired")
	case errors.As(err, &incorrect):
		c.metrics.Challenge("incorrect")
	case errors.Is(err, challenge.ErrNoPendingChallenge):
		c.metrics.Challenge("missing")
	default:
		c.metrics.StoreFailure("challenge", "fail_closed")
	}
	return err
}

func (c *Controller) escalate(ctx context.Context, address string) {
	if !c.settings().Challenge.BlockOnExhaustion {
		return
	}

	status, err := c.reputation.Status(ctx, address)
	if err != nil {
		log.Error("Failed to read reputation for escalation", "address", address, "error", err)
		return
	}
	if status != domain.StatusSuspicious {
		return
	}

	if err := c.reputation.SetStatus(ctx, address, domain.StatusBlocked, ReasonFailedChallenge, c.now()); err != nil {
		log.Error("Failed to block address after failed challenge", "address", address, "error", err)
		return
	}
	log.Info("Address blocked after failed challenge", "address", address)
}

// Present returns the challenge for address, issuing one when none is
// pending.
func (c *Controller) Present(ctx context.Context, address string) (challenge.View, error) {
	view, err := c.gate.Present(ctx, address)
	if err == nil && view.Message == challenge.IssueMessage {
		c.metrics.Challenge("issued")
	}
	return view, err
}

// Package challenge implements the human-verification gate: an address with
// a pending puzzle is denied until it answers, and a correct answer earns a
// time-boxed grant.
package challenge

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"gatekeeper/internal/config"
)

const (
	IssueMessage   = "Please solve this challenge to continue"
	PendingMessage = "You must solve this challenge before continuing"
	SuccessMessage = "Challenge solved! Access granted for 15 minutes."
)

type Settings struct {
	PendingTTL  time.Duration
	GrantTTL    time.Duration
	MaxAttempts int
}

func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		PendingTTL:  cfg.Challenge.PendingTTL.Duration(),
		GrantTTL:    cfg.Challenge.GrantTTL.Duration(),
		MaxAttempts: cfg.Challenge.MaxAttempts,
	}
}

// View is the challenge as presented to a client.
type View struct {
	Question          string `json:"question"`
	Message           string `json:"message"`
	AttemptsRemaining int    `json:"attempts_remaining"`
	ExpiresIn         string `json:"expires_in,omitempty"`
}

type Gate struct {
	store    Store
	now      func() time.Time
	intn     func(n int) int
	settings func() Settings
}

type GateOption func(*Gate)

func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// WithRandom replaces the source of puzzle operands. intn must return a
// value in [0, n).
func WithRandom(intn func(n int) int) GateOption {
	return func(g *Gate) { g.intn = intn }
}

func WithSettings(fn func() Settings) GateOption {
	return func(g *Gate) { g.settings = fn }
}

func NewGate(store Store, opts ...GateOption) *Gate {
	g := &Gate{
		store:    store,
		now:      time.Now,
		intn:     rand.IntN,
		settings: func() Settings { return SettingsFromConfig(config.GetConfig()) },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Issue stores a fresh puzzle for address, replacing any outstanding one.
func (g *Gate) Issue(ctx context.Context, address string) (View, error) {
	settings := g.settings()
	a, b := 1+g.intn(10), 1+g.intn(10)
	now := g.now()

	p := Pending{
		Question:  fmt.Sprintf("What is %d + %d?", a, b),
		Answer:    a + b,
		IssuedAt:  now,
		ExpiresAt: now.Add(settings.PendingTTL),
	}
	// Retained past expiry so a late answer reports ErrChallengeExpired.
	if err := g.store.SavePending(ctx, address, p, 2*settings.PendingTTL); err != nil {
		return View{}, err
	}

	return View{
		Question:          p.Question,
		Message:           IssueMessage,
		AttemptsRemaining: settings.MaxAttempts,
		ExpiresIn:         humanDuration(settings.PendingTTL),
	}, nil
}

// pending returns the live challenge for address, deleting it when expired.
func (g *Gate) pending(ctx context.Context, address string) (Pending, bool, error) {
	p, ok, err := g.store.LoadPending(ctx, address)
	if err != nil || !ok {
		return Pending{}, false, err
	}
	if g.now().After(p.ExpiresAt) {
		return p, false, g.store.DeletePending(ctx, address)
	}
	return p, true, nil
}

func (g *Gate) HasPending(ctx context.Context, address string) (bool, error) {
	_, ok, err := g.pending(ctx, address)
	return ok, err
}

// Present returns the outstanding challenge, issuing one if none is live.
func (g *Gate) Present(ctx context.Context, address string) (View, error) {
	p, ok, err := g.pending(ctx, address)
	if err != nil {
		return View{}, err
	}
	if !ok {
		return g.Issue(ctx, address)
	}
	return View{
		Question:          p.Question,
		Message:           PendingMessage,
		AttemptsRemaining: max(g.settings().MaxAttempts-p.Attempts, 0),
	}, nil
}

// Verify checks answer against the pending challenge. A nil error means the
// answer was right and address holds a grant. Concurrent submissions for
// one address are counted best-effort.
func (g *Gate) Verify(ctx context.Context, address string, answer int) error {
	settings := g.settings()

	p, ok, err := g.store.LoadPending(ctx, address)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoPendingChallenge
	}
	if g.now().After(p.ExpiresAt) {
		if err := g.store.DeletePending(ctx, address); err != nil {
			return err
		}
		return ErrChallengeExpired
	}

	attempts, ok, err := g.store.RecordAttempt(ctx, address)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoPendingChallenge
	}
	if attempts > settings.MaxAttempts {
		if err := g.store.DeletePending(ctx, address); err != nil {
			return err
		}
		return ErrTooManyAttempts
	}

	if answer == p.Answer {
		if err := g.store.DeletePending(ctx, address); err != nil {
			return err
		}
		return g.store.SaveGrant(ctx, address, g.now().Add(settings.GrantTTL), settings.GrantTTL)
	}

	remaining := settings.MaxAttempts - attempts
	if remaining <= 0 {
		if err := g.store.DeletePending(ctx, address); err != nil {
			return err
		}
		return ErrTooManyAttempts
	}
	return &IncorrectAnswerError{Remaining: remaining}
}

// IsVerified reports whether address holds an unexpired grant.
func (g *Gate) IsVerified(ctx context.Context, address string) (bool, error) {
	expiresAt, ok, err := g.store.LoadGrant(ctx, address)
	if err != nil || !ok {
		return false, err
	}
	if g.now().After(expiresAt) {
		return false, g.store.DeleteGrant(ctx, address)
	}
	return true, nil
}

func humanDuration(d time.Duration) string {
	if d%time.Minute == 0 {
		minutes := int(d / time.Minute)
		if minutes == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", minutes)
	}
	return d.String()
}

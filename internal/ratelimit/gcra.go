// Package ratelimit implements the Generic Cell Rate Algorithm on top of the
// shared counter store.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"gatekeeper/internal/counters"
)

const KeyPrefix = "rate:"

var ErrInvalidLimit = errors.New("ratelimit: limit and period must be positive and period/limit at least 1ms")

// Limiter tests requests against a per-key virtual schedule. The
// read-compare-advance step runs as one server-side script, so concurrent
// callers sharing a key can never be admitted closer than period/limit apart.
type Limiter struct {
	store counters.Store
	now   func() time.Time
}

func New(store counters.Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// WithClock replaces the time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Separation is the emission interval between two admitted requests,
// floored to whole milliseconds.
func Separation(limit int, period time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return (period / time.Duration(limit)).Truncate(time.Millisecond)
}

// Limited reports whether the request identified by key must be denied
// (true) under a budget of limit requests per period.
func (l *Limiter) Limited(ctx context.Context, key string, limit int, period time.Duration) (bool, error) {
	separation := Separation(limit, period)
	if period <= 0 || separation <= 0 {
		return false, ErrInvalidLimit
	}
	return l.store.GCRA(ctx, KeyPrefix+key, l.now(), period, separation)
}

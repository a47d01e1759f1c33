// Package counters holds the shared counter and window primitives that the
// rate limiter and the windowed detectors are built on.
package counters

import (
	"context"
	"time"
)

// Store is a shared key/value backend where every mutation is a single atomic
// read-modify-write on the server side.
type Store interface {
	// IncrWindow increments key and arms its expiry only when the increment
	// opened a new window (count == 1).
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	// Bump increments key and re-arms its expiry on every call.
	Bump(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Int reads an integer counter, returning 0 when the key is absent.
	Int(ctx context.Context, key string) (int64, error)

	// WindowAdd records an event at the given instant in an ordered set,
	// drops events older than at-window and returns the remaining cardinality.
	WindowAdd(ctx context.Context, key string, at time.Time, window, ttl time.Duration) (int64, error)

	// PushBounded prepends value to a list, trims it to maxLen entries and
	// returns the resulting length.
	PushBounded(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) (int64, error)

	// Head returns up to n of the newest list entries, newest first.
	Head(ctx context.Context, key string, n int64) ([]string, error)

	// GCRA performs one atomic theoretical-arrival-time test and reports
	// whether the request is limited. The stored schedule only advances for
	// admitted requests.
	GCRA(ctx context.Context, key string, now time.Time, period, separation time.Duration) (bool, error)
}

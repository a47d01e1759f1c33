package challenge

import (
	"context"
	"time"
)

// Pending is an outstanding puzzle for one address.
type Pending struct {
	Question  string
	Answer    int
	IssuedAt  time.Time
	ExpiresAt time.Time
	Attempts  int
}

// Store keeps pending challenges and verified grants. Expiry is decided by
// the Gate; ttl arguments only bound how long a backend retains an entry.
type Store interface {
	SavePending(ctx context.Context, address string, p Pending, ttl time.Duration) error
	LoadPending(ctx context.Context, address string) (Pending, bool, error)
	// RecordAttempt increments the attempt counter of an existing pending
	// challenge and returns the new count. ok is false when none exists.
	RecordAttempt(ctx context.Context, address string) (attempts int, ok bool, err error)
	DeletePending(ctx context.Context, address string) error

	SaveGrant(ctx context.Context, address string, expiresAt time.Time, ttl time.Duration) error
	LoadGrant(ctx context.Context, address string) (expiresAt time.Time, ok bool, err error)
	DeleteGrant(ctx context.Context, address string) error
}

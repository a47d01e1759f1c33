package mlguard

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gatekeeper/internal/counters"
)

const (
	HistoryLimit   = 100
	HistoryIdleTTL = 10 * time.Minute
	trackKeyPrefix = "track:"
)

// RequestTracker keeps the newest HistoryLimit request sizes per address,
// each stamped with its arrival time. A history untouched for
// HistoryIdleTTL disappears.
type RequestTracker struct {
	store counters.Store
	now   func() time.Time
}

func NewRequestTracker(store counters.Store) *RequestTracker {
	return &RequestTracker{store: store, now: time.Now}
}

func (t *RequestTracker) WithClock(now func() time.Time) *RequestTracker {
	t.now = now
	return t
}

type sample struct {
	at   time.Time
	size float64
}

func encodeSample(at time.Time, size int) string {
	return strconv.FormatInt(at.UnixMilli(), 10) + ":" + strconv.Itoa(size)
}

func decodeSample(raw string) (sample, error) {
	ms, size, ok := strings.Cut(raw, ":")
	if !ok {
		return sample{}, fmt.Errorf("malformed history entry %q", raw)
	}
	at, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return sample{}, fmt.Errorf("malformed history timestamp %q: %w", raw, err)
	}
	value, err := strconv.ParseFloat(size, 64)
	if err != nil {
		return sample{}, fmt.Errorf("malformed history size %q: %w", raw, err)
	}
	return sample{at: time.UnixMilli(at), size: value}, nil
}

// Track appends one request of the given estimated size.
func (t *RequestTracker) Track(ctx context.Context, address string, size int) error {
	_, err := t.store.PushBounded(ctx, trackKeyPrefix+address, encodeSample(t.now(), size), HistoryLimit, HistoryIdleTTL)
	return err
}

func (t *RequestTracker) samples(ctx context.Context, address string) ([]sample, error) {
	raw, err := t.store.Head(ctx, trackKeyPrefix+address, HistoryLimit)
	if err != nil {
		return nil, err
	}
	out := make([]sample, 0, len(raw))
	for _, entry := range raw {
		s, err := decodeSample(entry)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Sizes returns the tracked sizes, newest first.
func (t *RequestTracker) Sizes(ctx context.Context, address string) ([]float64, error) {
	samples, err := t.samples(ctx, address)
	if err != nil {
		return nil, err
	}
	sizes := make([]float64, len(samples))
	for i, s := range samples {
		sizes[i] = s.size
	}
	return sizes, nil
}

// RecentCount returns how many tracked requests arrived within window.
func (t *RequestTracker) RecentCount(ctx context.Context, address string, window time.Duration) (int, error) {
	samples, err := t.samples(ctx, address)
	if err != nil {
		return 0, err
	}
	cutoff := t.now().Add(-window)
	count := 0
	for _, s := range samples {
		if !s.at.Before(cutoff) {
			count++
		}
	}
	return count, nil
}

package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestPruneOnceUsesRetentionCutoff(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	var gotCutoff time.Time

	removed := pruneOnce(context.Background(), 24*time.Hour, func(_ context.Context, cutoff time.Time) (int64, error) {
		gotCutoff = cutoff
		return 3, nil
	}, func() time.Time { return now })

	if removed != 3 {
		t.Fatalf("removed = %d, want 3", removed)
	}
	if want := now.Add(-24 * time.Hour); !gotCutoff.Equal(want) {
		t.Fatalf("cutoff = %v, want %v", gotCutoff, want)
	}
}

func TestPruneOnceSwallowsErrors(t *testing.T) {
	removed := pruneOnce(context.Background(), time.Hour, func(context.Context, time.Time) (int64, error) {
		return 5, errors.New("database down")
	}, time.Now)
	if removed != 0 {
		t.Fatalf("removed = %d, want 0 on error", removed)
	}
}

func TestRetentionSettingsFromEnv(t *testing.T) {
	t.Setenv(envRetention, "48h")
	t.Setenv(envRetentionInterval, "nonsense")

	settings := RetentionSettingsFromEnv()
	if settings.Retention != 48*time.Hour {
		t.Fatalf("retention = %v, want 48h", settings.Retention)
	}
	if settings.Interval != DefaultRetentionInterval {
		t.Fatalf("interval = %v, want default", settings.Interval)
	}
}

func TestStartTrafficRetentionRunsUnderLeadership(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	pruned := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		StartTrafficRetention(ctx, client, RetentionSettings{Retention: time.Hour, Interval: time.Hour}, func(context.Context, time.Time) (int64, error) {
			once.Do(func() { close(pruned) })
			return 0, nil
		})
	}()

	select {
	case <-pruned:
	case <-time.After(5 * time.Second):
		t.Fatal("prune was not called")
	}
	if !mr.Exists(retentionLockKey) {
		t.Fatal("leader lock not held while pruning")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("retention routine did not stop")
	}
}

func TestStartTrafficRetentionDisabled(t *testing.T) {
	called := false
	StartTrafficRetention(context.Background(), nil, RetentionSettings{}, func(context.Context, time.Time) (int64, error) {
		called = true
		return 0, nil
	})
	if called {
		t.Fatal("prune called with retention disabled")
	}
}

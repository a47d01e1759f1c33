package maintenance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type countingUpdater struct {
	calls  atomic.Int32
	called chan struct{}
}

func (u *countingUpdater) Update(context.Context) error {
	if u.calls.Add(1) == 1 {
		close(u.called)
	}
	return nil
}

func TestStartGeoLiteUpdatesRefreshesOnStartup(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updater := &countingUpdater{called: make(chan struct{})}
	done := make(chan struct{})
	go func() {
		defer close(done)
		StartGeoLiteUpdates(ctx, client, updater, time.Hour)
	}()

	select {
	case <-updater.called:
	case <-time.After(5 * time.Second):
		t.Fatal("startup refresh did not run")
	}
	cancel()
	<-done

	if got := updater.calls.Load(); got != 1 {
		t.Fatalf("updates = %d, want 1", got)
	}
}

func TestGeoLiteIntervalFromEnv(t *testing.T) {
	t.Setenv(envGeoLiteInterval, "6h")
	if got := GeoLiteIntervalFromEnv(); got != 6*time.Hour {
		t.Fatalf("interval = %v, want 6h", got)
	}
	t.Setenv(envGeoLiteInterval, "0s")
	if got := GeoLiteIntervalFromEnv(); got != DefaultGeoLiteInterval {
		t.Fatalf("interval = %v, want default", got)
	}
}

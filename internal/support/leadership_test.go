package support

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRunWithLeaderHoldsAndReleasesLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	key := LeaderKeyPrefix + "test"

	held := make(chan bool, 1)
	err := RunWithLeader(ctx, client, key, 10*time.Second, func(context.Context) {
		held <- mr.Exists(key)
		cancel()
	})
	if err != context.Canceled {
		t.Fatalf("RunWithLeader returned %v, want context.Canceled", err)
	}
	if !<-held {
		t.Fatal("lock was not held while running")
	}
	if mr.Exists(key) {
		t.Fatal("lock not released after run returned")
	}
}

func TestRunWithLeaderWaitsForHolder(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	key := LeaderKeyPrefix + "busy"
	if err := mr.Set(key, "other-instance"); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	ran := false
	err := RunWithLeader(ctx, client, key, time.Minute, func(context.Context) { ran = true })
	if err != context.DeadlineExceeded {
		t.Fatalf("RunWithLeader returned %v, want context.DeadlineExceeded", err)
	}
	if ran {
		t.Fatal("ran without holding the lock")
	}
	if got, _ := mr.Get(key); got != "other-instance" {
		t.Fatalf("lock value = %q, want untouched", got)
	}
}

func TestRunWithLeaderRejectsMissingArguments(t *testing.T) {
	if err := RunWithLeader(context.Background(), nil, "k", 0, func(context.Context) {}); err == nil {
		t.Fatal("expected error for nil client")
	}
	if err := RunWithLeader(context.Background(), redis.NewClient(&redis.Options{}), "k", 0, nil); err == nil {
		t.Fatal("expected error for nil function")
	}
}

package support

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	LeaderKeyPrefix      = "gatekeeper:leader:"
	DefaultLeadershipTTL = 45 * time.Second

	leaderRetryDelay   = time.Second
	leaderOpTimeout    = 5 * time.Second
	minRenewalInterval = time.Second
)

var (
	leaderSeq atomic.Uint64

	// Both scripts only touch the key while it still carries our token.
	extendLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	dropLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	errLeaseLost = errors.New("support: leader lease lost")
)

// RunWithLeader runs fn while this instance holds the Redis lock at key.
// The context passed to fn is cancelled when the lock is lost. Returns
// when ctx is done.
func RunWithLeader(ctx context.Context, client redis.UniversalClient, key string, ttl time.Duration, fn func(context.Context)) error {
	if fn == nil {
		return errors.New("support: leader function cannot be nil")
	}
	if client == nil {
		return errors.New("support: leader lock needs a redis client")
	}
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}

	for {
		l := &lease{client: client, key: key, token: newLeaseToken(), ttl: ttl}
		if err := l.acquire(ctx); err != nil {
			return err
		}

		log.Debug("leader lock: acquired", "key", key)
		l.hold(ctx, fn)
		log.Debug("leader lock: released", "key", key)

		if err := sleepCtx(ctx, leaderRetryDelay); err != nil {
			return err
		}
	}
}

type lease struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
}

// acquire blocks until the lock is taken or ctx is done.
func (l *lease) acquire(ctx context.Context) error {
	for {
		ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Warn("leader lock: setnx failed", "key", l.key, "error", err)
		} else if ok {
			return nil
		}
		if err := sleepCtx(ctx, leaderRetryDelay); err != nil {
			return err
		}
	}
}

// hold runs fn with a context tied to the lease and releases the lock
// once fn returns.
func (l *lease) hold(ctx context.Context, fn func(context.Context)) {
	leaseCtx, cancel := context.WithCancel(ctx)
	renewDone := make(chan struct{})

	go func() {
		defer close(renewDone)
		l.keepAlive(leaseCtx, cancel)
	}()

	fn(leaseCtx)
	cancel()
	<-renewDone

	if err := l.release(); err != nil {
		log.Warn("leader lock: release failed", "key", l.key, "error", err)
	}
}

func (l *lease) keepAlive(ctx context.Context, lost context.CancelFunc) {
	interval := l.ttl / 3
	if interval < minRenewalInterval {
		interval = minRenewalInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.extend(); err != nil {
				log.Warn("leader lock: renewal failed", "key", l.key, "error", err)
				lost()
				return
			}
		}
	}
}

func (l *lease) extend() error {
	ctx, cancel := context.WithTimeout(context.Background(), leaderOpTimeout)
	defer cancel()

	extended, err := extendLeaseScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if extended == 0 {
		return errLeaseLost
	}
	return nil
}

func (l *lease) release() error {
	ctx, cancel := context.WithTimeout(context.Background(), leaderOpTimeout)
	defer cancel()

	err := dropLeaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func newLeaseToken() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%d-%d", host, os.Getpid(), time.Now().UnixNano(), leaderSeq.Add(1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

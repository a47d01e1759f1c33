package counters

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultOpTimeout = 250 * time.Millisecond

var (
	//go:embed gcra.lua
	gcraSource string
	//go:embed incr_window.lua
	incrWindowSource string

	gcraScript       = redis.NewScript(gcraSource)
	incrWindowScript = redis.NewScript(incrWindowSource)
)

// RedisStore implements Store on top of a go-redis client. Every call runs
// under its own deadline so an unhealthy Redis turns into an error instead
// of a stalled request.
type RedisStore struct {
	client    redis.UniversalClient
	opTimeout time.Duration
	seq       atomic.Uint64
}

func NewRedisStore(client redis.UniversalClient, opTimeout time.Duration) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	return &RedisStore{client: client, opTimeout: opTimeout}
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *RedisStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	count, err := incrWindowScript.Run(opCtx, s.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("counters: incr window %s: %w", key, err)
	}
	return count, nil
}

func (s *RedisStore) Bump(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(opCtx, key)
		pipe.PExpire(opCtx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("counters: bump %s: %w", key, err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) Int(ctx context.Context, key string) (int64, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	value, err := s.client.Get(opCtx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("counters: get %s: %w", key, err)
	}
	return value, nil
}

func (s *RedisStore) WindowAdd(ctx context.Context, key string, at time.Time, window, ttl time.Duration) (int64, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	score := at.UnixMilli()
	cutoff := at.Add(-window).UnixMilli()
	// Events at the same millisecond must not collapse into one member.
	member := strconv.FormatInt(at.UnixNano(), 10) + "-" + strconv.FormatUint(s.seq.Add(1), 10)

	var card *redis.IntCmd
	_, err := s.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(opCtx, key, redis.Z{Score: float64(score), Member: member})
		pipe.ZRemRangeByScore(opCtx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
		card = pipe.ZCard(opCtx, key)
		pipe.PExpire(opCtx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("counters: window add %s: %w", key, err)
	}
	return card.Val(), nil
}

func (s *RedisStore) PushBounded(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) (int64, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	var length *redis.IntCmd
	_, err := s.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.LPush(opCtx, key, value)
		pipe.LTrim(opCtx, key, 0, maxLen-1)
		pipe.PExpire(opCtx, key, ttl)
		length = pipe.LLen(opCtx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("counters: push %s: %w", key, err)
	}
	return length.Val(), nil
}

func (s *RedisStore) Head(ctx context.Context, key string, n int64) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	values, err := s.client.LRange(opCtx, key, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("counters: range %s: %w", key, err)
	}
	return values, nil
}

func (s *RedisStore) GCRA(ctx context.Context, key string, now time.Time, period, separation time.Duration) (bool, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	limited, err := gcraScript.Run(opCtx, s.client, []string{key},
		now.UnixMilli(), period.Milliseconds(), separation.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("counters: gcra %s: %w", key, err)
	}
	return limited == 1, nil
}

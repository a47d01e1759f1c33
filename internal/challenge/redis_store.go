package challenge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pendingPrefix = "challenge:pending:"
	grantPrefix   = "challenge:grant:"
)

var recordAttemptScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
return redis.call("HINCRBY", KEYS[1], "attempts", 1)
`)

// RedisStore shares challenge state between instances. A pending challenge
// is a hash; a grant is a string holding its expiry in unix milliseconds.
type RedisStore struct {
	client    redis.UniversalClient
	opTimeout time.Duration
}

func NewRedisStore(client redis.UniversalClient, opTimeout time.Duration) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = 250 * time.Millisecond
	}
	return &RedisStore{client: client, opTimeout: opTimeout}
}

func (s *RedisStore) SavePending(ctx context.Context, address string, p Pending, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	key := pendingPrefix + address
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"question", p.Question,
			"answer", p.Answer,
			"issued_at", p.IssuedAt.UnixMilli(),
			"expires_at", p.ExpiresAt.UnixMilli(),
			"attempts", p.Attempts,
		)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("challenge: save pending %s: %w", address, err)
	}
	return nil
}

func (s *RedisStore) LoadPending(ctx context.Context, address string) (Pending, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, pendingPrefix+address).Result()
	if err != nil {
		return Pending{}, false, fmt.Errorf("challenge: load pending %s: %w", address, err)
	}
	if len(fields) == 0 {
		return Pending{}, false, nil
	}

	p, err := decodePending(fields)
	if err != nil {
		return Pending{}, false, fmt.Errorf("challenge: decode pending %s: %w", address, err)
	}
	return p, true, nil
}

func decodePending(fields map[string]string) (Pending, error) {
	answer, err := strconv.Atoi(fields["answer"])
	if err != nil {
		return Pending{}, err
	}
	attempts, err := strconv.Atoi(fields["attempts"])
	if err != nil {
		return Pending{}, err
	}
	issuedAt, err := strconv.ParseInt(fields["issued_at"], 10, 64)
	if err != nil {
		return Pending{}, err
	}
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return Pending{}, err
	}
	return Pending{
		Question:  fields["question"],
		Answer:    answer,
		IssuedAt:  time.UnixMilli(issuedAt),
		ExpiresAt: time.UnixMilli(expiresAt),
		Attempts:  attempts,
	}, nil
}

func (s *RedisStore) RecordAttempt(ctx context.Context, address string) (int, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	attempts, err := recordAttemptScript.Run(ctx, s.client, []string{pendingPrefix + address}).Int()
	if err != nil {
		return 0, false, fmt.Errorf("challenge: record attempt %s: %w", address, err)
	}
	if attempts < 0 {
		return 0, false, nil
	}
	return attempts, true, nil
}

func (s *RedisStore) DeletePending(ctx context.Context, address string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.Del(ctx, pendingPrefix+address).Err(); err != nil {
		return fmt.Errorf("challenge: delete pending %s: %w", address, err)
	}
	return nil
}

func (s *RedisStore) SaveGrant(ctx context.Context, address string, expiresAt time.Time, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.Set(ctx, grantPrefix+address, expiresAt.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("challenge: save grant %s: %w", address, err)
	}
	return nil
}

func (s *RedisStore) LoadGrant(ctx context.Context, address string) (time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	millis, err := s.client.Get(ctx, grantPrefix+address).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("challenge: load grant %s: %w", address, err)
	}
	return time.UnixMilli(millis), true, nil
}

func (s *RedisStore) DeleteGrant(ctx context.Context, address string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.Del(ctx, grantPrefix+address).Err(); err != nil {
		return fmt.Errorf("challenge: delete grant %s: %w", address, err)
	}
	return nil
}

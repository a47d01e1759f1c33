package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	redisConfigKey     = "gatekeeper:config:settings"
	redisConfigChannel = "gatekeeper:config:updates"
	redisOpTimeout     = 5 * time.Second
	resubscribeDelay   = time.Second
)

// configSync shares settings between gateway instances: Redis holds the
// current document and every local change is published on a channel.
type configSync struct {
	mu     sync.RWMutex
	client *redis.Client
	cancel context.CancelFunc
}

var settingsSync configSync

// EnableRedisSynchronization adopts the settings stored in Redis, or seeds
// Redis with the local settings when none are stored, then follows updates
// from other instances until ctx ends or DisableRedisSynchronization runs.
func EnableRedisSynchronization(ctx context.Context, client *redis.Client) {
	if client == nil {
		log.Warn("Settings sync disabled: no redis client")
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	settingsSync.mu.Lock()
	if settingsSync.client != nil {
		settingsSync.mu.Unlock()
		return
	}
	syncCtx, cancel := context.WithCancel(ctx)
	settingsSync.client = client
	settingsSync.cancel = cancel
	settingsSync.mu.Unlock()

	adopted, err := adoptStoredSettings(syncCtx, client)
	if err != nil {
		log.Error("Settings sync: stored settings rejected", "key", redisConfigKey, "error", err)
	}
	if !adopted {
		if err := seedStoredSettings(); err != nil {
			log.Error("Settings sync: failed to seed redis", "error", err)
		}
	}

	go followSettings(syncCtx, client)
}

func DisableRedisSynchronization() {
	settingsSync.mu.Lock()
	defer settingsSync.mu.Unlock()

	if settingsSync.cancel != nil {
		settingsSync.cancel()
	}
	settingsSync.client = nil
	settingsSync.cancel = nil
}

// adoptStoredSettings reports whether a valid document was found in Redis.
func adoptStoredSettings(ctx context.Context, client *redis.Client) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	payload, err := client.Get(opCtx, redisConfigKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := applyRemoteSettings(payload, "redis:"+redisConfigKey); err != nil {
		return false, err
	}
	return true, nil
}

func seedStoredSettings() error {
	payload, err := json.Marshal(GetConfig())
	if err != nil {
		return err
	}
	return broadcastConfigUpdate(payload)
}

func followSettings(ctx context.Context, client *redis.Client) {
	pubsub := client.Subscribe(ctx, redisConfigChannel)
	defer pubsub.Close()

	source := "redis:" + redisConfigChannel
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			log.Warn("Settings sync: subscription interrupted", "error", err)
			time.Sleep(resubscribeDelay)
			continue
		}

		if err := applyRemoteSettings([]byte(msg.Payload), source); err != nil {
			log.Error("Settings sync: update rejected", "source", source, "error", err)
		}
	}
}

// applyRemoteSettings validates a document from another instance before it
// replaces the local settings. Invalid documents leave the settings as they
// are.
func applyRemoteSettings(payload []byte, source string) error {
	var cfg Config
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return fmt.Errorf("decode settings from %s: %w", source, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid settings from %s: %w", source, err)
	}
	return applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, source: source})
}

// broadcastConfigUpdate stores payload as the shared document and notifies
// the other instances. It is a no-op while sync is disabled.
func broadcastConfigUpdate(payload []byte) error {
	settingsSync.mu.RLock()
	client := settingsSync.client
	settingsSync.mu.RUnlock()

	if client == nil || len(payload) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	_, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisConfigKey, payload, 0)
		pipe.Publish(ctx, redisConfigChannel, payload)
		return nil
	})
	return err
}

package geolite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	geoLiteRedisKey       = "gatekeeper:geolite:country"
	geoLiteRedisChannel   = "gatekeeper:geolite:updates"
	geoLiteRedisOpTimeout = 30 * time.Second
)

// Distribution replicates the country database through Redis so only one
// instance needs the file on disk.
type Distribution struct {
	client  redis.UniversalClient
	locator *Locator
}

func NewDistribution(client redis.UniversalClient, locator *Locator) *Distribution {
	return &Distribution{client: client, locator: locator}
}

// Publish stores data in Redis and tells other instances to reload.
func (d *Distribution) Publish(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return ErrNoDatabase
	}

	opCtx, cancel := context.WithTimeout(ctx, geoLiteRedisOpTimeout)
	defer cancel()

	if err := d.client.Set(opCtx, geoLiteRedisKey, data, 0).Err(); err != nil {
		return fmt.Errorf("geolite redis sync: store database: %w", err)
	}
	if err := d.client.Publish(opCtx, geoLiteRedisChannel, time.Now().UTC().Format(time.RFC3339)).Err(); err != nil {
		return fmt.Errorf("geolite redis sync: notify: %w", err)
	}
	return nil
}

// Fetch loads the shared database into the locator. It reports false when
// nothing has been published yet.
func (d *Distribution) Fetch(ctx context.Context) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, geoLiteRedisOpTimeout)
	defer cancel()

	data, err := d.client.Get(opCtx, geoLiteRedisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("geolite redis sync: fetch database: %w", err)
	}
	if err := d.locator.Load(data); err != nil {
		return false, err
	}
	return true, nil
}

// Follow reloads the locator whenever another instance publishes, until ctx
// is cancelled.
func (d *Distribution) Follow(ctx context.Context) {
	pubsub := d.client.Subscribe(ctx, geoLiteRedisChannel)
	defer pubsub.Close()

	for {
		_, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("geolite redis sync: subscription error", "error", err)
			time.Sleep(time.Second)
			continue
		}

		if updated, err := d.Fetch(ctx); err != nil {
			log.Error("geolite redis sync: failed to apply update", "error", err)
		} else if updated {
			log.Info("geolite redis sync: applied update")
		}
	}
}

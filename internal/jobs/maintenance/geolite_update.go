package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"gatekeeper/internal/support"
)

const (
	envGeoLiteInterval     = "GEOLITE_UPDATE_INTERVAL"
	DefaultGeoLiteInterval = 24 * time.Hour

	geoLiteUpdateLockKey = support.LeaderKeyPrefix + "geolite_update"
)

type DatabaseUpdater interface {
	Update(ctx context.Context) error
}

// GeoLiteIntervalFromEnv reads GEOLITE_UPDATE_INTERVAL as a Go duration.
func GeoLiteIntervalFromEnv() time.Duration {
	interval := parseDurationEnv(envGeoLiteInterval, DefaultGeoLiteInterval)
	if interval <= 0 {
		return DefaultGeoLiteInterval
	}
	return interval
}

// StartGeoLiteUpdates refreshes the country database on startup and every
// interval, on one instance at a time. Other instances receive it through
// Redis.
func StartGeoLiteUpdates(ctx context.Context, client redis.UniversalClient, updater DatabaseUpdater, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultGeoLiteInterval
	}

	err := support.RunWithLeader(ctx, client, geoLiteUpdateLockKey, support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		refreshGeoLite(leaderCtx, updater, "startup")
		for {
			select {
			case <-leaderCtx.Done():
				return
			case <-ticker.C:
				refreshGeoLite(leaderCtx, updater, "scheduled")
			}
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("GeoLite update routine stopped", "error", err)
	}
}

func refreshGeoLite(ctx context.Context, updater DatabaseUpdater, reason string) {
	start := time.Now()
	if err := updater.Update(ctx); err != nil {
		log.Error("GeoLite update failed", "reason", reason, "error", err)
		return
	}
	log.Info("GeoLite country database updated", "reason", reason, "duration", time.Since(start))
}

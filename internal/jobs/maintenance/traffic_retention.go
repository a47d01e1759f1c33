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
	envRetention         = "TRAFFIC_LOG_RETENTION"
	envRetentionInterval = "TRAFFIC_LOG_RETENTION_INTERVAL"

	DefaultRetention         = 7 * 24 * time.Hour
	DefaultRetentionInterval = time.Hour

	retentionLockKey = support.LeaderKeyPrefix + "traffic_retention"
)

// PruneFunc deletes traffic entries recorded before cutoff and reports
// how many were removed.
type PruneFunc func(ctx context.Context, cutoff time.Time) (int64, error)

type RetentionSettings struct {
	Retention time.Duration
	Interval  time.Duration
}

// RetentionSettingsFromEnv reads TRAFFIC_LOG_RETENTION and
// TRAFFIC_LOG_RETENTION_INTERVAL as Go durations. A zero retention
// disables pruning.
func RetentionSettingsFromEnv() RetentionSettings {
	return RetentionSettings{
		Retention: parseDurationEnv(envRetention, DefaultRetention),
		Interval:  parseDurationEnv(envRetentionInterval, DefaultRetentionInterval),
	}
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	raw := support.GetEnv(key, "")
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed < 0 {
		log.Warn("Invalid duration, using default", "env", key, "value", raw, "default", fallback)
		return fallback
	}
	return parsed
}

// StartTrafficRetention prunes old traffic entries on one instance at a
// time until ctx is done.
func StartTrafficRetention(ctx context.Context, client redis.UniversalClient, settings RetentionSettings, prune PruneFunc) {
	if settings.Retention <= 0 {
		log.Info("Traffic log retention disabled")
		return
	}
	if settings.Interval <= 0 {
		settings.Interval = DefaultRetentionInterval
	}

	err := support.RunWithLeader(ctx, client, retentionLockKey, support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		runRetentionLoop(leaderCtx, settings, prune, time.Now)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Traffic retention routine stopped", "error", err)
	}
}

func runRetentionLoop(ctx context.Context, settings RetentionSettings, prune PruneFunc, now func() time.Time) {
	ticker := time.NewTicker(settings.Interval)
	defer ticker.Stop()

	pruneOnce(ctx, settings.Retention, prune, now)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneOnce(ctx, settings.Retention, prune, now)
		}
	}
}

func pruneOnce(ctx context.Context, retention time.Duration, prune PruneFunc, now func() time.Time) int64 {
	start := time.Now()
	cutoff := now().Add(-retention)

	removed, err := prune(ctx, cutoff)
	if err != nil {
		log.Error("Failed to prune traffic log", "cutoff", cutoff, "error", err)
		return 0
	}
	if removed > 0 {
		log.Info("Traffic log pruned", "removed", removed, "cutoff", cutoff, "duration", time.Since(start))
	}
	return removed
}

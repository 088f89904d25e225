package runtime

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ipgate/internal/config"
	"ipgate/internal/geolite"
	"ipgate/internal/support"
)

const (
	geoLiteUpdateLockKey       = "ipgate:leader:geolite_update"
	geoLiteUpdateFallbackEvery = 24 * time.Hour
)

// GeoLiteUpdater refreshes the ASN database at Path and hands the new file to
// Reload. A nil Reload only writes the file.
type GeoLiteUpdater struct {
	Path   string
	Reload func() error
}

// StartGeoLiteUpdateRoutine keeps the ASN database fresh. With a redis client
// only the elected leader downloads; without one this instance always does.
func StartGeoLiteUpdateRoutine(ctx context.Context, client *redis.Client, updater GeoLiteUpdater) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(updater.Path) == "" {
		log.Debug("GeoLite update routine disabled: no ASN database path")
		return
	}

	var intervalValue atomic.Value
	initialInterval := config.GetGeoLiteUpdateInterval()
	if initialInterval <= 0 {
		initialInterval = geoLiteUpdateFallbackEvery
	}
	intervalValue.Store(initialInterval)

	updateSignal := make(chan struct{}, 1)
	updates := config.GeoLiteUpdateIntervalUpdates()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case newInterval := <-updates:
				if newInterval <= 0 {
					newInterval = geoLiteUpdateFallbackEvery
				}
				intervalValue.Store(newInterval)
				select {
				case updateSignal <- struct{}{}:
				default:
				}
			}
		}
	}()

	if client == nil {
		runGeoLiteUpdateLoop(ctx, updater, &intervalValue, updateSignal)
		return
	}

	err := support.RunAsLeader(ctx, client, geoLiteUpdateLockKey, support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		runGeoLiteUpdateLoop(leaderCtx, updater, &intervalValue, updateSignal)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("GeoLite update routine stopped", "error", err)
	}
}

func runGeoLiteUpdateLoop(ctx context.Context, updater GeoLiteUpdater, intervalValue *atomic.Value, updateSignal <-chan struct{}) {
	currentInterval := intervalValue.Load().(time.Duration)

	ticker := time.NewTicker(currentInterval)
	defer ticker.Stop()

	updater.Run(ctx, "startup", false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updater.Run(ctx, "scheduled", false)
		case <-updateSignal:
			newInterval := intervalValue.Load().(time.Duration)
			if newInterval == currentInterval {
				continue
			}
			drainTicker(ticker)
			currentInterval = newInterval
			ticker.Reset(currentInterval)
		}
	}
}

// Run performs one update. When force is false the update only runs if auto
// updates are enabled. It reports whether a new database was installed.
func (u GeoLiteUpdater) Run(ctx context.Context, reason string, force bool) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg := config.GetConfig()
	if !force && !cfg.GeoLite.AutoUpdate {
		log.Debug("GeoLite update skipped: auto update disabled", "reason", reason)
		return false
	}

	err := geolite.UpdateASNDatabase(ctx, cfg.GeoLite.APIKey, u.Path)
	switch {
	case errors.Is(err, geolite.ErrNoAPIKey):
		log.Debug("GeoLite update skipped: API key missing", "reason", reason)
		return false
	case err != nil:
		log.Error("GeoLite update failed", "reason", reason, "error", err)
		return false
	}

	if u.Reload != nil {
		if err := u.Reload(); err != nil {
			log.Error("GeoLite reload failed", "path", u.Path, "error", err)
			return false
		}
	}

	if err := config.MarkGeoLiteUpdated(time.Now().UTC()); err != nil {
		log.Warn("Failed to persist GeoLite updated timestamp", "error", err)
	}

	log.Info("GeoLite ASN database updated", "reason", reason, "path", u.Path)
	return true
}

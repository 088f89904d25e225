package runtime

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"ipgate/internal/config"
	"ipgate/internal/jobs/janitor"
)

const cacheSweepFallbackEvery = 5 * time.Minute

// StartCacheSweepRoutine asks the janitor to sweep on every tick of the
// configured sweep interval until ctx is done. Interval changes and the
// janitor.disabled switch take effect without a restart.
func StartCacheSweepRoutine(ctx context.Context, j *janitor.Janitor) {
	if ctx == nil {
		ctx = context.Background()
	}
	if j == nil {
		log.Warn("Cache sweep routine disabled: janitor is nil")
		return
	}

	var intervalValue atomic.Value
	initialInterval := config.GetSweepInterval()
	if initialInterval <= 0 {
		initialInterval = cacheSweepFallbackEvery
	}
	intervalValue.Store(initialInterval)

	updateSignal := make(chan struct{}, 1)
	updates := config.SweepIntervalUpdates()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case newInterval := <-updates:
				if newInterval <= 0 {
					newInterval = cacheSweepFallbackEvery
				}
				intervalValue.Store(newInterval)
				select {
				case updateSignal <- struct{}{}:
				default:
				}
			}
		}
	}()

	runCacheSweepLoop(ctx, j, &intervalValue, updateSignal, config.SweepEnabled)
}

func runCacheSweepLoop(ctx context.Context, j *janitor.Janitor, intervalValue *atomic.Value, updateSignal <-chan struct{}, enabled func() bool) {
	currentInterval := intervalValue.Load().(time.Duration)

	ticker := time.NewTicker(currentInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if enabled != nil && !enabled() {
				continue
			}
			j.Sweep(now)
		case <-updateSignal:
			newInterval := intervalValue.Load().(time.Duration)
			if newInterval == currentInterval {
				continue
			}
			drainTicker(ticker)
			currentInterval = newInterval
			ticker.Reset(currentInterval)
			log.Debug("Cache sweep interval updated", "interval", currentInterval)
		}
	}
}

func drainTicker(ticker *time.Ticker) {
	for {
		select {
		case <-ticker.C:
		default:
			return
		}
	}
}

package config

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultSweepInterval         = 5 * time.Minute
	defaultGeoLiteUpdateInterval = 24 * time.Hour
	defaultFeedRefreshInterval   = 6 * time.Hour
)

type Timer struct {
	Days    uint32 `json:"days"`
	Hours   uint32 `json:"hours"`
	Minutes uint32 `json:"minutes"`
	Seconds uint32 `json:"seconds"`
}

func (t Timer) IsZero() bool {
	return t.Days == 0 && t.Hours == 0 && t.Minutes == 0 && t.Seconds == 0
}

// intervalSetting is a duration derived from the configuration plus the
// channels that want to hear about changes to it.
type intervalSetting struct {
	value     atomic.Value
	fallback  time.Duration
	mu        sync.Mutex
	listeners []chan time.Duration
}

func newIntervalSetting(fallback time.Duration) *intervalSetting {
	s := &intervalSetting{fallback: fallback}
	s.value.Store(fallback)
	return s
}

func (s *intervalSetting) get() time.Duration {
	return s.value.Load().(time.Duration)
}

func (s *intervalSetting) set(interval time.Duration) {
	if interval <= 0 {
		interval = s.fallback
	}
	if s.get() == interval {
		return
	}
	s.value.Store(interval)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.listeners {
		select {
		case ch <- interval:
		default:
		}
	}
}

func (s *intervalSetting) subscribe() <-chan time.Duration {
	ch := make(chan time.Duration, 1)
	s.mu.Lock()
	s.listeners = append(s.listeners, ch)
	s.mu.Unlock()

	ch <- s.get()
	return ch
}

func (s *intervalSetting) reset(interval time.Duration) {
	s.value.Store(interval)
	s.mu.Lock()
	s.listeners = nil
	s.mu.Unlock()
}

var (
	sweepInterval         = newIntervalSetting(defaultSweepInterval)
	geoLiteUpdateInterval = newIntervalSetting(defaultGeoLiteUpdateInterval)
	feedRefreshInterval   = newIntervalSetting(defaultFeedRefreshInterval)
)

// SetIntervals recomputes every derived interval from the current config.
func SetIntervals() {
	cfg := GetConfig()
	sweepInterval.set(timerOrDefault(cfg.Janitor.SweepTimer, defaultSweepInterval))
	geoLiteUpdateInterval.set(timerOrDefault(cfg.GeoLite.UpdateTimer, defaultGeoLiteUpdateInterval))
	feedRefreshInterval.set(timerOrDefault(cfg.Vpn.FeedRefreshTimer, defaultFeedRefreshInterval))
}

// CalculateBetweenTime converts a timer to a duration of at least one second.
func CalculateBetweenTime(timer Timer) time.Duration {
	intervalMs := CalculateMillisecondsOfCheckingPeriod(timer)

	minInterval := uint64(1000)
	if intervalMs < minInterval {
		intervalMs = minInterval
	}

	return time.Duration(intervalMs) * time.Millisecond
}

func CalculateMillisecondsOfCheckingPeriod(timer Timer) uint64 {
	return uint64(timer.Days)*24*60*60*1000 +
		uint64(timer.Hours)*60*60*1000 +
		uint64(timer.Minutes)*60*1000 +
		uint64(timer.Seconds)*1000
}

func timerOrDefault(timer Timer, fallback time.Duration) time.Duration {
	if timer.IsZero() {
		return fallback
	}
	return CalculateBetweenTime(timer)
}

func GetSweepInterval() time.Duration {
	return sweepInterval.get()
}

// SweepIntervalUpdates delivers the current sweep interval immediately and
// every later change.
func SweepIntervalUpdates() <-chan time.Duration {
	return sweepInterval.subscribe()
}

func GetGeoLiteUpdateInterval() time.Duration {
	return geoLiteUpdateInterval.get()
}

func GeoLiteUpdateIntervalUpdates() <-chan time.Duration {
	return geoLiteUpdateInterval.subscribe()
}

func GetFeedRefreshInterval() time.Duration {
	return feedRefreshInterval.get()
}

func FeedRefreshIntervalUpdates() <-chan time.Duration {
	return feedRefreshInterval.subscribe()
}

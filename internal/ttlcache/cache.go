package ttlcache

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const shardCount = 32

// Entry is a cached value together with the time it was computed.
type Entry[V any] struct {
	Value      V
	CapturedAt time.Time
}

// Age returns how old the entry is at now.
func (e Entry[V]) Age(now time.Time) time.Duration {
	return now.Sub(e.CapturedAt)
}

type shard[K ~string, V any] struct {
	mu    sync.RWMutex
	items map[K]Entry[V]
	// gen is bumped by Invalidate and Clear. A load started under an older
	// generation returns its value but does not store it.
	gen uint64
}

// Cache maps string-like keys to values stamped with their capture time.
// Reads never evict; stale entries are dropped by Sweep, Invalidate or Clear.
type Cache[K ~string, V any] struct {
	shards [shardCount]*shard[K, V]
	ttl    func() time.Duration
	now    func() time.Time
	group  singleflight.Group
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// New builds a cache whose TTL is read through ttl on every call, so
// configuration reloads take effect without rebuilding the cache.
func New[K ~string, V any](ttl func() time.Duration, opts ...Option) *Cache[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if ttl == nil {
		ttl = func() time.Duration { return 0 }
	}

	c := &Cache[K, V]{ttl: ttl, now: o.now}
	for i := range c.shards {
		c.shards[i] = &shard[K, V]{items: make(map[K]Entry[V])}
	}
	return c
}

func (c *Cache[K, V]) shardFor(key K) *shard[K, V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

func (c *Cache[K, V]) fresh(e Entry[V], now time.Time) bool {
	return e.Age(now) <= c.ttl()
}

// Get returns the value only while now - capturedAt <= ttl.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()

	if ok && c.fresh(e, c.now()) {
		return e.Value, true
	}
	var zero V
	return zero, false
}

// Peek returns the stored entry whether or not it is still fresh.
func (c *Cache[K, V]) Peek(key K) (Entry[V], bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[key]
	return e, ok
}

// Put overwrites the entry for key, stamping the current time.
func (c *Cache[K, V]) Put(key K, value V) {
	s := c.shardFor(key)
	e := Entry[V]{Value: value, CapturedAt: c.now()}
	s.mu.Lock()
	s.items[key] = e
	s.mu.Unlock()
}

// GetOrLoad returns a fresh cached value or fills the entry with load.
// Concurrent misses for the same key share one load; the entry is
// re-checked inside the flight so late arrivals do not reload. A failed
// load stores nothing, and neither does a load overtaken by Invalidate or
// Clear. A caller whose context is still live retries when the shared load
// was cancelled through another caller's context.
func (c *Cache[K, V]) GetOrLoad(ctx context.Context, key K, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	s := c.shardFor(key)
	for {
		s.mu.RLock()
		gen := s.gen
		s.mu.RUnlock()

		ran := false
		result, err, _ := c.group.Do(flightKey(key, gen), func() (interface{}, error) {
			ran = true
			if v, ok := c.Get(key); ok {
				return v, nil
			}
			v, err := load(ctx)
			if err != nil {
				return nil, err
			}
			c.store(s, key, v, gen)
			return v, nil
		})
		if err == nil {
			v, _ := result.(V)
			return v, nil
		}
		if !ran && isCancellation(err) && ctx.Err() == nil {
			continue
		}
		var zero V
		return zero, err
	}
}

func flightKey[K ~string](key K, gen uint64) string {
	return string(key) + "\x00" + strconv.FormatUint(gen, 10)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// store writes v unless the shard generation moved past gen.
func (c *Cache[K, V]) store(s *shard[K, V], key K, v V, gen uint64) {
	e := Entry[V]{Value: v, CapturedAt: c.now()}
	s.mu.Lock()
	if s.gen == gen {
		s.items[key] = e
	}
	s.mu.Unlock()
}

// Invalidate removes key immediately. Loads already running for it do not
// write back.
func (c *Cache[K, V]) Invalidate(key K) {
	s := c.shardFor(key)
	s.mu.Lock()
	delete(s.items, key)
	s.gen++
	s.mu.Unlock()
}

// Clear removes every entry.
func (c *Cache[K, V]) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.items = make(map[K]Entry[V])
		s.gen++
		s.mu.Unlock()
	}
}

// Sweep removes entries whose age at now exceeds the TTL and returns how
// many were dropped. Shards are locked one at a time.
func (c *Cache[K, V]) Sweep(now time.Time) int {
	ttl := c.ttl()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if e.Age(now) > ttl {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len counts stored entries, fresh or not.
func (c *Cache[K, V]) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// TTL reports the current time-to-live.
func (c *Cache[K, V]) TTL() time.Duration {
	return c.ttl()
}

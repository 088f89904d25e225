package support

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeadershipTTL = 45 * time.Second
	leaderRetryDelay     = time.Second
	leaderOpTimeout      = 5 * time.Second
)

var (
	leaseCounter atomic.Uint64

	extendLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	dropLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	errLeaseLost = errors.New("leader lease lost")
)

// RunAsLeader blocks until this instance holds the lease on key, then calls
// run with a context that ends when the lease is lost or ctx is done. After
// run returns the lease is released and the cycle starts again. It returns
// only when ctx is done.
func RunAsLeader(ctx context.Context, client *redis.Client, key string, ttl time.Duration, run func(context.Context)) error {
	if run == nil {
		return errors.New("support: leader run function cannot be nil")
	}
	if client == nil {
		return errors.New("support: leader election needs a redis client")
	}
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}

	for {
		l, err := acquireLease(ctx, client, key, ttl)
		if err != nil {
			return ctx.Err()
		}

		log.Debug("Leader lease acquired", "key", key)
		l.hold(run)
		log.Debug("Leader lease released", "key", key)

		if !sleepCtx(ctx, leaderRetryDelay) {
			return ctx.Err()
		}
	}
}

type lease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
	parent context.Context
}

func acquireLease(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*lease, error) {
	token := fmt.Sprintf("%s-%d", InstanceID(), leaseCounter.Add(1))

	for {
		ok, err := client.SetNX(ctx, key, token, ttl).Result()
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			log.Warn("Leader lease: acquire failed", "key", key, "error", err)
		case ok:
			return &lease{client: client, key: key, token: token, ttl: ttl, parent: ctx}, nil
		}

		if !sleepCtx(ctx, leaderRetryDelay) {
			return nil, ctx.Err()
		}
	}
}

func (l *lease) hold(run func(context.Context)) {
	runCtx, cancel := context.WithCancel(l.parent)
	defer cancel()

	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.keepAlive(runCtx, cancel)
	}()

	run(runCtx)
	cancel()
	<-renewed

	if err := l.release(); err != nil {
		log.Warn("Leader lease: release failed", "key", l.key, "error", err)
	}
}

func (l *lease) keepAlive(ctx context.Context, lost context.CancelFunc) {
	interval := l.ttl / 3
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.extend(); err != nil {
				log.Warn("Leader lease: renewal failed", "key", l.key, "error", err)
				lost()
				return
			}
		}
	}
}

func (l *lease) extend() error {
	ctx, cancel := context.WithTimeout(context.Background(), leaderOpTimeout)
	defer cancel()

	res, err := extendLease.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return errLeaseLost
	}
	return nil
}

func (l *lease) release() error {
	ctx, cancel := context.WithTimeout(context.Background(), leaderOpTimeout)
	defer cancel()

	err := dropLease.Run(ctx, l.client, []string{l.key}, l.token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

package config

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	redisConfigKey     = "ipgate:config:settings"
	redisConfigChannel = "ipgate:config:updates"
	redisOpTimeout     = 5 * time.Second
)

// settingsSync mirrors the configuration into redis so every gate instance
// enforces the same limits.
type settingsSync struct {
	mu     sync.RWMutex
	client *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var sharedSettings settingsSync

// EnableRedisSynchronization adopts the stored configuration if one exists,
// otherwise seeds redis with the local one, then follows remote updates.
func EnableRedisSynchronization(ctx context.Context, client *redis.Client) {
	if client == nil {
		log.Warn("Settings sync disabled: redis client is nil")
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	syncCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	sharedSettings.mu.Lock()
	if sharedSettings.client != nil {
		sharedSettings.mu.Unlock()
		cancel()
		return
	}
	sharedSettings.client = client
	sharedSettings.ctx = syncCtx
	sharedSettings.cancel = cancel
	sharedSettings.done = done
	sharedSettings.mu.Unlock()

	// Subscribe before seeding so an update published in between is not lost.
	pubsub := client.Subscribe(syncCtx, redisConfigChannel)
	if _, err := pubsub.Receive(syncCtx); err != nil {
		log.Error("Settings sync: subscribe failed", "channel", redisConfigChannel, "error", err)
	}

	found, err := adoptStoredSettings(syncCtx, client)
	if err != nil {
		log.Error("Settings sync: could not load settings from redis", "error", err)
	}
	if !found {
		payload, err := json.Marshal(GetConfig())
		if err != nil {
			log.Error("Settings sync: could not encode settings", "error", err)
		} else if err := broadcastConfigUpdate(payload); err != nil {
			log.Error("Settings sync: could not seed redis", "error", err)
		}
	}

	go followSettingsUpdates(syncCtx, pubsub, done)
}

// DisableRedisSynchronization stops following remote updates and waits for
// the subscriber to exit.
func DisableRedisSynchronization() {
	sharedSettings.mu.Lock()
	cancel := sharedSettings.cancel
	done := sharedSettings.done
	sharedSettings.client = nil
	sharedSettings.ctx = nil
	sharedSettings.cancel = nil
	sharedSettings.done = nil
	sharedSettings.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func adoptStoredSettings(ctx context.Context, client *redis.Client) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	payload, err := client.Get(opCtx, redisConfigKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}

	var cfg Config
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return true, err
	}

	return true, applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, source: "redis"})
}

func followSettingsUpdates(ctx context.Context, pubsub *redis.PubSub, done chan struct{}) {
	defer close(done)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			log.Error("Settings sync: subscription error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var cfg Config
		if err := json.Unmarshal([]byte(msg.Payload), &cfg); err != nil {
			log.Error("Settings sync: invalid payload", "error", err)
			continue
		}

		if err := applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, source: "redis"}); err != nil {
			log.Error("Settings sync: could not apply remote settings", "error", err)
		}
	}
}

func broadcastConfigUpdate(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}

	sharedSettings.mu.RLock()
	client := sharedSettings.client
	ctx := sharedSettings.ctx
	sharedSettings.mu.RUnlock()

	if client == nil {
		return nil
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := client.Set(opCtx, redisConfigKey, payload, 0).Err(); err != nil {
		return err
	}
	return client.Publish(opCtx, redisConfigChannel, payload).Err()
}

package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ipgate/internal/support"
)

const (
	Channel          = "ipgate:cache:invalidate"
	publishTimeout   = 5 * time.Second
	eventInvalidate  = "ip"
	eventClearCaches = "all"
)

// Target is the local cache owner that remote events are applied to.
type Target interface {
	InvalidateIP(ip string)
	ClearAllCaches()
}

type event struct {
	Type   string `json:"type"`
	IP     string `json:"ip,omitempty"`
	Origin string `json:"origin"`
}

// Bus spreads cache invalidations between gate instances over redis pub/sub.
// A Bus without a client publishes nothing and never listens.
type Bus struct {
	client *redis.Client
	origin string
}

func NewBus(client *redis.Client) *Bus {
	return &Bus{client: client, origin: support.InstanceID()}
}

func (b *Bus) Enabled() bool {
	return b != nil && b.client != nil
}

func (b *Bus) PublishIP(ctx context.Context, ip string) error {
	ip = strings.ToLower(strings.TrimSpace(ip))
	if ip == "" {
		return errors.New("invalidation: ip is empty")
	}
	return b.publish(ctx, event{Type: eventInvalidate, IP: ip})
}

func (b *Bus) PublishAll(ctx context.Context) error {
	return b.publish(ctx, event{Type: eventClearCaches})
}

func (b *Bus) publish(ctx context.Context, ev event) error {
	if !b.Enabled() {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ev.Origin = b.origin
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return b.client.Publish(pubCtx, Channel, payload).Err()
}

// Listen subscribes to the channel and applies events published by other
// instances to target until ctx is done. It returns once the subscription is
// confirmed.
func (b *Bus) Listen(ctx context.Context, target Target) error {
	if target == nil {
		return errors.New("invalidation: target cannot be nil")
	}
	if !b.Enabled() {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	pubsub := b.client.Subscribe(ctx, Channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}

	go func() {
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				b.apply(target, msg.Payload)
			}
		}
	}()

	return nil
}

func (b *Bus) apply(target Target, payload string) {
	var ev event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		log.Warn("Ignoring malformed cache invalidation", "error", err)
		return
	}
	if ev.Origin == b.origin {
		return
	}

	switch ev.Type {
	case eventInvalidate:
		if ev.IP == "" {
			return
		}
		target.InvalidateIP(ev.IP)
		log.Debug("Remote cache invalidation applied", "ip", ev.IP, "origin", ev.Origin)
	case eventClearCaches:
		target.ClearAllCaches()
		log.Debug("Remote cache clear applied", "origin", ev.Origin)
	default:
		log.Warn("Ignoring unknown cache invalidation", "type", ev.Type)
	}
}

package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInstanceHeartbeatRegistersInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		StartInstanceHeartbeat(ctx, client, InstanceHeartbeatKeyPrefix, 10*time.Millisecond, time.Minute)
	}()

	waitFor(t, time.Second, func() bool {
		n, err := CountActiveInstances(context.Background(), client)
		return err == nil && n == 1
	})

	cancel()
	<-done

	mr.FastForward(2 * time.Minute)
	n, err := CountActiveInstances(context.Background(), client)
	if err != nil {
		t.Fatalf("CountActiveInstances returned error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expired heartbeat still counted: %d", n)
	}
}

func TestLaunchInstanceHeartbeatWithoutRedis(t *testing.T) {
	cancel := LaunchInstanceHeartbeat(context.Background(), nil)
	if cancel == nil {
		t.Fatal("expected a cancel func")
	}
	cancel()
}

//go:build integration

package invalidation_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/illmade-knight/go-apisync/pkg/invalidation"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisTransport_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	cfg := &invalidation.RedisConfig{Addr: addr, Channel: "apisync:test:" + time.Now().Format("150405.000")}
	transport, err := invalidation.NewRedisTransport(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })

	received := make(chan invalidation.Event, 1)
	listenCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- transport.Run(listenCtx, func(ev invalidation.Event) { received <- ev })
	}()

	// Publish until the subscription is live.
	want := invalidation.Event{Prefix: "/teams", Origin: "process-a", At: time.Now().UTC()}
	require.Eventually(t, func() bool {
		require.NoError(t, transport.Publish(ctx, want))
		select {
		case got := <-received:
			assert.Equal(t, want.Prefix, got.Prefix)
			assert.Equal(t, want.Origin, got.Origin)
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 100*time.Millisecond)

	stop()
	require.NoError(t, <-done)
}

package cache_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/illmade-knight/go-apisync/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticFetcher(prefix string) cache.Fetcher {
	return func(_ context.Context, key string) (json.RawMessage, error) {
		return json.Marshal(prefix + key)
	}
}

func TestMux_Fetch(t *testing.T) {
	ctx := context.Background()
	mux, err := cache.NewMux(staticFetcher("http:"),
		cache.Route{Prefix: "fs:", StripPrefix: true, Fetcher: staticFetcher("firestore:")},
		cache.Route{Prefix: "fs:settings/", Fetcher: staticFetcher("settings:")},
	)
	require.NoError(t, err)

	t.Run("fallback", func(t *testing.T) {
		raw, err := mux.Fetch(ctx, "/clients")
		require.NoError(t, err)
		assert.JSONEq(t, `"http:/clients"`, string(raw))
	})

	t.Run("strip prefix", func(t *testing.T) {
		raw, err := mux.Fetch(ctx, "fs:teams/1")
		require.NoError(t, err)
		assert.JSONEq(t, `"firestore:teams/1"`, string(raw))
	})

	t.Run("longest prefix wins", func(t *testing.T) {
		raw, err := mux.Fetch(ctx, "fs:settings/theme")
		require.NoError(t, err)
		assert.JSONEq(t, `"settings:fs:settings/theme"`, string(raw))
	})
}

func TestMux_Validation(t *testing.T) {
	_, err := cache.NewMux(nil, cache.Route{Prefix: "", Fetcher: staticFetcher("")})
	require.Error(t, err)

	_, err = cache.NewMux(nil, cache.Route{Prefix: "fs:"})
	require.Error(t, err)

	mux, err := cache.NewMux(nil)
	require.NoError(t, err)
	_, err = mux.Fetch(context.Background(), "/clients")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no fetcher configured")
}

func TestFuture_WaitRespectsContext(t *testing.T) {
	f := cache.NewFuture(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	select {
	case <-f.Done():
		t.Fatal("future should not be resolved")
	default:
	}
}

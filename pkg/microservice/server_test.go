package microservice_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/illmade-knight/go-apisync/pkg/cache"
	"github.com/illmade-knight/go-apisync/pkg/metrics"
	"github.com/illmade-knight/go-apisync/pkg/microservice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*microservice.BaseServer, *cache.Store) {
	t.Helper()
	reg := prometheus.NewRegistry()
	recorder, err := metrics.NewPrometheus(&metrics.PrometheusConfig{Namespace: "apisync", Subsystem: "cache"}, reg)
	require.NoError(t, err)
	store, err := cache.NewStore(nil, zerolog.Nop(), cache.WithMetrics(recorder))
	require.NoError(t, err)

	store.Set("/clients?page=1", json.RawMessage(`{"items":[]}`), nil)
	store.Set("/projects", json.RawMessage(`[1,2]`), nil)
	store.Set("/projects", nil, errors.New("backend down"))

	return microservice.NewBaseServer(zerolog.Nop(), ":0", reg, store), store
}

func TestHealthzHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	microservice.HealthzHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestBaseServer_DebugCache(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("all entries", func(t *testing.T) {
		rec := httptest.NewRecorder()
		server.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/cache", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var views []microservice.EntryView
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
		require.Len(t, views, 2)
		assert.Equal(t, "/clients?page=1", views[0].Key)
		assert.Equal(t, "/projects", views[1].Key)
		assert.Equal(t, "backend down", views[1].Error)
		assert.Equal(t, len(`[1,2]`), views[1].Bytes, "the last good value is still held")
	})

	t.Run("prefix filter", func(t *testing.T) {
		rec := httptest.NewRecorder()
		server.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/cache?prefix=/clients", nil))

		var views []microservice.EntryView
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
		require.Len(t, views, 1)
		assert.Equal(t, "/clients?page=1", views[0].Key)
	})
}

func TestBaseServer_Invalidate(t *testing.T) {
	server, store := newTestServer(t)

	rec := httptest.NewRecorder()
	server.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/cache/invalidate?prefix=/projects", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	server.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/debug/cache/invalidate", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	server.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/debug/cache/invalidate?prefix=/projects", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"invalidated":1}`, rec.Body.String())

	entry, _ := store.Get("/projects")
	assert.True(t, entry.Stale)
}

func TestBaseServer_Clear(t *testing.T) {
	server, store := newTestServer(t)
	unsubscribe := store.Subscribe("/projects", func(cache.Event) {})
	defer unsubscribe()

	rec := httptest.NewRecorder()
	server.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/debug/cache/clear", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":1}`, rec.Body.String())
	assert.Equal(t, []string{"/projects"}, store.Keys())
}

func TestBaseServer_StartServesMetrics(t *testing.T) {
	server, store := newTestServer(t)
	store.InvalidatePrefix("/clients")
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, server.Shutdown(ctx))
	})

	resp, err := http.Get("http://localhost" + server.GetHTTPPort() + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `apisync_cache_events_total{event="invalidation"}`)
}

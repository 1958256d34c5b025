package cache_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-apisync/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventRecorder collects events delivered to a listener.
type eventRecorder struct {
	mu     sync.Mutex
	events []cache.Event
}

func (r *eventRecorder) listen(ev cache.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) kinds() []cache.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]cache.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *eventRecorder) last() cache.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func newTestStore(t *testing.T, maxIdle int, opts ...cache.StoreOption) *cache.Store {
	t.Helper()
	store, err := cache.NewStore(&cache.StoreConfig{MaxIdleEntries: maxIdle}, zerolog.Nop(), opts...)
	require.NoError(t, err)
	return store
}

func TestNewStore_Validation(t *testing.T) {
	_, err := cache.NewStore(&cache.StoreConfig{MaxIdleEntries: 0}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MaxIdleEntries must be greater than 0")
}

func TestStore_SetAndGet(t *testing.T) {
	store := newTestStore(t, 10)

	// Act
	_, found := store.Get("/clients")
	store.Set("/clients", json.RawMessage(`[1]`), nil)
	entry, ok := store.Get("/clients")

	// Assert
	assert.False(t, found)
	require.True(t, ok)
	assert.JSONEq(t, `[1]`, string(entry.Value))
	assert.NoError(t, entry.Err)
	assert.False(t, entry.FetchedAt.IsZero())
	assert.True(t, entry.HasValue())
	assert.Equal(t, uint64(1), entry.Version)
}

func TestStore_ErrorKeepsLastGoodValue(t *testing.T) {
	store := newTestStore(t, 10)
	fetchErr := errors.New("backend down")

	store.Set("/teams", json.RawMessage(`{"items":[]}`), nil)
	store.Set("/teams", nil, fetchErr)

	entry, _ := store.Get("/teams")
	assert.JSONEq(t, `{"items":[]}`, string(entry.Value), "a failed fetch must not blank the value")
	assert.ErrorIs(t, entry.Err, fetchErr)

	store.Set("/teams", json.RawMessage(`{"items":[1]}`), nil)
	entry, _ = store.Get("/teams")
	assert.NoError(t, entry.Err, "a successful fetch clears the error")
	assert.JSONEq(t, `{"items":[1]}`, string(entry.Value))
}

func TestStore_SetInFlight_FirstWriterWins(t *testing.T) {
	store := newTestStore(t, 10)
	rec := &eventRecorder{}
	unsubscribe := store.Subscribe("/payroll", rec.listen)
	defer unsubscribe()

	first := cache.NewFuture(nil)
	second := cache.NewFuture(nil)

	// Act
	got1 := store.SetInFlight("/payroll", first)
	got2 := store.SetInFlight("/payroll", second)

	// Assert
	assert.Same(t, first, got1)
	assert.Same(t, first, got2, "the second writer must receive the existing future")
	assert.Same(t, first, store.InFlight("/payroll"))
	assert.Equal(t, []cache.EventKind{cache.EventValidating}, rec.kinds())
}

func TestStore_Complete(t *testing.T) {
	ctx := context.Background()

	t.Run("current fetch is written and broadcast", func(t *testing.T) {
		store := newTestStore(t, 10)
		rec := &eventRecorder{}
		unsubscribe := store.Subscribe("/clients", rec.listen)
		defer unsubscribe()

		f := store.SetInFlight("/clients", cache.NewFuture(nil))
		applied := store.Complete("/clients", f, json.RawMessage(`"ok"`), nil)

		assert.True(t, applied)
		value, err := f.Wait(ctx)
		require.NoError(t, err)
		assert.JSONEq(t, `"ok"`, string(value))

		entry, _ := store.Get("/clients")
		assert.Nil(t, entry.InFlight)
		assert.JSONEq(t, `"ok"`, string(entry.Value))
		assert.Equal(t, []cache.EventKind{cache.EventValidating, cache.EventUpdated}, rec.kinds())
		assert.JSONEq(t, `"ok"`, string(rec.last().Entry.Value))
	})

	t.Run("superseded fetch is discarded and waiters follow the replacement", func(t *testing.T) {
		store := newTestStore(t, 10)
		var cancelled bool
		old := store.SetInFlight("/clients", cache.NewFuture(func() { cancelled = true }))
		replacement := cache.NewFuture(nil)
		store.ReplaceInFlight("/clients", replacement)

		assert.True(t, cancelled, "the replaced fetch is cancelled")

		applied := store.Complete("/clients", old, json.RawMessage(`"old"`), nil)
		assert.False(t, applied)

		store.Complete("/clients", replacement, json.RawMessage(`"new"`), nil)

		value, err := old.Wait(ctx)
		require.NoError(t, err)
		assert.JSONEq(t, `"new"`, string(value))

		entry, _ := store.Get("/clients")
		assert.JSONEq(t, `"new"`, string(entry.Value))
	})

	t.Run("set clears the in-flight marker so a late result is dropped", func(t *testing.T) {
		store := newTestStore(t, 10)
		f := store.SetInFlight("/projects", cache.NewFuture(nil))

		store.Set("/projects", json.RawMessage(`"optimistic"`), nil)
		applied := store.Complete("/projects", f, json.RawMessage(`"late"`), nil)

		assert.False(t, applied)
		entry, _ := store.Get("/projects")
		assert.JSONEq(t, `"optimistic"`, string(entry.Value))
	})
}

func TestStore_Invalidate(t *testing.T) {
	store := newTestStore(t, 10)
	for _, key := range []string{"/projects", "/projects?page=2", "/projects/7", "/projects-archive", "/clients"} {
		store.Set(key, json.RawMessage(`[]`), nil)
	}
	rec := &eventRecorder{}
	unsubscribe := store.Subscribe("/projects?page=2", rec.listen)
	defer unsubscribe()

	// Act
	count := store.InvalidatePrefix("/projects")

	// Assert
	assert.Equal(t, 3, count)
	for _, key := range []string{"/projects", "/projects?page=2", "/projects/7"} {
		entry, _ := store.Get(key)
		assert.True(t, entry.Stale, key)
		assert.JSONEq(t, `[]`, string(entry.Value), "invalidation keeps stale data servable")
	}
	archive, _ := store.Get("/projects-archive")
	assert.False(t, archive.Stale)
	assert.Equal(t, []cache.EventKind{cache.EventInvalidated}, rec.kinds())

	assert.True(t, store.Invalidate("/clients"))
	assert.False(t, store.Invalidate("/unknown"))

	// A new settle clears the stale flag.
	store.Set("/projects", json.RawMessage(`[1]`), nil)
	entry, _ := store.Get("/projects")
	assert.False(t, entry.Stale)
}

func TestStore_IsFresh(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := newTestStore(t, 10, cache.WithClock(func() time.Time { return now }))

	store.Set("/clients", json.RawMessage(`[]`), nil)
	entry, _ := store.Get("/clients")

	assert.True(t, store.IsFresh(entry, 2*time.Second))

	now = now.Add(2 * time.Second)
	assert.False(t, store.IsFresh(entry, 2*time.Second), "the interval boundary is not fresh")

	now = now.Add(-time.Second)
	store.Invalidate("/clients")
	entry, _ = store.Get("/clients")
	assert.False(t, store.IsFresh(entry, 2*time.Second), "stale entries are never fresh")

	assert.False(t, store.IsFresh(cache.Entry{Key: "/never"}, time.Hour))
}

func TestStore_SubscribeAndUnsubscribe(t *testing.T) {
	store := newTestStore(t, 10)

	unsubscribeA := store.Subscribe("/employees", func(cache.Event) {})
	unsubscribeB := store.Subscribe("/employees", func(cache.Event) {})

	entry, _ := store.Get("/employees")
	assert.Equal(t, 2, entry.Subscribers)

	unsubscribeA()
	unsubscribeA()
	entry, _ = store.Get("/employees")
	assert.Equal(t, 1, entry.Subscribers, "unsubscribe is idempotent")

	unsubscribeB()
	entry, _ = store.Get("/employees")
	assert.Equal(t, 0, entry.Subscribers)
}

func TestStore_IdleEviction(t *testing.T) {
	store := newTestStore(t, 2)

	unsubscribe := store.Subscribe("/pinned", func(cache.Event) {})
	defer unsubscribe()
	store.Set("/pinned", json.RawMessage(`1`), nil)
	inFlight := store.SetInFlight("/loading", cache.NewFuture(nil))

	// Act: three idle entries in a store that keeps two.
	store.Set("/a", json.RawMessage(`1`), nil)
	store.Set("/b", json.RawMessage(`2`), nil)
	store.Set("/c", json.RawMessage(`3`), nil)

	// Assert
	_, ok := store.Get("/a")
	assert.False(t, ok, "least recently idle entry is evicted")
	_, ok = store.Get("/pinned")
	assert.True(t, ok, "entries with subscribers are never evicted")
	_, ok = store.Get("/loading")
	assert.True(t, ok, "entries with a fetch in flight are never evicted")
	assert.Equal(t, []string{"/b", "/c", "/loading", "/pinned"}, store.Keys())

	// Once the fetch settles the entry becomes idle and competes for space.
	store.Complete("/loading", inFlight, json.RawMessage(`4`), nil)
	_, ok = store.Get("/b")
	assert.False(t, ok)
	assert.Equal(t, 3, store.Len())
}

func TestStore_InvalidationDuringFetch(t *testing.T) {
	t.Run("settling fetch leaves the entry stale", func(t *testing.T) {
		store := newTestStore(t, 10)
		store.Set("/projects", json.RawMessage(`"old"`), nil)
		f := store.SetInFlight("/projects", cache.NewFuture(nil))

		store.InvalidatePrefix("/projects")

		assert.Nil(t, store.Joinable("/projects"), "a fetch older than the invalidation is not joinable")
		assert.Same(t, f, store.InFlight("/projects"))
		assert.True(t, store.Complete("/projects", f, json.RawMessage(`"old"`), nil))
		entry, _ := store.Get("/projects")
		assert.True(t, entry.Stale)
		assert.False(t, store.IsFresh(entry, time.Hour))

		next := store.SetInFlight("/projects", cache.NewFuture(nil))
		store.Complete("/projects", next, json.RawMessage(`"new"`), nil)
		entry, _ = store.Get("/projects")
		assert.False(t, entry.Stale)
	})

	t.Run("a new fetch replaces the outdated one", func(t *testing.T) {
		store := newTestStore(t, 10)
		outdated := store.SetInFlight("/projects", cache.NewFuture(nil))
		store.InvalidatePrefix("/projects")

		next := cache.NewFuture(nil)
		assert.Same(t, next, store.SetInFlight("/projects", next))
		assert.Same(t, next, store.Joinable("/projects"))
		assert.False(t, store.Complete("/projects", outdated, json.RawMessage(`"old"`), nil))
		assert.True(t, store.Complete("/projects", next, json.RawMessage(`"new"`), nil))

		value, err := outdated.Wait(context.Background())
		require.NoError(t, err)
		assert.JSONEq(t, `"new"`, string(value), "waiters on the outdated fetch follow its replacement")
	})
}

func TestStore_Abandon(t *testing.T) {
	store := newTestStore(t, 10)
	rec := &eventRecorder{}
	unsubscribe := store.Subscribe("/projects", rec.listen)
	defer unsubscribe()
	store.Set("/projects", json.RawMessage(`[1]`), nil)
	f := store.SetInFlight("/projects", cache.NewFuture(nil))
	closedErr := errors.New("closed")

	store.Abandon("/projects", f, closedErr)

	entry, _ := store.Get("/projects")
	assert.Nil(t, entry.InFlight)
	assert.NoError(t, entry.Err)
	assert.JSONEq(t, `[1]`, string(entry.Value))
	assert.Nil(t, rec.last().Entry.InFlight)
	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, closedErr)
}

func TestStore_DeleteAndClear(t *testing.T) {
	store := newTestStore(t, 10)
	unsubscribe := store.Subscribe("/pinned", func(cache.Event) {})
	defer unsubscribe()
	store.Set("/pinned", json.RawMessage(`1`), nil)
	store.SetInFlight("/loading", cache.NewFuture(nil))
	store.Set("/a", json.RawMessage(`1`), nil)
	store.Set("/b", json.RawMessage(`2`), nil)

	assert.False(t, store.Delete("/pinned"))
	assert.False(t, store.Delete("/loading"))
	assert.False(t, store.Delete("/missing"))
	assert.True(t, store.Delete("/a"))

	assert.Equal(t, 1, store.Clear())
	assert.Equal(t, []string{"/loading", "/pinned"}, store.Keys())
}

func TestHasPathPrefix(t *testing.T) {
	testCases := []struct {
		key, prefix string
		want        bool
	}{
		{"/projects", "/projects", true},
		{"/projects/7", "/projects", true},
		{"/projects?page=1", "/projects", true},
		{"/projects-archive", "/projects", false},
		{"/clients", "/projects", false},
		{"/projects/7", "/projects/", true},
		{"/anything", "", false},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, cache.HasPathPrefix(tc.key, tc.prefix), "%s vs %s", tc.key, tc.prefix)
	}
}

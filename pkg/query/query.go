package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-apisync/pkg/cache"
)

// State is what a query currently reports to its caller.
type State struct {
	Key  string
	Data json.RawMessage
	Err  error
	// IsLoading is true while a fetch runs and there is no data to show.
	IsLoading bool
	// IsValidating is true whenever a fetch for the key is in flight.
	IsValidating bool
}

// Query is one subscriber's view of a key. It follows the shared cache entry and
// reports a State every time the entry changes.
type Query struct {
	engine *Engine
	opts   Options

	mu          sync.Mutex
	key         string
	state       State
	prevData    json.RawMessage
	lastVersion uint64
	unsubscribe func()
	listeners   map[uint64]func(State)
	nextID      uint64
	closed      bool
	stop        chan struct{}
}

func newQuery(e *Engine, o Options) *Query {
	return &Query{
		engine:    e,
		opts:      o,
		listeners: make(map[uint64]func(State)),
		stop:      make(chan struct{}),
	}
}

// State returns the latest state.
func (q *Query) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Key returns the key the query is bound to.
func (q *Query) Key() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.key
}

// Subscribe registers fn to receive every new state and returns the function that removes it.
func (q *Query) Subscribe(fn func(State)) func() {
	q.mu.Lock()
	q.nextID++
	id := q.nextID
	q.listeners[id] = fn
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.listeners, id)
	}
}

// SetKey rebinds the query to key. NoKey stops fetching and keeps reporting
// the last data and error without a loading state.
func (q *Query) SetKey(key string) {
	q.mu.Lock()
	if q.closed || key == q.key {
		q.mu.Unlock()
		return
	}
	q.prevData = nil
	if q.opts.KeepPreviousData {
		q.prevData = q.state.Data
	}
	q.mu.Unlock()

	q.attach(key)
}

// Mutate forces a revalidation of the current key and waits for the server's answer.
func (q *Query) Mutate(ctx context.Context) (json.RawMessage, error) {
	return q.engine.mutate(ctx, q.Key(), &q.opts)
}

// MutateValue writes value to the current key at once and, if revalidate is set,
// reconciles with the server before returning.
func (q *Query) MutateValue(ctx context.Context, value json.RawMessage, revalidate bool) (json.RawMessage, error) {
	return q.engine.mutateValue(ctx, q.Key(), value, revalidate, &q.opts)
}

// MutateFunc computes the new value from the cached one. If fn fails nothing is written.
func (q *Query) MutateFunc(ctx context.Context, fn func(current json.RawMessage) (json.RawMessage, error), revalidate bool) (json.RawMessage, error) {
	key := q.Key()
	if key == NoKey {
		return nil, ErrNoKey
	}
	entry, _ := q.engine.store.Get(key)
	next, err := fn(entry.Value)
	if err != nil {
		return nil, fmt.Errorf("mutate %s: %w", key, err)
	}
	return q.engine.mutateValue(ctx, key, next, revalidate, &q.opts)
}

// Await blocks until the fetch running for the current key settles and returns the cached outcome.
// Without a running fetch it returns the cached outcome straight away.
func (q *Query) Await(ctx context.Context) (json.RawMessage, error) {
	key := q.Key()
	if key == NoKey {
		return nil, ErrNoKey
	}
	if f := q.engine.store.InFlight(key); f != nil {
		return f.Wait(ctx)
	}
	entry, _ := q.engine.store.Get(key)
	return entry.Value, entry.Err
}

// Close detaches the query. A fetch it started keeps running for other subscribers.
func (q *Query) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	if q.unsubscribe != nil {
		q.unsubscribe()
		q.unsubscribe = nil
	}
	q.listeners = make(map[uint64]func(State))
	close(q.stop)
	q.mu.Unlock()

	q.engine.unregister(q)
}

// attach subscribes to key and revalidates it when the mount rules ask for it.
func (q *Query) attach(key string) {
	store := q.engine.store

	q.mu.Lock()
	if q.unsubscribe != nil {
		q.unsubscribe()
		q.unsubscribe = nil
	}
	q.key = key
	q.lastVersion = 0
	if key == NoKey {
		q.state = State{Key: NoKey, Data: q.state.Data, Err: q.state.Err}
		state, listeners := q.state, q.listenerList()
		q.mu.Unlock()
		emit(state, listeners)
		return
	}
	q.unsubscribe = store.Subscribe(key, q.onEvent)
	entry, _ := store.Get(key)
	if entry.Version >= q.lastVersion {
		q.lastVersion = entry.Version
		q.state = q.derive(entry)
	}
	state, listeners := q.state, q.listenerList()
	q.mu.Unlock()

	emit(state, listeners)

	// A key that was never fetched is loaded even when mount revalidation is off.
	if q.opts.RevalidateOnMount || entry.FetchedAt.IsZero() {
		q.engine.revalidate(key, &q.opts, dedupeFresh)
	}
}

func (q *Query) onEvent(ev cache.Event) {
	q.mu.Lock()
	if q.closed || ev.Entry.Key != q.key || ev.Entry.Version < q.lastVersion {
		q.mu.Unlock()
		return
	}
	q.lastVersion = ev.Entry.Version
	q.state = q.derive(ev.Entry)
	state, listeners := q.state, q.listenerList()
	q.mu.Unlock()

	emit(state, listeners)

	if ev.Kind == cache.EventInvalidated {
		q.engine.revalidate(ev.Entry.Key, &q.opts, dedupeFresh)
	}
}

// derive must be called with q.mu held.
func (q *Query) derive(entry cache.Entry) State {
	s := State{
		Key:          q.key,
		Data:         entry.Value,
		Err:          entry.Err,
		IsValidating: entry.InFlight != nil,
	}
	if s.Data == nil && entry.FetchedAt.IsZero() && q.opts.KeepPreviousData {
		s.Data = q.prevData
	}
	s.IsLoading = s.IsValidating && s.Data == nil
	return s
}

// listenerList must be called with q.mu held.
func (q *Query) listenerList() []func(State) {
	out := make([]func(State), 0, len(q.listeners))
	for _, fn := range q.listeners {
		out = append(out, fn)
	}
	return out
}

func emit(state State, listeners []func(State)) {
	for _, fn := range listeners {
		fn(state)
	}
}

// startPolling revalidates the current key every interval until the query or engine closes.
// Ticks follow the same deduplication rules as any other trigger.
func (q *Query) startPolling(interval time.Duration) {
	q.engine.goTracked(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-q.stop:
				return
			case <-q.engine.ctx.Done():
				return
			case <-ticker.C:
				if key := q.Key(); key != NoKey {
					q.engine.revalidate(key, &q.opts, dedupeFresh)
				}
			}
		}
	})
}

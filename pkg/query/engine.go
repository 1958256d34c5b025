// Package query is the synchronization engine: it decides when a cached resource is
// served as-is, when a fetch is shared with one already running, and when a new fetch starts.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-apisync/pkg/apiclient"
	"github.com/illmade-knight/go-apisync/pkg/cache"
	"github.com/illmade-knight/go-apisync/pkg/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoKey is returned when a mutation is requested on a query with NoKey.
	ErrNoKey = errors.New("query has no key")
	// ErrClosed is returned once the engine has been closed.
	ErrClosed = errors.New("engine is closed")
)

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMetrics attaches a metrics recorder.
func WithMetrics(m metrics.Recorder) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// Engine coordinates fetches for every query against one shared store.
type Engine struct {
	cfg     Config
	store   *cache.Store
	fetcher cache.Fetcher
	metrics metrics.Recorder
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	queries   map[*Query]struct{}
	lastFocus time.Time
	closed    bool
}

// New creates a new Engine. A nil cfg uses DefaultConfig.
func New(cfg *Config, store *cache.Store, fetcher cache.Fetcher, logger zerolog.Logger, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher cannot be nil")
	}
	if cfg == nil {
		defaults := DefaultConfig()
		cfg = &defaults
	}
	if cfg.ErrorRetryCount < 0 {
		return nil, fmt.Errorf("ErrorRetryCount cannot be negative, got %d", cfg.ErrorRetryCount)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:     *cfg,
		store:   store,
		fetcher: fetcher,
		metrics: metrics.Noop{},
		logger:  logger.With().Str("component", "SyncEngine").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		queries: make(map[*Query]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.logger.Info().
		Dur("deduping_interval", e.cfg.DedupingInterval).
		Int("error_retry_count", e.cfg.ErrorRetryCount).
		Msg("Sync engine initialized.")
	return e, nil
}

// Store returns the store the engine reads from and writes to.
func (e *Engine) Store() *cache.Store {
	return e.store
}

// Use creates a query bound to key. The caller must Close it when done.
func (e *Engine) Use(key string, opts ...Option) *Query {
	o := e.options(opts)
	q := newQuery(e, o)

	e.mu.Lock()
	e.queries[q] = struct{}{}
	e.mu.Unlock()

	q.attach(key)
	if o.RefreshInterval > 0 {
		q.startPolling(o.RefreshInterval)
	}
	return q
}

// Mutate forces a revalidation of key and waits for the server's answer.
func (e *Engine) Mutate(ctx context.Context, key string) (json.RawMessage, error) {
	o := e.options(nil)
	return e.mutate(ctx, key, &o)
}

// MutateValue writes value to key immediately and, if revalidate is set, reconciles with the server.
func (e *Engine) MutateValue(ctx context.Context, key string, value json.RawMessage, revalidate bool) (json.RawMessage, error) {
	o := e.options(nil)
	return e.mutateValue(ctx, key, value, revalidate, &o)
}

// Prefetch warms keys concurrently and returns the first fetch error.
func (e *Engine) Prefetch(ctx context.Context, keys ...string) error {
	o := e.options(nil)
	g, gctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		g.Go(func() error {
			f := e.revalidate(key, &o, dedupeFresh)
			if f == nil {
				return nil
			}
			if _, err := f.Wait(gctx); err != nil {
				return fmt.Errorf("prefetch %s: %w", key, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// NotifyFocus revalidates every query that opted into focus revalidation.
// Calls closer together than FocusThrottleInterval are ignored.
func (e *Engine) NotifyFocus() {
	e.mu.Lock()
	now := e.store.Now()
	if !e.lastFocus.IsZero() && now.Sub(e.lastFocus) < e.cfg.FocusThrottleInterval {
		e.mu.Unlock()
		return
	}
	e.lastFocus = now
	queries := e.activeQueries()
	e.mu.Unlock()

	e.logger.Debug().Int("queries", len(queries)).Msg("Focus regained, revalidating.")
	for _, q := range queries {
		if q.opts.RevalidateOnFocus {
			e.revalidate(q.Key(), &q.opts, dedupeFresh)
		}
	}
}

// NotifyReconnect revalidates every query that opted into reconnect revalidation.
func (e *Engine) NotifyReconnect() {
	e.mu.Lock()
	queries := e.activeQueries()
	e.mu.Unlock()

	e.logger.Debug().Int("queries", len(queries)).Msg("Connection restored, revalidating.")
	for _, q := range queries {
		if q.opts.RevalidateOnReconnect {
			e.revalidate(q.Key(), &q.opts, dedupeFresh)
		}
	}
}

// Close stops polling and cancels outstanding fetches, then waits for them to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.logger.Info().Msg("Closing sync engine...")
	e.cancel()
	e.wg.Wait()
	e.logger.Info().Msg("Sync engine closed.")
}

func (e *Engine) options(opts []Option) Options {
	o := Options{Config: e.cfg}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// activeQueries must be called with e.mu held.
func (e *Engine) activeQueries() []*Query {
	out := make([]*Query, 0, len(e.queries))
	for q := range e.queries {
		out = append(out, q)
	}
	return out
}

func (e *Engine) unregister(q *Query) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.queries, q)
}

// goTracked runs fn in a goroutine the engine waits for on Close. It returns false once closed.
func (e *Engine) goTracked(fn func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

type revalidateMode int

const (
	// dedupeFresh joins a running fetch and skips keys that settled within the deduping interval.
	dedupeFresh revalidateMode = iota
	// force replaces any running fetch.
	force
)

// revalidate applies the deduplication rules and returns the future to wait on, or nil
// when the cached value is fresh, the key is NoKey, or the engine is closed.
func (e *Engine) revalidate(key string, o *Options, mode revalidateMode) *cache.Future {
	if key == NoKey {
		return nil
	}
	if mode != force {
		// A fetch that started before the last invalidation is not joined.
		if f := e.store.Joinable(key); f != nil {
			e.metrics.Dedup()
			return f
		}
	}
	if mode == dedupeFresh {
		if entry, ok := e.store.Get(key); ok && e.store.IsFresh(entry, o.DedupingInterval) {
			e.metrics.Hit()
			return nil
		}
	}

	ctx, cancel := context.WithCancel(e.ctx)
	f := cache.NewFuture(cancel)
	if mode == force {
		e.store.ReplaceInFlight(key, f)
	} else if existing := e.store.SetInFlight(key, f); existing != f {
		cancel()
		e.metrics.Dedup()
		return existing
	}

	e.metrics.Miss()
	if !e.goTracked(func() { e.run(ctx, key, f, o) }) {
		cancel()
		e.store.Abandon(key, f, ErrClosed)
		return nil
	}
	return f
}

// run performs the fetch with retries and settles f in the store.
func (e *Engine) run(ctx context.Context, key string, f *cache.Future, o *Options) {
	defer f.Cancel()
	logger := e.logger.With().Str("key", key).Logger()

	var value json.RawMessage
	var err error
	for attempt := 0; ; attempt++ {
		e.metrics.Fetch()
		value, err = e.fetcher(ctx, key)
		if err == nil {
			break
		}
		if ctx.Err() != nil || attempt >= o.ErrorRetryCount || !shouldRetry(o, err) {
			break
		}

		delay := retryDelay(o, attempt)
		e.metrics.Retry()
		logger.Warn().Err(err).Int("attempt", attempt+1).Dur("retry_in", delay).Msg("Fetch failed, scheduling retry.")
		if !sleep(ctx, delay) {
			break
		}
	}

	applied := e.store.Complete(key, f, value, err)
	if err != nil {
		e.metrics.Error()
		if !apiclient.IsUnauthorized(err) && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Fetch settled with error.")
		}
		if applied && o.OnError != nil {
			o.OnError(key, err)
		}
		return
	}

	logger.Debug().Msg("Fetch settled.")
	if applied && o.OnSuccess != nil {
		o.OnSuccess(key, value)
	}
}

func (e *Engine) mutate(ctx context.Context, key string, o *Options) (json.RawMessage, error) {
	if key == NoKey {
		return nil, ErrNoKey
	}
	f := e.revalidate(key, o, force)
	if f == nil {
		return nil, ErrClosed
	}
	return f.Wait(ctx)
}

func (e *Engine) mutateValue(ctx context.Context, key string, value json.RawMessage, revalidate bool, o *Options) (json.RawMessage, error) {
	if key == NoKey {
		return nil, ErrNoKey
	}
	e.store.Set(key, value, nil)
	if !revalidate {
		return value, nil
	}
	return e.mutate(ctx, key, o)
}

func shouldRetry(o *Options, err error) bool {
	if !o.ShouldRetryOnError {
		return false
	}
	if o.ShouldRetry != nil {
		return o.ShouldRetry(err)
	}
	return apiclient.IsRetryable(err)
}

// retryDelay returns the wait before retry number attempt+1.
func retryDelay(o *Options, attempt int) time.Duration {
	if !o.ExponentialBackoff {
		return o.ErrorRetryInterval
	}
	if attempt > 8 {
		attempt = 8
	}
	return o.ErrorRetryInterval * time.Duration(1<<attempt)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Package cache provides the shared, in-memory store behind the sync layer, plus the
// fetchers that populate it.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/illmade-knight/go-apisync/pkg/metrics"
	"github.com/rs/zerolog"
)

// EventKind describes why a listener is being notified.
type EventKind int

const (
	// EventUpdated is sent when a fetch settles or a value is written.
	EventUpdated EventKind = iota
	// EventValidating is sent when a fetch starts for the key.
	EventValidating
	// EventInvalidated is sent when the entry is marked stale.
	EventInvalidated
)

func (k EventKind) String() string {
	switch k {
	case EventUpdated:
		return "updated"
	case EventValidating:
		return "validating"
	case EventInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// Entry is a point-in-time copy of a cached key.
type Entry struct {
	Key         string
	Value       json.RawMessage
	Err         error
	FetchedAt   time.Time
	Stale       bool
	InFlight    *Future
	Subscribers int
	// Version increases on every change to the entry.
	Version uint64
}

// HasValue reports whether a successful value has ever been stored.
func (e Entry) HasValue() bool {
	return e.Value != nil
}

// Event is delivered to listeners of a key.
type Event struct {
	Kind  EventKind
	Entry Entry
}

// Listener receives events for a subscribed key.
type Listener func(Event)

type entry struct {
	key       string
	value     json.RawMessage
	err       error
	fetchedAt time.Time
	stale     bool
	inFlight  *Future
	// outdated is set when the entry was invalidated after inFlight started.
	outdated  bool
	listeners map[uint64]Listener
	version   uint64
}

func (e *entry) snapshot() Entry {
	return Entry{
		Key:         e.key,
		Value:       e.value,
		Err:         e.err,
		FetchedAt:   e.fetchedAt,
		Stale:       e.stale,
		InFlight:    e.inFlight,
		Subscribers: len(e.listeners),
		Version:     e.version,
	}
}

func (e *entry) listenerList() []Listener {
	out := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		out = append(out, l)
	}
	return out
}

type broadcast struct {
	event     Event
	listeners []Listener
}

// StoreConfig holds configuration for the Store.
type StoreConfig struct {
	// MaxIdleEntries bounds how many entries without subscribers or fetches are retained.
	MaxIdleEntries int
}

// LoadDefaultStoreConfig returns the default store configuration with env overrides.
func LoadDefaultStoreConfig() *StoreConfig {
	cfg := &StoreConfig{MaxIdleEntries: 1000}
	if maxIdle := os.Getenv("APISYNC_CACHE_MAX_IDLE"); maxIdle != "" {
		if val, err := strconv.Atoi(maxIdle); err == nil {
			cfg.MaxIdleEntries = val
		}
	}
	return cfg
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m metrics.Recorder) StoreOption {
	return func(s *Store) {
		s.metrics = m
	}
}

// Store is the single source of truth for cached reads, shared by every query of a session.
// All mutation goes through Set, the in-flight methods and the Invalidate family.
// Listeners are called after the store lock is released, one broadcast per change.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	idle    *lru.Cache[string, struct{}]
	nextID  uint64

	now     func() time.Time
	metrics metrics.Recorder
	logger  zerolog.Logger
}

// NewStore creates a new Store.
func NewStore(cfg *StoreConfig, logger zerolog.Logger, opts ...StoreOption) (*Store, error) {
	if cfg == nil {
		cfg = LoadDefaultStoreConfig()
	}
	if cfg.MaxIdleEntries <= 0 {
		return nil, errors.New("MaxIdleEntries must be greater than 0")
	}

	s := &Store{
		entries: make(map[string]*entry),
		now:     time.Now,
		metrics: metrics.Noop{},
		logger:  logger.With().Str("component", "CacheStore").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	idle, err := lru.NewWithEvict[string, struct{}](cfg.MaxIdleEntries, s.onIdleEvicted)
	if err != nil {
		return nil, fmt.Errorf("failed to create idle entry list: %w", err)
	}
	s.idle = idle
	return s, nil
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// Get returns a copy of the entry for key.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{Key: key}, false
	}
	return e.snapshot(), true
}

// IsFresh reports whether entry settled within interval and has not been invalidated.
func (s *Store) IsFresh(entry Entry, interval time.Duration) bool {
	if entry.Stale || entry.FetchedAt.IsZero() {
		return false
	}
	return s.now().Sub(entry.FetchedAt) < interval
}

// Set records the outcome of a fetch, or a value written directly.
// An error keeps the previous value; a value clears the previous error.
func (s *Store) Set(key string, value json.RawMessage, err error) {
	s.mu.Lock()
	e := s.getOrCreate(key)
	s.apply(e, value, err)
	e.inFlight = nil
	e.outdated = false
	b := s.prepare(e, EventUpdated)
	s.touch(e)
	s.mu.Unlock()

	b.send()
}

// SetInFlight records f as the key's in-flight fetch. If a fetch that started after the
// last invalidation is already recorded it is returned instead and f is left unused.
// An outdated fetch is replaced as in ReplaceInFlight.
func (s *Store) SetInFlight(key string, f *Future) *Future {
	s.mu.Lock()
	e := s.getOrCreate(key)
	if e.inFlight != nil && !e.outdated {
		existing := e.inFlight
		s.mu.Unlock()
		return existing
	}
	previous := e.inFlight
	e.inFlight = f
	e.outdated = false
	e.version++
	b := s.prepare(e, EventValidating)
	s.touch(e)
	s.mu.Unlock()

	if previous != nil {
		previous.supersede(f)
		previous.Cancel()
	}
	b.send()
	return f
}

// ReplaceInFlight records f even if another fetch is running. The previous future is
// cancelled and its waiters follow f.
func (s *Store) ReplaceInFlight(key string, f *Future) {
	s.mu.Lock()
	e := s.getOrCreate(key)
	previous := e.inFlight
	e.inFlight = f
	e.outdated = false
	e.version++
	b := s.prepare(e, EventValidating)
	s.touch(e)
	s.mu.Unlock()

	if previous != nil && previous != f {
		previous.supersede(f)
		previous.Cancel()
	}
	b.send()
}

// Complete settles f. The result is written only when f is still the key's in-flight
// fetch; a superseded fetch is discarded. A fetch that was running when the entry was
// invalidated leaves it stale. f is resolved either way.
func (s *Store) Complete(key string, f *Future, value json.RawMessage, err error) bool {
	s.mu.Lock()
	e, ok := s.entries[key]
	current := ok && e.inFlight == f
	var b broadcast
	if current {
		s.apply(e, value, err)
		e.stale = e.outdated
		e.inFlight = nil
		e.outdated = false
		b = s.prepare(e, EventUpdated)
		s.touch(e)
	}
	s.mu.Unlock()

	if current {
		b.send()
	} else {
		s.logger.Debug().Str("key", key).Msg("Discarding result of superseded fetch.")
	}
	f.resolve(value, err)
	return current
}

// Abandon drops f as the key's in-flight fetch without touching the cached value and
// resolves it with err.
func (s *Store) Abandon(key string, f *Future, err error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	current := ok && e.inFlight == f
	var b broadcast
	if current {
		e.inFlight = nil
		e.outdated = false
		e.version++
		b = s.prepare(e, EventUpdated)
		s.touch(e)
	}
	s.mu.Unlock()

	if current {
		b.send()
	}
	f.resolve(nil, err)
}

// InFlight returns the fetch currently running for key, if any.
func (s *Store) InFlight(key string) *Future {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.inFlight
	}
	return nil
}

// Joinable returns the running fetch for key only if it started after the entry was last
// invalidated, so its result can be trusted as current.
func (s *Store) Joinable(key string) *Future {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && !e.outdated {
		return e.inFlight
	}
	return nil
}

// Invalidate marks key stale. The value stays servable; subscribers are told so they can refetch.
func (s *Store) Invalidate(key string) bool {
	return s.InvalidateMatching(func(k string) bool { return k == key }) > 0
}

// InvalidatePrefix marks every key under the resource path prefix stale.
func (s *Store) InvalidatePrefix(prefix string) int {
	return s.InvalidateMatching(func(k string) bool { return HasPathPrefix(k, prefix) })
}

// InvalidateMatching marks every key accepted by match stale and returns how many were marked.
func (s *Store) InvalidateMatching(match func(key string) bool) int {
	s.mu.Lock()
	var pending []broadcast
	for key, e := range s.entries {
		if !match(key) {
			continue
		}
		e.stale = true
		e.outdated = e.inFlight != nil
		e.version++
		pending = append(pending, s.prepare(e, EventInvalidated))
		s.metrics.Invalidation()
	}
	s.mu.Unlock()

	if len(pending) > 0 {
		s.logger.Debug().Int("count", len(pending)).Msg("Invalidated cache entries.")
	}
	for _, b := range pending {
		b.send()
	}
	return len(pending)
}

// Subscribe registers listener for key and returns the function that removes it.
func (s *Store) Subscribe(key string, listener Listener) func() {
	s.mu.Lock()
	e := s.getOrCreate(key)
	s.nextID++
	id := s.nextID
	e.listeners[id] = listener
	s.touch(e)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if current, ok := s.entries[key]; ok && current == e {
				delete(e.listeners, id)
				s.touch(e)
			}
		})
	}
}

// Delete drops key if nothing is subscribed to it and no fetch is running.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || len(e.listeners) > 0 || e.inFlight != nil {
		return false
	}
	delete(s.entries, key)
	s.idle.Remove(key)
	return true
}

// Clear drops every idle entry and returns how many were removed. Subscribed or
// fetching entries are kept.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, e := range s.entries {
		if len(e.listeners) > 0 || e.inFlight != nil {
			continue
		}
		delete(s.entries, key)
		removed++
	}
	s.idle.Purge()
	return removed
}

// Len returns the number of entries held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Keys returns the cached keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of every entry, sorted by key.
func (s *Store) Snapshot() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.snapshot())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// HasPathPrefix reports whether key addresses prefix or something beneath it.
// "/projects" matches "/projects", "/projects/7" and "/projects?page=2", not "/projects-archive".
func HasPathPrefix(key, prefix string) bool {
	if prefix == "" || !strings.HasPrefix(key, prefix) {
		return false
	}
	if len(key) == len(prefix) {
		return true
	}
	if strings.HasSuffix(prefix, "/") || strings.HasSuffix(prefix, "?") {
		return true
	}
	switch key[len(prefix)] {
	case '/', '?', '&', '#':
		return true
	}
	return false
}

// getOrCreate must be called with s.mu held.
func (s *Store) getOrCreate(key string) *entry {
	e, ok := s.entries[key]
	if !ok {
		e = &entry{key: key, listeners: make(map[uint64]Listener)}
		s.entries[key] = e
	}
	return e
}

// apply must be called with s.mu held.
func (s *Store) apply(e *entry, value json.RawMessage, err error) {
	if err != nil {
		e.err = err
	} else {
		e.value = value
		e.err = nil
	}
	e.fetchedAt = s.now()
	e.stale = false
	e.version++
}

// prepare must be called with s.mu held.
func (s *Store) prepare(e *entry, kind EventKind) broadcast {
	return broadcast{
		event:     Event{Kind: kind, Entry: e.snapshot()},
		listeners: e.listenerList(),
	}
}

// touch keeps the idle list in step with the entry. Must be called with s.mu held.
func (s *Store) touch(e *entry) {
	if len(e.listeners) == 0 && e.inFlight == nil {
		s.idle.Add(e.key, struct{}{})
		return
	}
	if s.idle.Contains(e.key) {
		s.idle.Remove(e.key)
	}
}

// onIdleEvicted runs synchronously inside idle list calls, so s.mu is already held.
func (s *Store) onIdleEvicted(key string, _ struct{}) {
	e, ok := s.entries[key]
	if !ok || len(e.listeners) > 0 || e.inFlight != nil {
		return
	}
	delete(s.entries, key)
	s.metrics.Eviction()
	s.logger.Debug().Str("key", key).Msg("Evicted idle cache entry.")
}

func (b broadcast) send() {
	for _, l := range b.listeners {
		l(b.event)
	}
}

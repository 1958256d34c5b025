package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Future is the pending result of a fetch. It is resolved exactly once.
// A future superseded by a forced revalidation forwards its waiters to the newer future.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	resolved  bool
	value     json.RawMessage
	err       error
	next      *Future
	cancel    context.CancelFunc
	startedAt time.Time
}

// NewFuture creates an unresolved future. cancel, if non-nil, aborts the underlying fetch.
func NewFuture(cancel context.CancelFunc) *Future {
	return &Future{
		done:      make(chan struct{}),
		cancel:    cancel,
		startedAt: time.Now(),
	}
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// StartedAt is when the fetch behind this future began.
func (f *Future) StartedAt() time.Time {
	return f.startedAt
}

// Wait blocks until the future, or the future that superseded it, resolves.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
	}

	f.mu.Lock()
	next, value, err := f.next, f.value, f.err
	f.mu.Unlock()

	if next != nil {
		return next.Wait(ctx)
	}
	return value, err
}

// Cancel aborts the fetch behind the future, if it is still running.
func (f *Future) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *Future) resolve(value json.RawMessage, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved {
		return false
	}
	f.resolved = true
	f.value = value
	f.err = err
	close(f.done)
	return true
}

func (f *Future) supersede(next *Future) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.resolved {
		f.next = next
	}
}

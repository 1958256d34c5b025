// Package debounce holds back a rapidly changing value until it has been quiet for a fixed delay.
package debounce

import (
	"sync"
	"time"
)

// Debouncer publishes the latest value passed to Set once no newer value has arrived for delay.
type Debouncer[T any] struct {
	mu         sync.Mutex
	delay      time.Duration
	value      T
	pending    T
	hasPending bool
	generation uint64
	timer      *time.Timer
	listeners  map[uint64]func(T)
	nextID     uint64
	closed     bool
}

// New creates a Debouncer whose current value is initial.
func New[T any](initial T, delay time.Duration) *Debouncer[T] {
	return &Debouncer[T]{
		delay:     delay,
		value:     initial,
		listeners: make(map[uint64]func(T)),
	}
}

// Set records v and restarts the quiet period.
func (d *Debouncer[T]) Set(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.pending = v
	d.hasPending = true
	d.generation++
	generation := d.generation
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() { d.publish(generation) })
}

// Value returns the last published value.
func (d *Debouncer[T]) Value() T {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.value
}

// Subscribe registers fn to receive every published value and returns the function that removes it.
func (d *Debouncer[T]) Subscribe(fn func(T)) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.listeners[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.listeners, id)
	}
}

// Flush publishes a pending value now instead of waiting for the timer.
func (d *Debouncer[T]) Flush() {
	d.mu.Lock()
	generation := d.generation
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
	d.publish(generation)
}

// Close drops any pending value. Once Close returns no further listener call starts;
// a call already running is not interrupted.
func (d *Debouncer[T]) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.hasPending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.listeners = make(map[uint64]func(T))
}

// publish is a no-op unless generation is still the latest Set.
func (d *Debouncer[T]) publish(generation uint64) {
	d.mu.Lock()
	if d.closed || !d.hasPending || generation != d.generation {
		d.mu.Unlock()
		return
	}
	d.value = d.pending
	d.hasPending = false
	value := d.value
	listeners := make([]func(T), 0, len(d.listeners))
	for _, fn := range d.listeners {
		listeners = append(listeners, fn)
	}
	d.mu.Unlock()

	for _, fn := range listeners {
		if d.isClosed() {
			return
		}
		fn(value)
	}
}

func (d *Debouncer[T]) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Package metrics defines how the sync layer reports what it is doing.
package metrics

// Recorder receives cache and fetch lifecycle events.
// Implementations must be safe for concurrent use.
type Recorder interface {
	// Hit is called when a read is served from a fresh cache entry.
	Hit()
	// Miss is called when a read has to start a new fetch.
	Miss()
	// Dedup is called when a read attaches to a fetch already in flight.
	Dedup()
	// Fetch is called for every network attempt, retries included.
	Fetch()
	// Retry is called when a failed attempt is scheduled to run again.
	Retry()
	// Error is called when a fetch settles with an error.
	Error()
	// Eviction is called when an idle entry is dropped from the store.
	Eviction()
	// Invalidation is called for every entry marked stale.
	Invalidation()
}

// Noop ignores every event. It is the default when no Recorder is configured.
type Noop struct{}

func (Noop) Hit()          {}
func (Noop) Miss()         {}
func (Noop) Dedup()        {}
func (Noop) Fetch()        {}
func (Noop) Retry()        {}
func (Noop) Error()        {}
func (Noop) Eviction()     {}
func (Noop) Invalidation() {}

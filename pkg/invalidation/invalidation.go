// Package invalidation carries cache invalidations between processes that each hold
// their own store, so a write made through one process refreshes reads in the others.
package invalidation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event announces that every key under Prefix is stale.
type Event struct {
	Prefix string    `json:"prefix"`
	Origin string    `json:"origin"`
	At     time.Time `json:"at"`
}

// Publisher sends an Event to the other processes.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber delivers Events published by other processes until ctx is done.
type Subscriber interface {
	Run(ctx context.Context, handle func(Event)) error
}

// LocalInvalidator is the store the Broadcaster keeps in step. *cache.Store satisfies it.
type LocalInvalidator interface {
	InvalidatePrefix(prefix string) int
}

// Broadcaster invalidates the local store and announces the invalidation to other processes.
// Events it published itself are recognised by their origin and ignored on receipt.
type Broadcaster struct {
	local          LocalInvalidator
	publisher      Publisher
	origin         string
	publishTimeout time.Duration
	logger         zerolog.Logger
}

// NewBroadcaster creates a Broadcaster. A nil publisher makes it purely local.
func NewBroadcaster(local LocalInvalidator, publisher Publisher, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		local:          local,
		publisher:      publisher,
		origin:         uuid.NewString(),
		publishTimeout: 5 * time.Second,
		logger:         logger.With().Str("component", "InvalidationBroadcaster").Logger(),
	}
}

// Origin identifies this process in published events.
func (b *Broadcaster) Origin() string {
	return b.origin
}

// InvalidatePrefix marks the prefix stale locally, then publishes it. A publish failure
// is logged; the local invalidation stands.
func (b *Broadcaster) InvalidatePrefix(prefix string) int {
	count := b.local.InvalidatePrefix(prefix)
	if b.publisher == nil {
		return count
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.publishTimeout)
	defer cancel()
	ev := Event{Prefix: prefix, Origin: b.origin, At: time.Now().UTC()}
	if err := b.publisher.Publish(ctx, ev); err != nil {
		b.logger.Error().Err(err).Str("prefix", prefix).Msg("Failed to publish invalidation.")
	}
	return count
}

// Apply invalidates the local store for an event received from another process.
func (b *Broadcaster) Apply(ev Event) int {
	if ev.Origin == b.origin || ev.Prefix == "" {
		return 0
	}
	count := b.local.InvalidatePrefix(ev.Prefix)
	b.logger.Debug().Str("prefix", ev.Prefix).Str("origin", ev.Origin).Int("invalidated", count).Msg("Applied remote invalidation.")
	return count
}

// Listen applies events from sub until ctx is done.
func (b *Broadcaster) Listen(ctx context.Context, sub Subscriber) error {
	return sub.Run(ctx, func(ev Event) { b.Apply(ev) })
}

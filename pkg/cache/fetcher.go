package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Fetcher maps a cache key to the deserialized JSON body of the resource it names.
type Fetcher func(ctx context.Context, key string) (json.RawMessage, error)

// Route sends keys starting with Prefix to Fetcher.
type Route struct {
	Prefix string
	// StripPrefix removes Prefix from the key before it is handed to Fetcher.
	StripPrefix bool
	Fetcher     Fetcher
}

// Mux dispatches keys to fetchers by longest matching prefix, falling back to a default.
type Mux struct {
	routes   []Route
	fallback Fetcher
}

// NewMux creates a Mux. fallback may be nil, in which case unrouted keys fail.
func NewMux(fallback Fetcher, routes ...Route) (*Mux, error) {
	for _, r := range routes {
		if r.Prefix == "" {
			return nil, fmt.Errorf("route prefix cannot be empty")
		}
		if r.Fetcher == nil {
			return nil, fmt.Errorf("route %q has no fetcher", r.Prefix)
		}
	}
	sorted := make([]Route, len(routes))
	copy(sorted, routes)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i].Prefix) > len(sorted[j].Prefix) })
	return &Mux{routes: sorted, fallback: fallback}, nil
}

// Fetch satisfies the Fetcher signature.
func (m *Mux) Fetch(ctx context.Context, key string) (json.RawMessage, error) {
	for _, r := range m.routes {
		if !strings.HasPrefix(key, r.Prefix) {
			continue
		}
		routed := key
		if r.StripPrefix {
			routed = strings.TrimPrefix(key, r.Prefix)
		}
		return r.Fetcher(ctx, routed)
	}
	if m.fallback == nil {
		return nil, fmt.Errorf("no fetcher configured for key '%s'", key)
	}
	return m.fallback(ctx, key)
}

// Package crud wraps create, update and delete calls for one REST collection and keeps
// the shared cache consistent with them.
package crud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/illmade-knight/go-apisync/pkg/apiclient"
	"github.com/illmade-knight/go-apisync/pkg/audit"
	"github.com/rs/zerolog"
)

// DefaultFallbackMessage is reported when a failure carries no server message.
const DefaultFallbackMessage = "An unexpected error occurred. Please try again."

// API is the HTTP boundary the helper writes through.
type API interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
	Post(ctx context.Context, path string, body any) (json.RawMessage, error)
	Put(ctx context.Context, path string, body any) (json.RawMessage, error)
	Delete(ctx context.Context, path string) (json.RawMessage, error)
}

// Invalidator marks cached reads stale. *cache.Store and *invalidation.Broadcaster satisfy it.
type Invalidator interface {
	InvalidatePrefix(prefix string) int
}

// Auditor receives every mutation outcome. *audit.Batcher satisfies it.
type Auditor interface {
	Submit(rec *audit.Record) bool
}

// Config describes the collection the helper manages.
type Config struct {
	// Endpoint is the collection path, e.g. "/projects".
	Endpoint string
	// RedirectPath, when set, is passed to the navigator after a successful create or update.
	RedirectPath string
	// FallbackMessage replaces DefaultFallbackMessage.
	FallbackMessage string
}

// Result is the outcome of an operation. Failures are reported here, never returned as errors.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Option configures a Helper.
type Option func(*Helper)

// WithNavigator sets the function called with RedirectPath after a successful create or update.
func WithNavigator(navigate func(path string)) Option {
	return func(h *Helper) {
		h.navigate = navigate
	}
}

// WithAuditor records every mutation outcome.
func WithAuditor(a Auditor) Option {
	return func(h *Helper) {
		h.auditor = a
	}
}

// Helper performs mutations against one collection.
type Helper struct {
	cfg         Config
	api         API
	invalidator Invalidator
	navigate    func(path string)
	auditor     Auditor
	logger      zerolog.Logger

	submitting atomic.Int32
	deleting   atomic.Int32
}

// New creates a new Helper.
func New(cfg *Config, api API, invalidator Invalidator, logger zerolog.Logger, opts ...Option) (*Helper, error) {
	if cfg == nil || cfg.Endpoint == "" {
		return nil, errors.New("crud endpoint cannot be empty")
	}
	if api == nil {
		return nil, errors.New("crud api cannot be nil")
	}
	if invalidator == nil {
		return nil, errors.New("crud invalidator cannot be nil")
	}

	c := *cfg
	c.Endpoint = "/" + strings.Trim(c.Endpoint, "/")
	if c.FallbackMessage == "" {
		c.FallbackMessage = DefaultFallbackMessage
	}

	h := &Helper{
		cfg:         c,
		api:         api,
		invalidator: invalidator,
		logger:      logger.With().Str("component", "CrudHelper").Str("endpoint", c.Endpoint).Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// IsSubmitting reports whether a create or update is running.
func (h *Helper) IsSubmitting() bool {
	return h.submitting.Load() > 0
}

// IsDeleting reports whether a delete is running.
func (h *Helper) IsDeleting() bool {
	return h.deleting.Load() > 0
}

// Create posts payload to the collection.
func (h *Helper) Create(ctx context.Context, payload any) Result {
	h.submitting.Add(1)
	defer h.submitting.Add(-1)

	return h.mutate("create", h.cfg.Endpoint, true, func() (json.RawMessage, error) {
		return h.api.Post(ctx, h.cfg.Endpoint, payload)
	})
}

// Update replaces the item id with payload.
func (h *Helper) Update(ctx context.Context, id string, payload any) Result {
	h.submitting.Add(1)
	defer h.submitting.Add(-1)

	path := h.itemPath(id)
	return h.mutate("update", path, true, func() (json.RawMessage, error) {
		return h.api.Put(ctx, path, payload)
	})
}

// DeleteItem deletes the item id.
func (h *Helper) DeleteItem(ctx context.Context, id string) Result {
	h.deleting.Add(1)
	defer h.deleting.Add(-1)

	path := h.itemPath(id)
	return h.mutate("delete", path, false, func() (json.RawMessage, error) {
		return h.api.Delete(ctx, path)
	})
}

// FetchOne reads the item id directly from the API, bypassing the cache.
func (h *Helper) FetchOne(ctx context.Context, id string) (res Result) {
	defer h.recoverInto(&res, "fetch")

	data, err := h.api.Get(ctx, h.itemPath(id))
	if err != nil {
		return h.failure("fetch", err)
	}
	return Result{Success: true, Data: data}
}

// mutate runs call and, only once it has succeeded, invalidates the collection and redirects.
func (h *Helper) mutate(op, path string, redirect bool, call func() (json.RawMessage, error)) (res Result) {
	defer func() { h.audit(op, path, res) }()
	defer h.recoverInto(&res, op)

	data, err := call()
	if err != nil {
		return h.failure(op, err)
	}

	count := h.invalidator.InvalidatePrefix(h.cfg.Endpoint)
	h.logger.Info().Str("operation", op).Str("path", path).Int("invalidated", count).Msg("Mutation succeeded.")

	if redirect && h.cfg.RedirectPath != "" && h.navigate != nil {
		h.navigate(h.cfg.RedirectPath)
	}
	return Result{Success: true, Data: data}
}

func (h *Helper) failure(op string, err error) Result {
	if !apiclient.IsUnauthorized(err) {
		h.logger.Error().Err(err).Str("operation", op).Msg("Operation failed.")
	}
	return Result{Success: false, Error: apiclient.Message(err, h.cfg.FallbackMessage)}
}

func (h *Helper) recoverInto(res *Result, op string) {
	if r := recover(); r != nil {
		h.logger.Error().Str("operation", op).Str("panic", fmt.Sprint(r)).Msg("Recovered from panic in operation.")
		*res = Result{Success: false, Error: h.cfg.FallbackMessage}
	}
}

func (h *Helper) audit(op, path string, res Result) {
	if h.auditor == nil {
		return
	}
	h.auditor.Submit(audit.NewRecord(op, path, res.Success, res.Error))
}

func (h *Helper) itemPath(id string) string {
	return h.cfg.Endpoint + "/" + url.PathEscape(id)
}

// Package apiclient is the HTTP boundary of the sync layer: a small JSON REST client
// whose GETs double as the cache Fetcher.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds the configuration for the REST client.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// LoadDefaultConfig returns a config with sensible defaults, overridable via environment variables.
func LoadDefaultConfig() *Config {
	cfg := &Config{
		BaseURL:   "http://localhost:8000/api",
		Timeout:   30 * time.Second,
		UserAgent: "go-apisync",
	}
	if base := os.Getenv("APISYNC_BASE_URL"); base != "" {
		cfg.BaseURL = base
	}
	if timeout := os.Getenv("APISYNC_HTTP_TIMEOUT"); timeout != "" {
		if val, err := time.ParseDuration(timeout); err == nil {
			cfg.Timeout = val
		}
	}
	return cfg
}

// Client issues JSON requests against a REST backend. It does not deduplicate requests;
// the cache store's in-flight fetch is the single place reads are shared.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	logger     zerolog.Logger

	mu          sync.Mutex
	offline     bool
	onReconnect []func()
}

// New creates a new Client. If httpClient is nil, one is created with the configured timeout.
func New(cfg *Config, httpClient *http.Client, logger zerolog.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("apiclient config cannot be nil")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("apiclient base url cannot be empty")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", cfg.BaseURL, err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	logger.Info().Str("base_url", cfg.BaseURL).Msg("API client initialized.")

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:  cfg.UserAgent,
		httpClient: httpClient,
		logger:     logger.With().Str("component", "APIClient").Logger(),
	}, nil
}

// Get fetches path and returns the raw JSON body.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// Post sends body as JSON to path.
func (c *Client) Post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

// Put sends body as JSON to path.
func (c *Client) Put(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPut, path, body)
}

// Delete issues a DELETE against path.
func (c *Client) Delete(ctx context.Context, path string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

// Fetcher returns Get as a plain fetch function, suitable as a cache fetcher.
func (c *Client) Fetcher() func(ctx context.Context, key string) (json.RawMessage, error) {
	return c.Get
}

// OnReconnect registers fn to be called when a request succeeds after a transport failure.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

// Offline reports whether the last request failed at the transport level.
func (c *Client) Offline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offline
}

func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("apiclient: %s %s: encode request: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return nil, fmt.Errorf("apiclient: %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			c.markOffline()
		}
		return nil, fmt.Errorf("apiclient: %s %s: request failed: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.markOnline()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("apiclient: %s %s: read response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := newError(resp.StatusCode, data)
		if resp.StatusCode != http.StatusUnauthorized {
			c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("Request returned non-2xx status.")
		}
		return nil, apiErr
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("apiclient: %s %s: response is not valid JSON", method, path)
	}
	return json.RawMessage(data), nil
}

func (c *Client) url(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

func (c *Client) markOffline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.offline {
		c.logger.Warn().Msg("Backend unreachable, marking client offline.")
	}
	c.offline = true
}

func (c *Client) markOnline() {
	c.mu.Lock()
	if !c.offline {
		c.mu.Unlock()
		return
	}
	c.offline = false
	callbacks := make([]func(), len(c.onReconnect))
	copy(callbacks, c.onReconnect)
	c.mu.Unlock()

	c.logger.Info().Msg("Backend reachable again.")
	for _, fn := range callbacks {
		fn()
	}
}

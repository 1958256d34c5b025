package query

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

// NoKey disables fetching for a query.
const NoKey = ""

// Config holds the engine-wide defaults for every recognized query option.
type Config struct {
	// RevalidateOnFocus refetches when the host reports that the app regained focus.
	RevalidateOnFocus bool `yaml:"revalidate_on_focus"`
	// RevalidateOnReconnect refetches when the backend becomes reachable again.
	RevalidateOnReconnect bool `yaml:"revalidate_on_reconnect"`
	// RevalidateOnMount fetches when a query is created or its key changes.
	RevalidateOnMount bool `yaml:"revalidate_on_mount"`
	// DedupingInterval suppresses a new fetch for a key that settled within the window.
	DedupingInterval time.Duration `yaml:"deduping_interval"`
	// FocusThrottleInterval ignores focus events arriving closer together than this.
	FocusThrottleInterval time.Duration `yaml:"focus_throttle_interval"`
	// RefreshInterval enables polling when positive.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// KeepPreviousData keeps showing the previous key's data until the new key has some.
	KeepPreviousData bool `yaml:"keep_previous_data"`
	// ErrorRetryCount bounds how many times a failed fetch is repeated.
	ErrorRetryCount int `yaml:"error_retry_count"`
	// ErrorRetryInterval is the delay before a retry.
	ErrorRetryInterval time.Duration `yaml:"error_retry_interval"`
	// ExponentialBackoff doubles the retry delay after each failed attempt.
	ExponentialBackoff bool `yaml:"exponential_backoff"`
	// ShouldRetryOnError turns automatic retries on or off.
	ShouldRetryOnError bool `yaml:"should_retry_on_error"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		RevalidateOnFocus:     true,
		RevalidateOnReconnect: true,
		RevalidateOnMount:     true,
		DedupingInterval:      2 * time.Second,
		FocusThrottleInterval: 5 * time.Second,
		ErrorRetryCount:       3,
		ErrorRetryInterval:    5 * time.Second,
		ShouldRetryOnError:    true,
	}
}

// LoadDefaultConfig returns DefaultConfig with environment overrides applied.
func LoadDefaultConfig() *Config {
	cfg := DefaultConfig()
	if v := os.Getenv("APISYNC_DEDUPING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DedupingInterval = d
		}
	}
	if v := os.Getenv("APISYNC_REFRESH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RefreshInterval = d
		}
	}
	if v := os.Getenv("APISYNC_ERROR_RETRY_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ErrorRetryCount = n
		}
	}
	if v := os.Getenv("APISYNC_ERROR_RETRY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ErrorRetryInterval = d
		}
	}
	if v := os.Getenv("APISYNC_REVALIDATE_ON_FOCUS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RevalidateOnFocus = b
		}
	}
	if v := os.Getenv("APISYNC_REVALIDATE_ON_RECONNECT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RevalidateOnReconnect = b
		}
	}
	return &cfg
}

// Options are the effective settings of one query: the engine defaults plus per-call overrides.
type Options struct {
	Config
	OnSuccess   func(key string, data json.RawMessage)
	OnError     func(key string, err error)
	ShouldRetry func(err error) bool
}

// Option overrides a single setting for one query.
type Option func(*Options)

func WithRevalidateOnFocus(enabled bool) Option {
	return func(o *Options) { o.RevalidateOnFocus = enabled }
}

func WithRevalidateOnReconnect(enabled bool) Option {
	return func(o *Options) { o.RevalidateOnReconnect = enabled }
}

func WithRevalidateOnMount(enabled bool) Option {
	return func(o *Options) { o.RevalidateOnMount = enabled }
}

func WithDedupingInterval(d time.Duration) Option {
	return func(o *Options) { o.DedupingInterval = d }
}

// WithRefreshInterval enables polling every d. Zero disables it.
func WithRefreshInterval(d time.Duration) Option {
	return func(o *Options) { o.RefreshInterval = d }
}

func WithKeepPreviousData(enabled bool) Option {
	return func(o *Options) { o.KeepPreviousData = enabled }
}

// WithErrorRetry sets how many retries follow a failed fetch and how long to wait between them.
func WithErrorRetry(count int, interval time.Duration) Option {
	return func(o *Options) {
		o.ErrorRetryCount = count
		o.ErrorRetryInterval = interval
	}
}

func WithExponentialBackoff(enabled bool) Option {
	return func(o *Options) { o.ExponentialBackoff = enabled }
}

// WithShouldRetry replaces the default retryability check.
func WithShouldRetry(fn func(err error) bool) Option {
	return func(o *Options) { o.ShouldRetry = fn }
}

// WithOnSuccess is called once for every successful fetch this query starts.
func WithOnSuccess(fn func(key string, data json.RawMessage)) Option {
	return func(o *Options) { o.OnSuccess = fn }
}

// WithOnError is called once for every failed fetch this query starts, after retries.
func WithOnError(fn func(key string, err error)) Option {
	return func(o *Options) { o.OnError = fn }
}

// Package microservice provides the HTTP server the agent exposes for health checks,
// metrics and cache inspection.
package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/illmade-knight/go-apisync/pkg/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// BaseConfig holds common configuration fields for the service.
type BaseConfig struct {
	LogLevel    string `yaml:"log_level"`
	HTTPPort    string `yaml:"http_port"`
	ServiceName string `yaml:"service_name"`
}

// LoadDefaultBaseConfig returns the default service configuration with env overrides.
func LoadDefaultBaseConfig() *BaseConfig {
	cfg := &BaseConfig{
		LogLevel:    "info",
		HTTPPort:    ":8080",
		ServiceName: "apisync-agent",
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if port := os.Getenv("HTTP_PORT"); port != "" {
		cfg.HTTPPort = port
	}
	return cfg
}

// CacheInspector is the read and invalidate surface of the store.
type CacheInspector interface {
	Snapshot() []cache.Entry
	InvalidatePrefix(prefix string) int
	Clear() int
}

// BaseServer serves /healthz, /metrics and the cache debug endpoints.
type BaseServer struct {
	Logger     zerolog.Logger
	HTTPPort   string
	httpServer *http.Server
	mux        *http.ServeMux
	actualAddr string
	mu         sync.RWMutex
}

// NewBaseServer creates and initializes a new BaseServer. A nil gatherer leaves /metrics
// unregistered and a nil inspector leaves the cache endpoints unregistered.
func NewBaseServer(logger zerolog.Logger, httpPort string, gatherer prometheus.Gatherer, inspector CacheInspector) *BaseServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", HealthzHandler)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s := &BaseServer{
		Logger:   logger.With().Str("component", "BaseServer").Logger(),
		HTTPPort: httpPort,
		mux:      mux,
		httpServer: &http.Server{
			Addr:              httpPort,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	if inspector != nil {
		mux.HandleFunc("/debug/cache", s.cacheHandler(inspector))
		mux.HandleFunc("/debug/cache/invalidate", s.invalidateHandler(inspector))
		mux.HandleFunc("/debug/cache/clear", s.clearHandler(inspector))
	}
	return s
}

// Start initiates the HTTP server in a background goroutine.
func (s *BaseServer) Start() error {
	listener, err := net.Listen("tcp", s.HTTPPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.HTTPPort, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.Logger.Info().Str("address", s.actualAddr).Msg("HTTP server starting to listen.")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error().Err(err).Msg("HTTP server failed.")
		}
	}()
	return nil
}

// Shutdown gracefully stops the HTTP server, respecting the provided context's deadline.
func (s *BaseServer) Shutdown(ctx context.Context) error {
	s.Logger.Info().Msg("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("Error during HTTP server shutdown.")
		return err
	}
	s.Logger.Info().Msg("HTTP server stopped.")
	return nil
}

// GetHTTPPort returns the port the server is listening on.
func (s *BaseServer) GetHTTPPort() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, port, err := net.SplitHostPort(s.actualAddr)
	if err != nil {
		return s.HTTPPort
	}
	return ":" + port
}

// Mux returns the underlying ServeMux.
func (s *BaseServer) Mux() *http.ServeMux {
	return s.mux
}

// HealthzHandler responds to health check probes.
func HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// EntryView is the JSON form of a cache entry on /debug/cache.
type EntryView struct {
	Key         string    `json:"key"`
	FetchedAt   time.Time `json:"fetched_at,omitempty"`
	Stale       bool      `json:"stale"`
	Validating  bool      `json:"validating"`
	Subscribers int       `json:"subscribers"`
	Version     uint64    `json:"version"`
	Bytes       int       `json:"bytes"`
	Error       string    `json:"error,omitempty"`
}

func (s *BaseServer) cacheHandler(inspector CacheInspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		prefix := r.URL.Query().Get("prefix")
		entries := inspector.Snapshot()
		views := make([]EntryView, 0, len(entries))
		for _, e := range entries {
			if prefix != "" && !cache.HasPathPrefix(e.Key, prefix) {
				continue
			}
			view := EntryView{
				Key:         e.Key,
				FetchedAt:   e.FetchedAt,
				Stale:       e.Stale,
				Validating:  e.InFlight != nil,
				Subscribers: e.Subscribers,
				Version:     e.Version,
				Bytes:       len(e.Value),
			}
			if e.Err != nil {
				view.Error = e.Err.Error()
			}
			views = append(views, view)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(views); err != nil {
			s.Logger.Error().Err(err).Msg("Failed to encode cache snapshot.")
		}
	}
}

func (s *BaseServer) invalidateHandler(inspector CacheInspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		prefix := r.URL.Query().Get("prefix")
		if prefix == "" {
			http.Error(w, "prefix is required", http.StatusBadRequest)
			return
		}
		count := inspector.InvalidatePrefix(prefix)
		s.Logger.Info().Str("prefix", prefix).Int("invalidated", count).Msg("Cache invalidated over HTTP.")

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{"invalidated": count})
	}
}

func (s *BaseServer) clearHandler(inspector CacheInspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		count := inspector.Clear()
		s.Logger.Info().Int("removed", count).Msg("Idle cache entries cleared over HTTP.")

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{"removed": count})
	}
}

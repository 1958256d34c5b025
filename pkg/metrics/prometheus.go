package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusConfig holds naming for the exported collectors.
type PrometheusConfig struct {
	Namespace string
	Subsystem string
}

// Prometheus is a Recorder backed by Prometheus counters.
type Prometheus struct {
	events *prometheus.CounterVec
}

// NewPrometheus creates the counters and registers them with the given registerer.
// A nil registerer uses prometheus.DefaultRegisterer.
func NewPrometheus(cfg *PrometheusConfig, reg prometheus.Registerer) (*Prometheus, error) {
	if cfg == nil {
		cfg = &PrometheusConfig{Namespace: "apisync", Subsystem: "cache"}
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "events_total",
		Help:      "Cache and fetch lifecycle events by type.",
	}, []string{"event"})

	if err := reg.Register(events); err != nil {
		return nil, fmt.Errorf("failed to register cache metrics: %w", err)
	}

	return &Prometheus{events: events}, nil
}

func (p *Prometheus) Hit()          { p.events.WithLabelValues("hit").Inc() }
func (p *Prometheus) Miss()         { p.events.WithLabelValues("miss").Inc() }
func (p *Prometheus) Dedup()        { p.events.WithLabelValues("dedup").Inc() }
func (p *Prometheus) Fetch()        { p.events.WithLabelValues("fetch").Inc() }
func (p *Prometheus) Retry()        { p.events.WithLabelValues("retry").Inc() }
func (p *Prometheus) Error()        { p.events.WithLabelValues("error").Inc() }
func (p *Prometheus) Eviction()     { p.events.WithLabelValues("eviction").Inc() }
func (p *Prometheus) Invalidation() { p.events.WithLabelValues("invalidation").Inc() }

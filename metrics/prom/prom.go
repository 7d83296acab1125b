// Package prom implements a Prometheus backend for the metrics package.
//
// Collectors are registered on a caller-supplied registry so they can be
// exposed by an existing scrape handler. When a Pushgateway URL is
// configured, Flush pushes the registry to it, which suits short-lived
// processes such as Lambda functions.
package prom

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/jacentio/doctable/metrics"
)

// Config holds Prometheus backend configuration.
type Config struct {
	// Registry receives the collectors. A new registry is created when nil.
	Registry *prometheus.Registry

	// GatewayURL is the Pushgateway base URL. Flush is a no-op when empty.
	GatewayURL string

	// Job is the Pushgateway job name. Defaults to "doctable".
	Job string

	// Buckets for the duration histogram. Defaults to prometheus.DefBuckets.
	Buckets []float64
}

// Backend is a Prometheus implementation of metrics.Backend.
type Backend struct {
	reg        *prometheus.Registry
	gatewayURL string
	job        string

	requests *prometheus.CounterVec   // doctable_bulk_requests_total
	dropped  *prometheus.CounterVec   // doctable_bulk_dropped_total
	waves    *prometheus.HistogramVec // doctable_bulk_waves
	duration *prometheus.HistogramVec // doctable_bulk_duration_seconds
}

// NewBackend creates and registers the collectors.
func NewBackend(cfg Config) (*Backend, error) {
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.Job == "" {
		cfg.Job = "doctable"
	}
	if len(cfg.Buckets) == 0 {
		cfg.Buckets = prometheus.DefBuckets
	}

	b := &Backend{
		reg:        cfg.Registry,
		gatewayURL: cfg.GatewayURL,
		job:        cfg.Job,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.BulkRequests,
			Help: "Entries submitted to bulk writes, by table, operation and outcome.",
		}, []string{"table", "op", "status"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.BulkDropped,
			Help: "Entries rejected by the store and dropped from bulk writes.",
		}, []string{"table", "op"}),
		waves: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metrics.BulkWaves,
			Help:    "Submissions needed to complete a bulk write.",
			Buckets: []float64{1, 2, 3, 5, 10, 25, 50, 100},
		}, []string{"table", "op"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metrics.BulkDuration,
			Help:    "Duration of bulk writes in seconds.",
			Buckets: cfg.Buckets,
		}, []string{"table", "op", "status"}),
	}

	for _, c := range []prometheus.Collector{b.requests, b.dropped, b.waves, b.duration} {
		if err := b.reg.Register(c); err != nil {
			return nil, fmt.Errorf("prom: register collector: %w", err)
		}
	}
	return b, nil
}

// Registry returns the registry holding the collectors.
func (b *Backend) Registry() *prometheus.Registry {
	return b.reg
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case metrics.BulkRequests:
		b.requests.WithLabelValues(labels["table"], labels["op"], labels["status"]).Add(delta)
	case metrics.BulkDropped:
		b.dropped.WithLabelValues(labels["table"], labels["op"]).Add(delta)
	}
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	switch name {
	case metrics.BulkWaves:
		b.waves.WithLabelValues(labels["table"], labels["op"]).Observe(value)
	case metrics.BulkDuration:
		b.duration.WithLabelValues(labels["table"], labels["op"], labels["status"]).Observe(value)
	}
}

// Flush pushes the registry to the Pushgateway, if one is configured.
func (b *Backend) Flush() error {
	if b.gatewayURL == "" {
		return nil
	}
	if err := push.New(b.gatewayURL, b.job).Gatherer(b.reg).Push(); err != nil {
		return fmt.Errorf("prom: push to %s: %w", b.gatewayURL, err)
	}
	return nil
}

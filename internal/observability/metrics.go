// Package observability provides Prometheus metrics for the worker engine.
// Exposing the registry over HTTP belongs to the embedding application; this
// package only maintains the instruments.
package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quietobserver/quietobserver-go/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry *prometheus.Registry
	Workers  *metrics.WorkerMetrics
}

// NewMetrics creates a new instance of Metrics, initializing all metric
// collectors against a private registry.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	workerMetrics, err := metrics.NewWorkerMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker metrics: %w", err)
	}

	return &Metrics{
		registry: registry,
		Workers:  workerMetrics,
	}, nil
}

// Registry returns the Prometheus registry holding all collectors, for the
// embedding application to expose.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

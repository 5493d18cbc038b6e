// Package metrics provides custom Prometheus metrics for the worker engine.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// WorkerMetrics contains all Prometheus metrics related to the capture and
// inference workers.
type WorkerMetrics struct {
	TickTotal           *prometheus.CounterVec
	TickErrors          *prometheus.CounterVec
	FramesPersisted     *prometheus.CounterVec
	DetectionsPersisted *prometheus.CounterVec
	GrabFailures        *prometheus.CounterVec
	ResolveFailures     *prometheus.CounterVec
	ModelLoadTotal      prometheus.Counter
	ModelLoadErrors     prometheus.Counter
	InferenceDuration   prometheus.Histogram
	ActiveWorkers       *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewWorkerMetrics creates a new instance of WorkerMetrics registered
// against the given registry.
func NewWorkerMetrics(registry *prometheus.Registry) (*WorkerMetrics, error) {
	m := &WorkerMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register worker metrics: %w", err)
	}
	return m, nil
}

func (m *WorkerMetrics) initMetrics() {
	m.TickTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observer_worker_ticks_total",
			Help: "Total worker loop ticks partitioned by worker kind.",
		},
		[]string{"kind"},
	)
	m.TickErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observer_worker_tick_errors_total",
			Help: "Total worker ticks that logged an error and continued.",
		},
		[]string{"kind"},
	)
	m.FramesPersisted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observer_frames_persisted_total",
			Help: "Total frames durably stored, partitioned by frame source.",
		},
		[]string{"source"},
	)
	m.DetectionsPersisted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observer_detections_persisted_total",
			Help: "Total detection rows persisted alongside sampled frames.",
		},
		[]string{"class"},
	)
	m.GrabFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observer_frame_grab_failures_total",
			Help: "Total failed frame grabs, partitioned by worker kind.",
		},
		[]string{"kind"},
	)
	m.ResolveFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observer_stream_resolve_failures_total",
			Help: "Total failed stream resolutions, partitioned by worker kind.",
		},
		[]string{"kind"},
	)
	m.ModelLoadTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "observer_model_loads_total",
			Help: "Total successful detection model loads.",
		},
	)
	m.ModelLoadErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "observer_model_load_errors_total",
			Help: "Total failed detection model loads.",
		},
	)
	m.InferenceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "observer_inference_duration_seconds",
			Help:    "Time taken to run one detection pass over a frame.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)
	m.ActiveWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "observer_active_workers",
			Help: "Currently running worker loops, partitioned by worker kind.",
		},
		[]string{"kind"},
	)
}

// Describe implements the prometheus.Collector interface.
func (m *WorkerMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.TickTotal.Describe(ch)
	m.TickErrors.Describe(ch)
	m.FramesPersisted.Describe(ch)
	m.DetectionsPersisted.Describe(ch)
	m.GrabFailures.Describe(ch)
	m.ResolveFailures.Describe(ch)
	m.ModelLoadTotal.Describe(ch)
	m.ModelLoadErrors.Describe(ch)
	m.InferenceDuration.Describe(ch)
	m.ActiveWorkers.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *WorkerMetrics) Collect(ch chan<- prometheus.Metric) {
	m.TickTotal.Collect(ch)
	m.TickErrors.Collect(ch)
	m.FramesPersisted.Collect(ch)
	m.DetectionsPersisted.Collect(ch)
	m.GrabFailures.Collect(ch)
	m.ResolveFailures.Collect(ch)
	m.ModelLoadTotal.Collect(ch)
	m.ModelLoadErrors.Collect(ch)
	m.InferenceDuration.Collect(ch)
	m.ActiveWorkers.Collect(ch)
}

package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/terrane-io/terrane/pkg/engine"
)

// Metrics provides Prometheus metrics for Terrane. It implements
// engine.MetricsSink; a disabled Metrics is a no-op sink.
type Metrics struct {
	config MetricsConfig

	operationsApplied *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationRetries  *prometheus.CounterVec

	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	resourcesManaged prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		operationsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_applied_total",
				Help:      "Total operations executed, by kind and terminal status",
			},
			[]string{"kind", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of operation execution in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		operationRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operation_retries_total",
				Help:      "Total operation retry attempts",
			},
			[]string{"kind"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total apply runs completed, by status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of apply runs in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"status"},
		),
		resourcesManaged: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources_managed",
				Help:      "Current number of resources in the state store",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.operationsApplied,
		m.operationDuration,
		m.operationRetries,
		m.runsCompleted,
		m.runDuration,
		m.resourcesManaged,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// OperationApplied records a finished operation. Part of engine.MetricsSink.
func (m *Metrics) OperationApplied(kind engine.OperationKind, status engine.OperationStatus, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.operationsApplied.WithLabelValues(string(kind), string(status)).Inc()
	m.operationDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

// OperationRetried records one retry attempt. Part of engine.MetricsSink.
func (m *Metrics) OperationRetried(kind engine.OperationKind) {
	if m.registry == nil {
		return
	}
	m.operationRetries.WithLabelValues(string(kind)).Inc()
}

// RunCompleted records a finished run. Part of engine.MetricsSink.
func (m *Metrics) RunCompleted(status engine.RunStatus, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(string(status)).Inc()
	m.runDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

// SetResourcesManaged updates the managed-resource gauge.
func (m *Metrics) SetResourcesManaged(n int) {
	if m.registry == nil {
		return
	}
	m.resourcesManaged.Set(float64(n))
}

// Handler returns the /metrics HTTP handler, or nil when disabled.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts the metrics HTTP endpoint. It blocks until the server
// fails, so callers run it in a goroutine.
func (m *Metrics) Serve() error {
	if m.registry == nil {
		return nil
	}
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	return http.ListenAndServe(m.config.ListenAddress, mux)
}

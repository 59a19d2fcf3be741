// Package metrics provides Prometheus metrics for geosync.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every geosync collector. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Sync metrics
	SourceOutcomes *prometheus.CounterVec
	SyncDuration   prometheus.Histogram
	SyncsInFlight  prometheus.Gauge

	// Fetch metrics
	FetchBytes    *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec

	// Ingest metrics
	IngestRuns      *prometheus.CounterVec
	IngestDuration  *prometheus.HistogramVec
	RowsIngested    *prometheus.CounterVec
	InvalidGeometry *prometheus.CounterVec
	LayerFeatures   *prometheus.GaugeVec

	// Maintenance metrics
	StagingReaped prometheus.Counter
	RunsAbandoned prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "geosync"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SourceOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_outcomes_total",
				Help:      "Sync outcomes per source and status",
			},
			[]string{"source", "status"},
		),
		SyncDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_duration_seconds",
				Help:      "Duration of one orchestrator invocation",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
			},
		),
		SyncsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "syncs_in_flight",
				Help:      "Orchestrator invocations currently running",
			},
		),
		FetchBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_bytes_total",
				Help:      "Bytes downloaded per source",
			},
			[]string{"source"},
		),
		FetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Time to download and hash a source",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
			},
			[]string{"source"},
		),
		IngestRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_runs_total",
				Help:      "Finished ingestion runs per layer and status",
			},
			[]string{"layer", "status"},
		),
		IngestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingest_duration_seconds",
				Help:      "Time from staging to layer replace",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~30m
			},
			[]string{"layer"},
		),
		RowsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_ingested_total",
				Help:      "Features written per layer",
			},
			[]string{"layer"},
		),
		InvalidGeometry: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invalid_geometries_total",
				Help:      "Invalid geometries seen per layer, before and after repair",
			},
			[]string{"layer", "phase"},
		),
		LayerFeatures: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "layer_features",
				Help:      "Feature count of each layer after its last successful run",
			},
			[]string{"layer"},
		),
		StagingReaped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "staging_reaped_total",
				Help:      "Orphaned staging relations dropped by the reaper",
			},
		),
		RunsAbandoned: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_abandoned_total",
				Help:      "Runs marked failed after exceeding the stale run age",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the registry for tests and embedding.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// RecordOutcome counts one per-source sync outcome.
func (m *Metrics) RecordOutcome(source, status string) {
	if m == nil {
		return
	}
	m.SourceOutcomes.WithLabelValues(source, status).Inc()
}

// ObserveSync records an orchestrator invocation.
func (m *Metrics) ObserveSync(d time.Duration) {
	if m == nil {
		return
	}
	m.SyncDuration.Observe(d.Seconds())
}

// SyncStarted and SyncFinished track in-flight invocations.
func (m *Metrics) SyncStarted() {
	if m == nil {
		return
	}
	m.SyncsInFlight.Inc()
}

func (m *Metrics) SyncFinished() {
	if m == nil {
		return
	}
	m.SyncsInFlight.Dec()
}

// ObserveFetch records a completed download.
func (m *Metrics) ObserveFetch(source string, bytes int64, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchBytes.WithLabelValues(source).Add(float64(bytes))
	m.FetchDuration.WithLabelValues(source).Observe(d.Seconds())
}

// ObserveIngest records a finished ingestion run.
func (m *Metrics) ObserveIngest(layer, status string, rows, invalidBefore, invalidAfter int64, d time.Duration) {
	if m == nil {
		return
	}
	m.IngestRuns.WithLabelValues(layer, status).Inc()
	m.IngestDuration.WithLabelValues(layer).Observe(d.Seconds())
	m.InvalidGeometry.WithLabelValues(layer, "before_fix").Add(float64(invalidBefore))
	m.InvalidGeometry.WithLabelValues(layer, "after_fix").Add(float64(invalidAfter))
	if status == "succeeded" {
		m.RowsIngested.WithLabelValues(layer).Add(float64(rows))
		m.LayerFeatures.WithLabelValues(layer).Set(float64(rows))
	}
}

// AddReaped counts dropped staging relations and failed stale runs.
func (m *Metrics) AddReaped(staging, runs int64) {
	if m == nil {
		return
	}
	m.StagingReaped.Add(float64(staging))
	m.RunsAbandoned.Add(float64(runs))
}

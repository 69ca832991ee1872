// Package metrics exposes Prometheus instrumentation for the ingestion
// pipeline. All recording methods are safe to call when metrics are
// disabled; they simply no-op.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	enabled  bool
	registry *prometheus.Registry

	filesDiscovered    prometheus.Counter
	filesSkipped       prometheus.Counter
	extractions        *prometheus.CounterVec
	extractionDuration prometheus.Histogram
	batchCommits       *prometheus.CounterVec
	commitDuration     prometheus.Histogram
	rowsLoaded         prometheus.Counter
	pendingFiles       prometheus.Gauge
	inFlightFiles      prometheus.Gauge
}

// New builds the collector set. When enabled is false the returned Metrics
// records nothing and serves nothing.
func New(enabled bool) *Metrics {
	m := &Metrics{enabled: enabled}
	if !enabled {
		return m
	}

	m.registry = prometheus.NewRegistry()
	factory := func(opts prometheus.CounterOpts) prometheus.Counter {
		c := prometheus.NewCounter(opts)
		m.registry.MustRegister(c)
		return c
	}

	m.filesDiscovered = factory(prometheus.CounterOpts{
		Name: "ingest_files_discovered_total",
		Help: "Raw files observed during discovery, before checkpoint filtering.",
	})
	m.filesSkipped = factory(prometheus.CounterOpts{
		Name: "ingest_files_skipped_total",
		Help: "Discovered files skipped because their key was already checkpointed.",
	})
	m.rowsLoaded = factory(prometheus.CounterOpts{
		Name: "ingest_rows_loaded_total",
		Help: "Data rows committed to target tables.",
	})

	m.extractions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_extractions_total",
		Help: "Extraction tasks by outcome.",
	}, []string{"status"})
	m.batchCommits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_batch_commits_total",
		Help: "Ledger batch commits by outcome.",
	}, []string{"status"})
	m.registry.MustRegister(m.extractions, m.batchCommits)

	m.extractionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_extraction_duration_seconds",
		Help:    "Wall time per extraction task.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	m.commitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_commit_duration_seconds",
		Help:    "Wall time per batch commit transaction.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	m.registry.MustRegister(m.extractionDuration, m.commitDuration)

	m.pendingFiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_pending_files",
		Help: "Files queued for extraction.",
	})
	m.inFlightFiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_in_flight_files",
		Help: "Files currently held by workers.",
	})
	m.registry.MustRegister(m.pendingFiles, m.inFlightFiles)

	return m
}

// Serve starts the metrics HTTP listener in the background. Listener errors
// are logged, not fatal; the pipeline runs fine without scrapes.
func (m *Metrics) Serve(addr string, logger *zap.Logger) {
	if !m.enabled || addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	go func() {
		logger.Info("metrics listener started", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn("metrics listener stopped", zap.Error(err))
		}
	}()
}

func (m *Metrics) FilesDiscovered(n int) {
	if m.enabled {
		m.filesDiscovered.Add(float64(n))
	}
}

func (m *Metrics) FilesSkipped(n int) {
	if m.enabled {
		m.filesSkipped.Add(float64(n))
	}
}

func (m *Metrics) ExtractionFinished(err error, d time.Duration) {
	if !m.enabled {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.extractions.WithLabelValues(status).Inc()
	m.extractionDuration.Observe(d.Seconds())
}

func (m *Metrics) BatchCommitted(files int, rows int64, err error, d time.Duration) {
	if !m.enabled {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.batchCommits.WithLabelValues(status).Inc()
	m.commitDuration.Observe(d.Seconds())
	if err == nil {
		m.rowsLoaded.Add(float64(rows))
	}
}

func (m *Metrics) SetPending(n int) {
	if m.enabled {
		m.pendingFiles.Set(float64(n))
	}
}

func (m *Metrics) SetInFlight(n int) {
	if m.enabled {
		m.inFlightFiles.Set(float64(n))
	}
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wenhao-zhang/campus-rag/internal/core/domain"
)

// Collector aggregates query and ingestion metrics for one service instance.
type Collector struct {
	registry *prometheus.Registry
	service  string

	queryTotal    *prometheus.CounterVec
	queryDuration prometheus.Histogram
	queryErrors   prometheus.Counter
	streamTotal   prometheus.Counter

	ingestTotal    *prometheus.CounterVec
	ingestDuration *prometheus.HistogramVec
	ingestInFlight prometheus.Gauge
}

func NewCollector(service string) *Collector {
	registry := prometheus.NewRegistry()

	queryTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "campusqa",
			Subsystem: "query",
			Name:      "total",
			Help:      "Total handled queries by cache outcome.",
		},
		[]string{"service", "cached"},
	)
	queryDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   "campusqa",
			Subsystem:   "query",
			Name:        "duration_seconds",
			Help:        "Query latency in seconds.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: prometheus.Labels{"service": service},
		},
	)
	queryErrors := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   "campusqa",
			Subsystem:   "query",
			Name:        "errors_total",
			Help:        "Total failed queries.",
			ConstLabels: prometheus.Labels{"service": service},
		},
	)
	streamTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   "campusqa",
			Subsystem:   "query",
			Name:        "stream_total",
			Help:        "Total streaming queries.",
			ConstLabels: prometheus.Labels{"service": service},
		},
	)
	ingestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "campusqa",
			Subsystem: "ingest",
			Name:      "jobs_total",
			Help:      "Total ingestion jobs by terminal status.",
		},
		[]string{"service", "status"},
	)
	ingestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "campusqa",
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "Ingestion job duration in seconds by terminal status.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"service", "status"},
	)
	ingestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   "campusqa",
			Subsystem:   "ingest",
			Name:        "in_flight",
			Help:        "Number of in-flight ingestion jobs.",
			ConstLabels: prometheus.Labels{"service": service},
		},
	)

	registry.MustRegister(queryTotal, queryDuration, queryErrors, streamTotal, ingestTotal, ingestDuration, ingestInFlight)

	return &Collector{
		registry:       registry,
		service:        service,
		queryTotal:     queryTotal,
		queryDuration:  queryDuration,
		queryErrors:    queryErrors,
		streamTotal:    streamTotal,
		ingestTotal:    ingestTotal,
		ingestDuration: ingestDuration,
		ingestInFlight: ingestInFlight,
	}
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordQuery(latency time.Duration, cached bool) {
	cachedLabel := "false"
	if cached {
		cachedLabel = "true"
	}
	c.queryTotal.WithLabelValues(c.service, cachedLabel).Inc()
	c.queryDuration.Observe(latency.Seconds())
}

func (c *Collector) RecordQueryError() {
	c.queryErrors.Inc()
}

func (c *Collector) RecordStream(latency time.Duration) {
	c.streamTotal.Inc()
	c.queryDuration.Observe(latency.Seconds())
}

func (c *Collector) IngestStarted() {
	c.ingestInFlight.Inc()
}

func (c *Collector) IngestFinished(status domain.IngestStatus, duration time.Duration) {
	c.ingestInFlight.Dec()
	c.ingestTotal.WithLabelValues(c.service, string(status)).Inc()
	c.ingestDuration.WithLabelValues(c.service, string(status)).Observe(duration.Seconds())
}

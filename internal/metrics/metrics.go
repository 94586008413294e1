// Package metrics records pull metrics for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meigma/imgpull/download"
)

const (
	namespace = "imgpull"
	subsystem = "download"
)

// Metric names, without namespace and subsystem.
const (
	BlobsKey        = "blobs_total"
	BytesKey        = "bytes_total"
	InFlightKey     = "in_flight"
	BlobDurationKey = "blob_duration_seconds"
	SessionsKey     = "sessions_total"
)

const (
	outcomeLabel = "outcome"
	resultLabel  = "result"
)

// Buckets for blob durations, in seconds.
var durationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// Collector implements download.Observer on a private registry.
type Collector struct {
	registry *prometheus.Registry

	blobs    *prometheus.CounterVec
	bytes    prometheus.Counter
	inFlight prometheus.Gauge
	duration *prometheus.HistogramVec
	sessions *prometheus.CounterVec
}

var _ download.Observer = (*Collector)(nil)

// New creates a Collector. Go runtime and process collectors are
// registered alongside the pull metrics.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		blobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      BlobsKey,
			Help:      "Blobs handled by the download manager. Broken down by outcome.",
		}, []string{outcomeLabel}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      BytesKey,
			Help:      "Bytes received from registries.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      InFlightKey,
			Help:      "Blobs currently claimed by a worker.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      BlobDurationKey,
			Help:      "Time spent transferring a blob. Cache hits are not observed.",
			Buckets:   durationBuckets,
		}, []string{outcomeLabel}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      SessionsKey,
			Help:      "Completed pull sessions. Broken down by result.",
		}, []string{resultLabel}),
	}
	c.registry.MustRegister(
		c.blobs, c.bytes, c.inFlight, c.duration, c.sessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry holding every metric.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// BlobStarted implements download.Observer.
func (c *Collector) BlobStarted() {
	c.inFlight.Inc()
}

// BlobFinished implements download.Observer.
func (c *Collector) BlobFinished(outcome download.Outcome, bytes int64, elapsed time.Duration) {
	c.inFlight.Dec()
	c.blobs.WithLabelValues(string(outcome)).Inc()
	if bytes > 0 {
		c.bytes.Add(float64(bytes))
	}
	if outcome != download.OutcomeSkipped {
		c.duration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
	}
}

// SessionFinished implements download.Observer.
func (c *Collector) SessionFinished(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.sessions.WithLabelValues(result).Inc()
}

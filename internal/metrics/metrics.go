// Package metrics exposes node metrics in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mirrornode/edgenode/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a registry and the node's collectors
type Metrics struct {
	registry *prometheus.Registry

	servedHits  prometheus.Counter
	servedBytes prometheus.Counter

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	keepaliveTotal *prometheus.CounterVec
	restartsTotal  prometheus.Counter

	channelState      prometheus.Gauge
	registrationState prometheus.Gauge

	syncFilesTotal prometheus.Counter
	syncBytesTotal prometheus.Counter
	gcRunsTotal    prometheus.Counter
	indexedFiles   prometheus.Gauge
}

// New creates a Metrics with its own registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		servedHits: f.NewCounter(prometheus.CounterOpts{
			Name: "edgenode_served_hits_total",
			Help: "Total content deliveries",
		}),
		servedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "edgenode_served_bytes_total",
			Help: "Total content bytes delivered",
		}),

		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgenode_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgenode_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),

		keepaliveTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgenode_keepalive_total",
			Help: "Keepalive cycles by result",
		}, []string{"result"}),
		restartsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "edgenode_restarts_total",
			Help: "Registration restarts triggered by the keepalive loop",
		}),

		channelState: f.NewGauge(prometheus.GaugeOpts{
			Name: "edgenode_channel_state",
			Help: "Control channel state (0 disconnected, 1 connecting, 2 connected)",
		}),
		registrationState: f.NewGauge(prometheus.GaugeOpts{
			Name: "edgenode_registration_state",
			Help: "Registration state (0 disabled, 1 enabling, 2 enabled)",
		}),

		syncFilesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "edgenode_sync_files_total",
			Help: "Files downloaded during synchronization",
		}),
		syncBytesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "edgenode_sync_bytes_total",
			Help: "Bytes downloaded during synchronization",
		}),
		gcRunsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "edgenode_gc_runs_total",
			Help: "Garbage collection passes",
		}),
		indexedFiles: f.NewGauge(prometheus.GaugeOpts{
			Name: "edgenode_indexed_files",
			Help: "Files in the authoritative index",
		}),
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordKeepalive records one keepalive outcome: ok, error or kicked
func (m *Metrics) RecordKeepalive(result string) {
	m.keepaliveTotal.WithLabelValues(result).Inc()
}

// RecordRestart records a restart attempt
func (m *Metrics) RecordRestart() {
	m.restartsTotal.Inc()
}

// SetChannelState records the control channel state
func (m *Metrics) SetChannelState(v int) {
	m.channelState.Set(float64(v))
}

// SetRegistrationState records the registration state
func (m *Metrics) SetRegistrationState(v int) {
	m.registrationState.Set(float64(v))
}

// RecordSync records downloaded content
func (m *Metrics) RecordSync(files int, bytes int64) {
	m.syncFilesTotal.Add(float64(files))
	m.syncBytesTotal.Add(float64(bytes))
}

// RecordGC records a garbage collection pass
func (m *Metrics) RecordGC() {
	m.gcRunsTotal.Inc()
}

// SetIndexedFiles records the size of the served file index
func (m *Metrics) SetIndexedFiles(n int) {
	m.indexedFiles.Set(float64(n))
}

// Delivery adds to both the keepalive counters and the exported totals
type Delivery struct {
	counters *models.Counters
	metrics  *Metrics
}

// Delivery returns an accountant feeding counters and m
func (m *Metrics) Delivery(counters *models.Counters) *Delivery {
	return &Delivery{counters: counters, metrics: m}
}

// Add records delivered content
func (d *Delivery) Add(hits, bytes int64) {
	d.counters.Add(hits, bytes)
	if d.metrics != nil {
		d.metrics.servedHits.Add(float64(hits))
		d.metrics.servedBytes.Add(float64(bytes))
	}
}

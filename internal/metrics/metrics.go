// Package metrics exposes Prometheus instrumentation for the request
// pipeline, cache store, admission layer, and usage flush worker. Collector
// owns every metric on one struct, under a single namespace/subsystem
// prefix, with a fasthttp-adapted ServeHTTP for the metrics listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Collector owns every metric mediaproxy exports.
type Collector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	cacheHitsTotal   *prometheus.CounterVec
	cacheMissesTotal *prometheus.CounterVec
	bytesServedTotal *prometheus.CounterVec

	admissionBlockedTotal *prometheus.CounterVec
	originErrorsTotal     *prometheus.CounterVec
	originFetchDuration   *prometheus.HistogramVec

	usageFlushFailuresTotal prometheus.Counter
	usageFlushDuration      prometheus.Histogram

	activeRequests prometheus.Gauge

	httpHandler fasthttp.RequestHandler
}

// New constructs a Collector registered against the default Prometheus
// registry under namespace.
func New(namespace string) *Collector {
	return NewWithRegistry(namespace, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewWithRegistry constructs a Collector against a custom registry, used by
// tests that need an isolated registry per case.
func NewWithRegistry(namespace string, registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Collector {
	c := &Collector{}

	c.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Total number of proxied requests by host and outcome status.",
	}, []string{"host", "status", "class"})

	c.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "request_duration_seconds",
		Help:      "Time to serve a proxied request, from admission through response completion.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"host", "status"})

	c.cacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total number of cache hits.",
	}, []string{"host"})

	c.cacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total number of cache misses.",
	}, []string{"host"})

	c.bytesServedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "bytes_served_total",
		Help:      "Total response bytes served to clients.",
	}, []string{"host"})

	c.admissionBlockedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "blocked_total",
		Help:      "Total number of requests rejected by origin admission.",
	}, []string{"host", "reason"})

	c.originErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "origin",
		Name:      "errors_total",
		Help:      "Total number of origin fetch errors by kind.",
	}, []string{"host", "kind"})

	c.originFetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "origin",
		Name:      "fetch_duration_seconds",
		Help:      "Time spent fetching from the origin, including redirect hops.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"host"})

	c.usageFlushFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "usage",
		Name:      "flush_failures_total",
		Help:      "Total number of usage-aggregator flush cycles that failed.",
	})

	c.usageFlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "usage",
		Name:      "flush_duration_seconds",
		Help:      "Time taken by each usage-aggregator flush cycle.",
		Buckets:   prometheus.DefBuckets,
	})

	c.activeRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "active_requests",
		Help:      "Number of requests currently being served.",
	})

	registerer.MustRegister(
		c.requestsTotal, c.requestDuration,
		c.cacheHitsTotal, c.cacheMissesTotal, c.bytesServedTotal,
		c.admissionBlockedTotal, c.originErrorsTotal, c.originFetchDuration,
		c.usageFlushFailuresTotal, c.usageFlushDuration,
		c.activeRequests,
	)

	c.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return c
}

func (c *Collector) RecordRequest(host, status, class string, durationSeconds float64) {
	c.requestsTotal.WithLabelValues(host, status, class).Inc()
	c.requestDuration.WithLabelValues(host, status).Observe(durationSeconds)
}

func (c *Collector) RecordCacheHit(host string)  { c.cacheHitsTotal.WithLabelValues(host).Inc() }
func (c *Collector) RecordCacheMiss(host string) { c.cacheMissesTotal.WithLabelValues(host).Inc() }

func (c *Collector) RecordBytesServed(host string, n int64) {
	c.bytesServedTotal.WithLabelValues(host).Add(float64(n))
}

func (c *Collector) RecordAdmissionBlocked(host, reason string) {
	c.admissionBlockedTotal.WithLabelValues(host, reason).Inc()
}

func (c *Collector) RecordOriginError(host, kind string) {
	c.originErrorsTotal.WithLabelValues(host, kind).Inc()
}

func (c *Collector) RecordOriginFetchDuration(host string, durationSeconds float64) {
	c.originFetchDuration.WithLabelValues(host).Observe(durationSeconds)
}

func (c *Collector) RecordUsageFlushFailure()               { c.usageFlushFailuresTotal.Inc() }
func (c *Collector) RecordUsageFlushDuration(seconds float64) { c.usageFlushDuration.Observe(seconds) }

func (c *Collector) IncActiveRequests() { c.activeRequests.Inc() }
func (c *Collector) DecActiveRequests() { c.activeRequests.Dec() }

// ServeHTTP satisfies internal/metricsserver.MetricsHandler.
func (c *Collector) ServeHTTP(ctx *fasthttp.RequestCtx) {
	c.httpHandler(ctx)
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewWithRegistry("mediaproxy_test", reg, reg)
}

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	m := <-ch
	var pb dto.Metric
	require.NoError(t, m.Write(&pb))
	if pb.Counter != nil {
		return pb.Counter.GetValue()
	}
	return pb.Gauge.GetValue()
}

func TestRecordRequestIncrementsCounterAndHistogram(t *testing.T) {
	c := newTestCollector(t)
	c.RecordRequest("example.com", "200", "image", 0.05)

	v := counterValue(t, c.requestsTotal.WithLabelValues("example.com", "200", "image"))
	require.Equal(t, float64(1), v)
}

func TestRecordCacheHitAndMiss(t *testing.T) {
	c := newTestCollector(t)
	c.RecordCacheHit("a.com")
	c.RecordCacheMiss("a.com")

	require.Equal(t, float64(1), counterValue(t, c.cacheHitsTotal.WithLabelValues("a.com")))
	require.Equal(t, float64(1), counterValue(t, c.cacheMissesTotal.WithLabelValues("a.com")))
}

func TestActiveRequestsGauge(t *testing.T) {
	c := newTestCollector(t)
	c.IncActiveRequests()
	c.IncActiveRequests()
	c.DecActiveRequests()

	require.Equal(t, float64(1), counterValue(t, c.activeRequests))
}

func TestServeHTTPRespondsWithMetrics(t *testing.T) {
	c := newTestCollector(t)
	c.RecordCacheHit("a.com")

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/metrics")
	c.ServeHTTP(ctx)

	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
}

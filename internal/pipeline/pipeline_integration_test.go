package pipeline_test

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/engine/internal/admission"
	"github.com/edgecomet/engine/internal/fingerprint"
	"github.com/edgecomet/engine/internal/objectstore"
	"github.com/edgecomet/engine/internal/originfetch"
	"github.com/edgecomet/engine/internal/pipeline"
	"github.com/edgecomet/engine/internal/usage"
	"github.com/edgecomet/engine/pkg/types"
)

type recordingMetrics struct {
	hits, misses int
}

func (r *recordingMetrics) RecordRequest(string, string, string, float64) {}
func (r *recordingMetrics) RecordCacheHit(string)                         { r.hits++ }
func (r *recordingMetrics) RecordCacheMiss(string)                        { r.misses++ }
func (r *recordingMetrics) RecordBytesServed(string, int64)               {}
func (r *recordingMetrics) RecordAdmissionBlocked(string, string)         {}
func (r *recordingMetrics) RecordOriginError(string, string)              {}
func (r *recordingMetrics) RecordOriginFetchDuration(string, float64)     {}
func (r *recordingMetrics) IncActiveRequests()                            {}
func (r *recordingMetrics) DecActiveRequests()                            {}

type stubFlusher struct{}

func (stubFlusher) Flush(_ context.Context, _ []types.UsageSnapshot) error { return nil }

// dialToAddr redirects dials for the given hostnames to in-process httptest
// listener addresses, so the suite can exercise domain-validity-passing
// hostnames without any real DNS or network access.
func dialToAddr(byHost map[string]string) func(ctx context.Context, network, address string) (net.Conn, error) {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			host = address
		}
		target, ok := byHost[strings.ToLower(host)]
		if !ok {
			return nil, fmt.Errorf("dialToAddr: no mapping for host %q", host)
		}
		return (&net.Dialer{}).DialContext(ctx, network, target)
	}
}

// requestTo builds a GET /<host>/<path...> request the way a real client
// would address this proxy — the origin host lives in the path, not in a
// query parameter.
func requestTo(hostAndPath string, extra ...string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	uri := "/" + hostAndPath
	if len(extra) > 0 {
		uri += "?" + strings.Join(extra, "&")
	}
	ctx.Request.SetRequestURI(uri)
	return ctx
}

var _ = Describe("Request Pipeline", func() {
	const originHost = "media.example.com"

	var (
		origin   *httptest.Server
		requests int
		p        *pipeline.Pipeline
		store    objectstore.Store
		metrics  *recordingMetrics
	)

	BeforeEach(func() {
		requests = 0
		origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests++
			w.Header().Set("Content-Type", "image/jpeg")
			w.Write([]byte("jpegbytes"))
		}))

		store = objectstore.NewMemStore(zap.NewNop())
		admitter := admission.New(admission.Config{Mode: types.AdmissionOpen})
		dial := dialToAddr(map[string]string{originHost: origin.Listener.Addr().String()})
		fetcher := originfetch.New(admitter, zap.NewNop(), originfetch.WithDialFunc(dial))
		aggregator := usage.New(stubFlusher{}, time.Hour, zap.NewNop())
		metrics = &recordingMetrics{}

		p = pipeline.New(
			fingerprint.NewValidator(),
			admitter,
			store,
			fetcher,
			aggregator,
			nil,
			metrics,
			zap.NewNop(),
			pipeline.Config{MaxObjectSizeBytes: 10 << 20, PrefetchSubranges: 4, Debug: true},
		)
	})

	AfterEach(func() {
		origin.Close()
	})

	It("fetches from origin on the first request and serves from cache on the second", func() {
		first := requestTo(originHost + "/clip.jpg")
		p.Dispatch(first, zap.NewNop())
		Expect(first.Response.StatusCode()).To(Equal(fasthttp.StatusOK))
		Expect(string(first.Response.Body())).To(Equal("jpegbytes"))
		Expect(string(first.Response.Header.Peek("X-Mediaproxy-Status"))).To(Equal("miss"))

		second := requestTo(originHost + "/clip.jpg")
		p.Dispatch(second, zap.NewNop())
		Expect(second.Response.StatusCode()).To(Equal(fasthttp.StatusOK))
		Expect(string(second.Response.Header.Peek("X-Mediaproxy-Status"))).To(Equal("hit"))

		Expect(requests).To(Equal(1))
		Expect(metrics.hits).To(Equal(1))
		Expect(metrics.misses).To(Equal(1))
	})

	It("bypasses the cache entirely when force=1 is set", func() {
		first := requestTo(originHost + "/clip.jpg")
		p.Dispatch(first, zap.NewNop())

		second := requestTo(originHost+"/clip.jpg", "force=1")
		p.Dispatch(second, zap.NewNop())

		Expect(requests).To(Equal(2))
		Expect(string(second.Response.Header.Peek("X-Mediaproxy-Status"))).To(Equal("miss"))
	})

	It("redirects requests targeting private-network origins back to the source URL", func() {
		ctx := requestTo("10.0.0.5/internal")
		p.Dispatch(ctx, zap.NewNop())
		Expect(ctx.Response.StatusCode()).To(Equal(fasthttp.StatusFound))
		Expect(string(ctx.Response.Header.Peek("Location"))).To(Equal("https://10.0.0.5/internal"))
		Expect(requests).To(Equal(0))
	})

	It("redirects a suspended tenant to origin before reaching it", func() {
		p.SetSuspensionChecker(alwaysSuspended{})
		ctx := requestTo(originHost + "/clip.jpg")
		p.Dispatch(ctx, zap.NewNop())
		Expect(ctx.Response.StatusCode()).To(Equal(fasthttp.StatusFound))
		Expect(requests).To(Equal(0))
	})

	It("redirects to origin instead of serving a poisoned cache entry", func() {
		first := requestTo(originHost + "/clip.jpg")
		p.Dispatch(first, zap.NewNop())
		Expect(requests).To(Equal(1))

		// Simulate a cache entry whose stored content-type no longer
		// classifies as media, standing in for a poisoned write.
		key := originHost + "/clip.jpg"
		Expect(store.Put(context.Background(), key, strings.NewReader("not media"), 9,
			types.CacheObjectMeta{ContentType: "application/octet-stream", ContentLength: 9})).To(Succeed())

		second := requestTo(originHost + "/clip.jpg")
		p.Dispatch(second, zap.NewNop())
		Expect(second.Response.StatusCode()).To(Equal(fasthttp.StatusFound))
	})
})

type alwaysSuspended struct{}

func (alwaysSuspended) TenantSuspended(string) bool { return true }

package pipeline

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/engine/internal/admission"
	"github.com/edgecomet/engine/internal/fingerprint"
	"github.com/edgecomet/engine/internal/objectstore"
	"github.com/edgecomet/engine/internal/originfetch"
	"github.com/edgecomet/engine/internal/usage"
	"github.com/edgecomet/engine/pkg/types"
)

type nopMetrics struct{}

func (nopMetrics) RecordRequest(string, string, string, float64) {}
func (nopMetrics) RecordCacheHit(string)                         {}
func (nopMetrics) RecordCacheMiss(string)                        {}
func (nopMetrics) RecordBytesServed(string, int64)               {}
func (nopMetrics) RecordAdmissionBlocked(string, string)         {}
func (nopMetrics) RecordOriginError(string, string)              {}
func (nopMetrics) RecordOriginFetchDuration(string, float64)     {}
func (nopMetrics) IncActiveRequests()                            {}
func (nopMetrics) DecActiveRequests()                            {}

type noopFlusher struct{}

func (noopFlusher) Flush(_ context.Context, _ []types.UsageSnapshot) error { return nil }

type fakeSuspension struct{ suspended bool }

func (f fakeSuspension) TenantSuspended(string) bool { return f.suspended }

// dialToAddr redirects dials for the given hostnames to in-process httptest
// listener addresses, so tests can use domain-validity-passing hostnames
// without any real DNS or network access.
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

func newTestPipeline(t *testing.T) (*Pipeline, objectstore.Store) {
	return newTestPipelineWithDial(t, nil)
}

// newTestPipelineWithDial builds a Pipeline whose fetcher resolves the given
// hostnames to in-process httptest servers, for tests that exercise the
// origin-fetch path against a domain-validity-passing hostname.
func newTestPipelineWithDial(t *testing.T, byHost map[string]string) (*Pipeline, objectstore.Store) {
	t.Helper()
	store := objectstore.NewMemStore(zap.NewNop())
	admitter := admission.New(admission.Config{Mode: types.AdmissionOpen})

	var opts []originfetch.Option
	if byHost != nil {
		opts = append(opts, originfetch.WithDialFunc(dialToAddr(byHost)))
	}
	fetcher := originfetch.New(admitter, zap.NewNop(), opts...)
	aggregator := usage.New(noopFlusher{}, time.Hour, zap.NewNop())

	p := New(
		fingerprint.NewValidator(),
		admitter,
		store,
		fetcher,
		aggregator,
		nil,
		nopMetrics{},
		zap.NewNop(),
		Config{MaxObjectSizeBytes: 10 << 20, PrefetchSubranges: 4, Debug: true},
	)
	return p, store
}

func TestDispatchRejectsMalformedPath(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/")
	p.Dispatch(ctx, zap.NewNop())
	require.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestDispatchRedirectsDisallowedHostToOrigin(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/127.0.0.1/secret.png")
	p.Dispatch(ctx, zap.NewNop())
	require.Equal(t, fasthttp.StatusFound, ctx.Response.StatusCode())
	require.Equal(t, "https://127.0.0.1/secret.png", string(ctx.Response.Header.Peek("Location")))
	require.Equal(t, "no-store, no-cache, must-revalidate", string(ctx.Response.Header.Peek("Cache-Control")))
}

func TestDispatchRejectsNonGetMethod(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/example.com/a.png")
	ctx.Request.Header.SetMethod("POST")
	p.Dispatch(ctx, zap.NewNop())
	require.Equal(t, fasthttp.StatusMethodNotAllowed, ctx.Response.StatusCode())
}

func TestDispatchRedirectsSuspendedTenantToOrigin(t *testing.T) {
	p, _ := newTestPipeline(t)
	p.SetSuspensionChecker(fakeSuspension{suspended: true})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/example.com/a.png")
	p.Dispatch(ctx, zap.NewNop())
	require.Equal(t, fasthttp.StatusFound, ctx.Response.StatusCode())
	require.Equal(t, "https://example.com/a.png", string(ctx.Response.Header.Peek("Location")))
}

func TestDispatchRedirectsHeadOnCacheMiss(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/example.com/a.png")
	ctx.Request.Header.SetMethod("HEAD")
	p.Dispatch(ctx, zap.NewNop())
	require.Equal(t, fasthttp.StatusFound, ctx.Response.StatusCode())
}

func TestServeFromOriginPopulatesCache(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("pngbytes"))
	}))
	defer origin.Close()

	p, store := newTestPipelineWithDial(t, map[string]string{
		"media.example.com": origin.Listener.Addr().String(),
	})
	logger := zap.NewNop()
	key := "media.example.com/a.png"

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/")
	p.serveFromOrigin(ctx, logger, "http://media.example.com/a.png", key, "media.example.com", "")

	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	require.Equal(t, "pngbytes", string(ctx.Response.Body()))
	require.Equal(t, "miss", string(ctx.Response.Header.Peek(statusHeader)))

	meta, err := store.Head(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, "image/png", meta.ContentType)
}

func TestServeFromOriginRedirectsOnNonMediaContent(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"error":"not found"}`))
	}))
	defer origin.Close()

	p, _ := newTestPipelineWithDial(t, map[string]string{
		"media.example.com": origin.Listener.Addr().String(),
	})

	ctx := &fasthttp.RequestCtx{}
	p.serveFromOrigin(ctx, zap.NewNop(), "http://media.example.com/a.png", "media.example.com/a.png", "media.example.com", "")
	require.Equal(t, fasthttp.StatusFound, ctx.Response.StatusCode())
}

func TestServeFromOriginRedirectsOnBlockedResponse(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer origin.Close()

	p, _ := newTestPipelineWithDial(t, map[string]string{
		"media.example.com": origin.Listener.Addr().String(),
	})

	ctx := &fasthttp.RequestCtx{}
	p.serveFromOrigin(ctx, zap.NewNop(), "http://media.example.com/a.png", "media.example.com/a.png", "media.example.com", "")
	require.Equal(t, fasthttp.StatusFound, ctx.Response.StatusCode())
	require.Equal(t, "blocked, http_403", string(ctx.Response.Header.Peek(blockReasonHeader)))
}

func TestServeFromOriginRedirectsOnPartialRangeAgainstColdCache(t *testing.T) {
	p, store := newTestPipeline(t)

	ctx := &fasthttp.RequestCtx{}
	p.serveFromOrigin(ctx, zap.NewNop(), "http://media.example.com/a.png", "media.example.com/a.png", "media.example.com", "bytes=100-200")
	require.Equal(t, fasthttp.StatusFound, ctx.Response.StatusCode())

	_, err := store.Head(context.Background(), "media.example.com/a.png")
	require.Error(t, err, "a partial-range miss must not write anything under the full object's key")
}

func TestServeFromCacheHit(t *testing.T) {
	p, store := newTestPipeline(t)
	key := "example.com/abc.png"
	meta := types.CacheObjectMeta{ContentType: "image/png", ContentLength: 3, FetchedAt: time.Now()}
	require.NoError(t, store.Put(context.Background(), key, strings.NewReader("abc"), 3, meta))

	ctx := &fasthttp.RequestCtx{}
	served := p.serveFromCache(ctx, zap.NewNop(), key, "example.com", "https://example.com/abc.png", "", "")
	require.True(t, served)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	require.Equal(t, "abc", string(ctx.Response.Body()))
	require.Equal(t, "hit", string(ctx.Response.Header.Peek(statusHeader)))
	require.NotEmpty(t, string(ctx.Response.Header.Peek("ETag")))
}

func TestServeFromCacheRespondsNotModifiedOnMatchingETag(t *testing.T) {
	p, store := newTestPipeline(t)
	key := "example.com/abc.png"
	meta := types.CacheObjectMeta{ContentType: "image/png", ContentLength: 3, ETag: `"fixed-etag"`, FetchedAt: time.Now()}
	require.NoError(t, store.Put(context.Background(), key, strings.NewReader("abc"), 3, meta))

	ctx := &fasthttp.RequestCtx{}
	served := p.serveFromCache(ctx, zap.NewNop(), key, "example.com", "https://example.com/abc.png", "", `"fixed-etag"`)
	require.True(t, served)
	require.Equal(t, fasthttp.StatusNotModified, ctx.Response.StatusCode())
	require.Empty(t, ctx.Response.Body())
}

func TestServeFromCacheRedirectsOnPoisonedEntry(t *testing.T) {
	p, store := newTestPipeline(t)
	key := "example.com/payload.exe"
	meta := types.CacheObjectMeta{ContentType: "application/octet-stream", ContentLength: 3, FetchedAt: time.Now()}
	require.NoError(t, store.Put(context.Background(), key, strings.NewReader("abc"), 3, meta))

	ctx := &fasthttp.RequestCtx{}
	served := p.serveFromCache(ctx, zap.NewNop(), key, "example.com", "https://example.com/payload.exe", "", "")
	require.True(t, served)
	require.Equal(t, fasthttp.StatusFound, ctx.Response.StatusCode())
}

func TestServeFromCacheMissReturnsFalse(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := &fasthttp.RequestCtx{}
	served := p.serveFromCache(ctx, zap.NewNop(), "nope", "example.com", "https://example.com/nope", "", "")
	require.False(t, served)
}

func TestRunAdmissionBarrierReportsCacheHit(t *testing.T) {
	p, store := newTestPipeline(t)
	key := "example.com/cached"
	meta := types.CacheObjectMeta{ContentType: "image/png", ContentLength: 3}
	require.NoError(t, store.Put(context.Background(), key, strings.NewReader("abc"), 3, meta))

	result := p.runAdmissionBarrier(context.Background(), "example.com", key)
	require.True(t, result.admission.Allowed)
	require.True(t, result.cacheHit)
	require.False(t, result.suspended)
}

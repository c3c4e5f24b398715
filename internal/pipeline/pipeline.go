// Package pipeline implements the core request-dispatch logic for mediaproxy:
// fingerprinting, admission, object-store lookups, and origin fetching. It
// owns none of the fasthttp listener plumbing — that lives in
// internal/httpserver — so it can be exercised directly by the ginkgo
// integration suite without standing up a socket.
//
// Admission, cache presence, and tenant-suspension checks run concurrently
// as an all-settled barrier: three plain goroutines writing into a shared
// result struct, joined with a sync.WaitGroup, rather than an errgroup.
//
// Every failure mode short of a structurally unparseable request path is
// answered with a 302 redirect back to the origin URL the request named,
// never a 4xx/5xx that would require the caller to understand why — see
// redirectToOrigin.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/engine/internal/admission"
	"github.com/edgecomet/engine/internal/byterange"
	"github.com/edgecomet/engine/internal/fingerprint"
	"github.com/edgecomet/engine/internal/mediatype"
	"github.com/edgecomet/engine/internal/objectstore"
	"github.com/edgecomet/engine/internal/originfetch"
	"github.com/edgecomet/engine/internal/streamutil"
	"github.com/edgecomet/engine/internal/usage"
	"github.com/edgecomet/engine/pkg/types"
)

// statusHeader, cachedAtHeader, and blockReasonHeader are the service's
// advisory response headers. They disclose timing and (for a detected
// origin block) a coarse reason, never anything about admission or security
// rejections.
const (
	statusHeader      = "X-Mediaproxy-Status"
	cachedAtHeader    = "X-Mediaproxy-Cached-At"
	blockReasonHeader = "X-Mediaproxy-Block-Reason"
)

// MetricsRecorder is the subset of internal/metrics.Collector the pipeline
// drives. Declared as a local interface so pipeline tests don't need a
// Prometheus registry.
type MetricsRecorder interface {
	RecordRequest(host, status, class string, durationSeconds float64)
	RecordCacheHit(host string)
	RecordCacheMiss(host string)
	RecordBytesServed(host string, n int64)
	RecordAdmissionBlocked(host, reason string)
	RecordOriginError(host, kind string)
	RecordOriginFetchDuration(host string, durationSeconds float64)
	IncActiveRequests()
	DecActiveRequests()
}

// TenantResolver maps an admitted host to the tenant billed for it. When nil,
// usage is recorded under the host itself.
type TenantResolver interface {
	TenantForHost(host string) string
}

// TenantSuspensionChecker reports whether the tenant owning host has been
// suspended. It is satisfied by internal/tenancy's Resolver; when nil, no
// tenant is ever treated as suspended.
type TenantSuspensionChecker interface {
	TenantSuspended(host string) bool
}

// Pipeline serves proxied media requests. It has no knowledge of fasthttp
// routing, health checks, or process lifecycle — internal/httpserver owns
// those and calls Dispatch for everything that isn't a system endpoint.
type Pipeline struct {
	validator  *fingerprint.Validator
	admitter   *admission.Admitter
	store      objectstore.Store
	fetcher    *originfetch.Fetcher
	aggregator *usage.Aggregator
	tenants    TenantResolver
	suspension TenantSuspensionChecker
	metrics    MetricsRecorder
	logger     *zap.Logger

	maxObjectSize     int64
	prefetchSubranges int
	debug             bool
}

// Config configures a Pipeline.
type Config struct {
	MaxObjectSizeBytes int64
	PrefetchSubranges  int
	Debug              bool
}

// New constructs a request pipeline.
func New(
	validator *fingerprint.Validator,
	admitter *admission.Admitter,
	store objectstore.Store,
	fetcher *originfetch.Fetcher,
	aggregator *usage.Aggregator,
	tenants TenantResolver,
	metricsRecorder MetricsRecorder,
	logger *zap.Logger,
	cfg Config,
) *Pipeline {
	return &Pipeline{
		validator:         validator,
		admitter:          admitter,
		store:             store,
		fetcher:           fetcher,
		aggregator:        aggregator,
		tenants:           tenants,
		metrics:           metricsRecorder,
		logger:            logger,
		maxObjectSize:     cfg.MaxObjectSizeBytes,
		prefetchSubranges: cfg.PrefetchSubranges,
		debug:             cfg.Debug,
	}
}

// SetSuspensionChecker wires in a tenant-suspension source. Left nil, no
// tenant is ever treated as suspended.
func (p *Pipeline) SetSuspensionChecker(checker TenantSuspensionChecker) {
	p.suspension = checker
}

// admissionBarrier is the shared result struct the three settle goroutines
// in runAdmissionBarrier write into.
type admissionBarrier struct {
	admission types.AdmissionResult
	cacheMeta types.CacheObjectMeta
	cacheHit  bool
	suspended bool
}

// runAdmissionBarrier checks origin admission, probes the object store for
// an existing cache entry, and checks tenant suspension concurrently, then
// waits for all three to settle before the caller branches on the combined
// outcome. No single check short-circuits another: a denied admission still
// lets the cache probe and suspension check finish, since all three costs
// are cheap and none blocks on the others' results.
func (p *Pipeline) runAdmissionBarrier(ctx context.Context, host, key string) admissionBarrier {
	var result admissionBarrier
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		result.admission = p.admitter.Check(host)
	}()

	go func() {
		defer wg.Done()
		meta, err := p.store.Head(ctx, key)
		if err == nil {
			result.cacheMeta = meta
			result.cacheHit = true
		}
	}()

	go func() {
		defer wg.Done()
		if p.suspension != nil {
			result.suspended = p.suspension.TenantSuspended(host)
		}
	}()

	wg.Wait()
	return result
}

// Dispatch is the pipeline's entry point for proxy traffic.
// internal/httpserver calls it after handling system endpoints. The URL
// surface is GET/HEAD /<host>/<path...> — the origin host is embedded in the
// request path, not passed as a query parameter.
func (p *Pipeline) Dispatch(ctx *fasthttp.RequestCtx, logger *zap.Logger) {
	start := time.Now()

	if !ctx.IsGet() && !ctx.IsHead() {
		p.writeError(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed")
		return
	}

	forceRefresh := string(ctx.QueryArgs().Peek("force")) == "1"

	p.metrics.IncActiveRequests()
	defer p.metrics.DecActiveRequests()

	result, err := p.validator.ParseRequest(string(ctx.Path()))
	if errors.Is(err, fingerprint.ErrDomainNotAllowed) {
		logger.Info("request host failed domain validity", zap.String("host", result.Host), zap.Error(err))
		p.redirectToOrigin(ctx, result.NormalizedURL, "")
		p.recordOutcome(result.Host, "302", start)
		return
	}
	if err != nil {
		logger.Warn("request path malformed", zap.ByteString("path", ctx.Path()), zap.Error(err))
		p.writeError(ctx, fasthttp.StatusBadRequest, "invalid request path")
		p.recordOutcome("", "400", start)
		return
	}

	fp := result.Fingerprint
	key := fp.Key()

	barrier := p.runAdmissionBarrier(ctx, fp.Host, key)

	if !barrier.admission.Allowed {
		logger.Info("admission denied", zap.String("host", fp.Host), zap.String("reason", barrier.admission.Reason))
		p.metrics.RecordAdmissionBlocked(fp.Host, barrier.admission.Reason)
		p.redirectToOrigin(ctx, result.NormalizedURL, "")
		p.recordOutcome(fp.Host, "302", start)
		return
	}

	if barrier.suspended {
		logger.Info("tenant suspended", zap.String("host", fp.Host))
		p.redirectToOrigin(ctx, result.NormalizedURL, "")
		p.recordOutcome(fp.Host, "302", start)
		return
	}

	rangeHeader := string(ctx.Request.Header.Peek("Range"))
	ifNoneMatch := string(ctx.Request.Header.Peek("If-None-Match"))

	if !forceRefresh && barrier.cacheHit {
		if p.serveFromCache(ctx, logger, key, fp.Host, result.NormalizedURL, rangeHeader, ifNoneMatch) {
			p.recordOutcome(fp.Host, strconv.Itoa(ctx.Response.StatusCode()), start)
			return
		}
	}

	p.metrics.RecordCacheMiss(fp.Host)

	if ctx.IsHead() {
		// HEAD never triggers an origin fetch: a cache miss or forced
		// refresh on HEAD has nothing to return metadata for, so it
		// redirects the same as any other unservable request.
		p.redirectToOrigin(ctx, result.NormalizedURL, "")
		p.recordOutcome(fp.Host, "302", start)
		return
	}

	p.serveFromOrigin(ctx, logger, result.NormalizedURL, key, fp.Host, rangeHeader)
	p.recordOutcome(fp.Host, strconv.Itoa(ctx.Response.StatusCode()), start)
}

// Snapshot exposes aggregate usage for a tenant to internal/httpserver's
// debug /stats endpoint.
func (p *Pipeline) Snapshot(tenantID string) types.UsageCounters {
	return p.aggregator.Snapshot(tenantID)
}

// redirectToOrigin answers every non-structural failure mode the same way:
// a 302 to sourceURL, marked uncacheable, disclosing nothing beyond an
// optional coarse block reason. The end user never sees a 4xx/5xx for an
// admission denial, an unreachable or refusing origin, a poisoned or
// oversized object, or a security rejection.
func (p *Pipeline) redirectToOrigin(ctx *fasthttp.RequestCtx, sourceURL, blockReason string) {
	ctx.Response.Header.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	if blockReason != "" {
		ctx.Response.Header.Set(blockReasonHeader, blockReason)
	}
	ctx.Response.Header.Set(statusHeader, "redirect")
	ctx.Redirect(sourceURL, fasthttp.StatusFound)
}

// isPartialRangeRequest reports whether rangeHeader asks for anything other
// than the whole object starting at byte zero. A bare "bytes=0-" probe (the
// common "give me the whole thing, but let me know if you can range" shape)
// is treated as a full-object request; anything more specific must not be
// served from a cold cache, since doing so would write partial bytes under
// the full object's key.
func isPartialRangeRequest(rangeHeader string) bool {
	return rangeHeader != "" && rangeHeader != "bytes=0-"
}

// cacheETag returns meta's real ETag, falling back to a hash of its origin
// URL so conditional requests always have
// something to compare against.
func cacheETag(meta types.CacheObjectMeta) string {
	if meta.ETag != "" {
		return meta.ETag
	}
	return fingerprint.Hash(meta.OriginURL)
}

// serveFromCache attempts to satisfy the request from the object store. It
// returns true if it fully handled the response (hit, 304, or a
// poisoned-entry redirect), false if the caller should fall through to the
// origin.
func (p *Pipeline) serveFromCache(ctx *fasthttp.RequestCtx, logger *zap.Logger, key, host, sourceURL, rangeHeader, ifNoneMatch string) bool {
	meta, err := p.store.Head(ctx, key)
	if err != nil {
		return false
	}

	if mediatype.Classify(meta.ContentType) == mediatype.ClassOther {
		logger.Warn("poisoned cache entry detected on read", zap.String("key", key), zap.String("content_type", meta.ContentType))
		go func() {
			delCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := p.store.Delete(delCtx, key); err != nil {
				logger.Warn("failed to evict poisoned cache entry", zap.String("key", key), zap.Error(err))
			}
		}()
		p.redirectToOrigin(ctx, sourceURL, "")
		return true
	}

	etag := cacheETag(meta)
	if ifNoneMatch != "" && ifNoneMatch == etag {
		p.writeCachedHeaders(ctx, meta, host, etag)
		ctx.SetStatusCode(fasthttp.StatusNotModified)
		p.metrics.RecordCacheHit(host)
		p.recordUsage(host, types.UsageCounters{CacheHits: 1})
		return true
	}

	if isPartialRangeRequest(rangeHeader) {
		interval, err := byterange.Parse(rangeHeader, meta.ContentLength)
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusRequestedRangeNotSatisfiable)
			return true
		}
		res, err := p.store.GetRange(ctx, key, interval.Start, interval.End)
		if err != nil {
			return false
		}
		defer res.Body.Close()

		p.writeCachedHeaders(ctx, res.Meta, host, etag)
		ctx.Response.Header.Set("Content-Range", byterange.ContentRangeHeader(interval, meta.ContentLength))
		ctx.Response.Header.SetContentLength(int(interval.Length()))
		ctx.SetStatusCode(fasthttp.StatusPartialContent)
		n, _ := io.Copy(ctx.Response.BodyWriter(), res.Body)
		p.metrics.RecordCacheHit(host)
		p.metrics.RecordBytesServed(host, n)
		p.recordUsage(host, types.UsageCounters{CacheHits: 1, BytesServed: n})
		return true
	}

	res, err := p.store.Get(ctx, key)
	if err != nil {
		return false
	}
	defer res.Body.Close()

	p.writeCachedHeaders(ctx, res.Meta, host, etag)
	ctx.Response.Header.SetContentLength(int(meta.ContentLength))
	ctx.SetStatusCode(fasthttp.StatusOK)
	n, copyErr := io.Copy(ctx.Response.BodyWriter(), res.Body)
	if copyErr != nil {
		logger.Warn("error streaming cached response", zap.Error(copyErr))
	}
	p.metrics.RecordCacheHit(host)
	p.metrics.RecordBytesServed(host, n)
	p.recordUsage(host, types.UsageCounters{CacheHits: 1, BytesServed: n})
	return true
}

// writeCachedHeaders sets the exhaustive header set required on the
// cache-hit path.
func (p *Pipeline) writeCachedHeaders(ctx *fasthttp.RequestCtx, meta types.CacheObjectMeta, host, etag string) {
	ctx.Response.Header.Set("Content-Type", meta.ContentType)
	ctx.Response.Header.Set("ETag", etag)
	if meta.LastModified != "" {
		ctx.Response.Header.Set("Last-Modified", meta.LastModified)
	}
	ctx.Response.Header.Set("Accept-Ranges", "bytes")
	ctx.Response.Header.Set("Cache-Control", "public, max-age=31536000, immutable")
	ctx.Response.Header.Set(statusHeader, "hit")
	ctx.Response.Header.Set(cachedAtHeader, meta.FetchedAt.UTC().Format(time.RFC3339))
}

// serveFromOrigin fetches from origin, tees the response into the cache
// while streaming it to the client, and answers every failure mode —
// unreachable origin, a block/challenge response, non-media content, or a
// size-cap breach — with a redirect back to origin rather than an error
// status. It never fails the client response because of a cache-write
// failure.
func (p *Pipeline) serveFromOrigin(ctx *fasthttp.RequestCtx, logger *zap.Logger, normalizedURL, key, host, rangeHeader string) {
	if isPartialRangeRequest(rangeHeader) {
		// A specific byte range can't be satisfied from a cold cache
		// without either fetching and discarding the rest of the object
		// or writing partial bytes under the full object's key. Neither
		// is acceptable, so this falls back to the universal redirect
		// policy instead of ever reaching the fetcher.
		p.redirectToOrigin(ctx, normalizedURL, "")
		return
	}

	fetchStart := time.Now()

	httpHeaders := make(http.Header)

	fetchCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fetchResult, err := p.fetcher.Fetch(fetchCtx, normalizedURL, "", httpHeaders)
	p.metrics.RecordOriginFetchDuration(host, time.Since(fetchStart).Seconds())
	if err != nil {
		logger.Info("origin fetch did not yield media", zap.String("url", normalizedURL), zap.Error(err))
		p.metrics.RecordOriginError(host, classifyFetchError(err))
		p.recordUsage(host, types.UsageCounters{OriginErrors: 1})
		p.redirectToOrigin(ctx, normalizedURL, blockReasonFor(err))
		return
	}
	defer fetchResult.Body.Close()

	if fetchResult.StatusCode != http.StatusOK && fetchResult.StatusCode != http.StatusPartialContent {
		io.Copy(io.Discard, fetchResult.Body) //nolint:errcheck
		p.metrics.RecordOriginError(host, "http_"+strconv.Itoa(fetchResult.StatusCode))
		p.recordUsage(host, types.UsageCounters{OriginErrors: 1})
		p.redirectToOrigin(ctx, normalizedURL, "")
		return
	}

	contentType := fetchResult.Header.Get("Content-Type")
	class := mediatype.Classify(contentType)
	if class == mediatype.ClassOther {
		io.Copy(io.Discard, fetchResult.Body) //nolint:errcheck
		p.metrics.RecordOriginError(host, "not_media_content")
		p.recordUsage(host, types.UsageCounters{OriginErrors: 1})
		p.redirectToOrigin(ctx, normalizedURL, "")
		return
	}

	contentLengthHeader := fetchResult.Header.Get("Content-Length")
	size, sizeKnown := int64(0), false
	if contentLengthHeader != "" {
		if parsed, err := strconv.ParseInt(contentLengthHeader, 10, 64); err == nil {
			size, sizeKnown = parsed, true
		}
	}

	if sizeKnown && p.maxObjectSize > 0 && size > p.maxObjectSize {
		p.metrics.RecordOriginError(host, "size_cap_exceeded")
		p.recordUsage(host, types.UsageCounters{OriginErrors: 1})
		p.redirectToOrigin(ctx, normalizedURL, "")
		return
	}

	for name, values := range fetchResult.Header {
		for _, v := range values {
			ctx.Response.Header.Add(name, v)
		}
	}
	ctx.Response.Header.Set("Accept-Ranges", "bytes")
	ctx.Response.Header.Set("Cache-Control", "public, max-age=31536000, immutable")
	ctx.Response.Header.Set(statusHeader, "miss")
	ctx.Response.Header.Set(cachedAtHeader, time.Now().UTC().Format(time.RFC3339))
	if p.debug {
		ctx.Response.Header.Set("X-Media-Class", string(class))
	}

	status := fetchResult.StatusCode
	if status == http.StatusOK && rangeHeader == "bytes=0-" && sizeKnown {
		// A full-file probe range gets promoted to a 206 so clients that
		// sent Range: bytes=0- can tell the object supports ranging.
		status = http.StatusPartialContent
		ctx.Response.Header.Set("Content-Range", byterange.ContentRangeHeader(byterange.Interval{Start: 0, End: size - 1}, size))
	}
	ctx.SetStatusCode(status)

	if !sizeKnown {
		// objectstore.Store.Put requires an exact size up front; without
		// one this object can't be cached, so it streams straight through.
		body := fetchResult.Body
		var reader io.Reader = body
		if p.maxObjectSize > 0 {
			reader = streamutil.NewLimitedReader(body, p.maxObjectSize)
		}
		n, copyErr := io.Copy(ctx.Response.BodyWriter(), reader)
		if copyErr != nil && !errors.Is(copyErr, streamutil.ErrSizeCapExceeded) {
			logger.Warn("error streaming uncached origin response", zap.Error(copyErr))
		}
		p.metrics.RecordBytesServed(host, n)
		p.recordUsage(host, types.UsageCounters{CacheMisses: 1, BytesServed: n})
		return
	}

	meta := types.CacheObjectMeta{
		ContentType:   contentType,
		ContentLength: size,
		ETag:          fetchResult.Header.Get("ETag"),
		LastModified:  fetchResult.Header.Get("Last-Modified"),
		FetchedAt:     time.Now(),
		OriginURL:     normalizedURL,
	}

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		var body io.Reader = fetchResult.Body
		if p.maxObjectSize > 0 {
			body = streamutil.NewLimitedReader(body, p.maxObjectSize)
		}
		n, teeErr := streamutil.TeeToStore(context.Background(), body, w, p.store, key, size, meta, logger)
		if teeErr != nil && !errors.Is(teeErr, streamutil.ErrSizeCapExceeded) {
			logger.Warn("tee to store failed", zap.String("key", key), zap.Error(teeErr))
		}
		p.metrics.RecordBytesServed(host, n)
		p.recordUsage(host, types.UsageCounters{CacheMisses: 1, BytesServed: n})
	})
}

func (p *Pipeline) recordUsage(host string, delta types.UsageCounters) {
	delta.RequestCount = 1
	tenantID := host
	if p.tenants != nil {
		if t := p.tenants.TenantForHost(host); t != "" {
			tenantID = t
		}
	}
	p.aggregator.Record(tenantID, delta)
}

func (p *Pipeline) recordOutcome(host, status string, start time.Time) {
	p.metrics.RecordRequest(host, status, "proxy", time.Since(start).Seconds())
}

func (p *Pipeline) writeError(ctx *fasthttp.RequestCtx, statusCode int, message string) {
	ctx.Response.Header.Set("Content-Type", "text/plain")
	ctx.SetStatusCode(statusCode)
	ctx.SetBodyString(message)
}

// blockReasonFor extracts the advisory block-detection reason from err, if
// any. Only a genuine origin block/challenge response discloses a reason;
// redirect-admission and transport failures disclose nothing.
func blockReasonFor(err error) string {
	var blocked *originfetch.BlockedError
	if errors.As(err, &blocked) {
		return blocked.Reason
	}
	return ""
}

func classifyFetchError(err error) string {
	var blocked *originfetch.BlockedError
	switch {
	case errors.As(err, &blocked):
		return "blocked"
	case errors.Is(err, originfetch.ErrRedirectNotAdmitted):
		return "redirect_not_admitted"
	case errors.Is(err, originfetch.ErrTooManyRedirects):
		return "too_many_redirects"
	default:
		return "fetch_error"
	}
}

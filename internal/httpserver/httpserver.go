// Package httpserver owns the fasthttp listener, system endpoints, and
// process lifecycle for mediaproxy. It is a thin shell around
// internal/pipeline: request IDs, /health, /ping, /stats, the DEBUG-gated
// view=1 introspection page, and graceful shutdown all live here so
// internal/pipeline stays free of anything that isn't request dispatch.
//
// The listener runs a *fasthttp.Server started in a background goroutine
// and stopped with ShutdownWithContext. Draining background workers on
// shutdown — the usage aggregator's flush loop, in particular — follows
// the same cancel-then-wait pattern as any ticker-driven worker.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/engine/internal/requestid"
	"github.com/edgecomet/engine/pkg/types"
)

const serverName = "mediaproxy/1.0"

// Dispatcher is the subset of internal/pipeline.Pipeline the server drives.
// Declared locally so tests don't need a fully wired pipeline.
type Dispatcher interface {
	Dispatch(ctx *fasthttp.RequestCtx, logger *zap.Logger)
	Snapshot(tenantID string) types.UsageCounters
}

// Drainable is a background worker that must finish its in-flight work
// before the process exits. internal/usage.Aggregator satisfies this via
// its Stop method (final flush, then wait).
type Drainable interface {
	Stop()
}

// Config configures a Server.
type Config struct {
	Listen       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Debug        bool
}

// Server wraps a fasthttp.Server and dispatches non-system traffic to a
// Dispatcher.
type Server struct {
	fast      *fasthttp.Server
	pipeline  Dispatcher
	logger    *zap.Logger
	listen    string
	debug     bool
	startedAt time.Time

	mu         sync.Mutex
	drainables []Drainable
}

// New constructs a Server. The pipeline is dispatched to for every request
// path other than the system endpoints below.
func New(p Dispatcher, logger *zap.Logger, cfg Config) *Server {
	s := &Server{
		pipeline:  p,
		logger:    logger,
		listen:    cfg.Listen,
		debug:     cfg.Debug,
		startedAt: time.Now(),
	}
	s.fast = &fasthttp.Server{
		Handler:                      s.HandleRequest,
		Name:                         serverName,
		ReadTimeout:                  cfg.ReadTimeout,
		WriteTimeout:                 cfg.WriteTimeout,
		DisablePreParseMultipartForm: true,
		NoDefaultServerHeader:        true,
		NoDefaultDate:                true,
	}
	return s
}

// RegisterDrainable adds a background worker that Shutdown stops before the
// listener itself is torn down.
func (s *Server) RegisterDrainable(d Drainable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainables = append(s.drainables, d)
}

// Start launches the listener in a background goroutine. Bind failures are
// reported on errChan, which may be nil if the caller doesn't need them.
func (s *Server) Start(errChan chan<- error) {
	go func() {
		if err := s.fast.ListenAndServe(s.listen); err != nil {
			s.logger.Error("http server stopped", zap.String("listen", s.listen), zap.Error(err))
			if errChan != nil {
				errChan <- fmt.Errorf("http server failed: %w", err)
			}
		}
	}()
	s.logger.Info("http server started", zap.String("listen", s.listen))
}

// Shutdown drains registered background workers concurrently and stops
// the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	drainables := append([]Drainable(nil), s.drainables...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, d := range drainables {
		wg.Add(1)
		go func(d Drainable) {
			defer wg.Done()
			d.Stop()
		}(d)
	}
	wg.Wait()

	s.logger.Info("http server shutting down", zap.String("listen", s.listen))
	return s.fast.ShutdownWithContext(ctx)
}

// HandleRequest is the fasthttp.RequestHandler entry point.
func (s *Server) HandleRequest(ctx *fasthttp.RequestCtx) {
	customRequestID := string(ctx.Request.Header.Peek("X-Request-ID"))
	reqID := requestid.GenerateRequestID(customRequestID)
	ctx.Response.Header.Set("X-Request-ID", reqID)

	logger := s.logger.With(zap.String("request_id", reqID))

	switch string(ctx.Path()) {
	case "/health":
		s.handleHealth(ctx)
	case "/ping":
		s.handlePing(ctx)
	case "/stats":
		s.handleStats(ctx)
	default:
		if s.debug && string(ctx.QueryArgs().Peek("view")) == "1" {
			s.handleDebugView(ctx, logger)
			return
		}
		s.pipeline.Dispatch(ctx, logger)
	}
}

// handleHealth always reports OK — it attests the process is alive and
// accepting connections, not that any particular dependency is reachable.
func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Content-Type", "text/plain")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyString("OK")
}

// handlePing is a minimal liveness probe for load balancers that want the
// cheapest possible check.
func (s *Server) handlePing(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Content-Type", "text/plain")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyString("pong")
}

// handleStats reports process and usage introspection, gated behind debug
// mode since it exposes per-tenant traffic volume.
func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	if !s.debug {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}

	tenantID := string(ctx.QueryArgs().Peek("tenant"))
	snap := s.pipeline.Snapshot(tenantID)

	var rssBytes int64
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if memInfo, err := proc.MemoryInfo(); err == nil {
			rssBytes = int64(memInfo.RSS)
		}
	}

	payload := map[string]interface{}{
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"goroutines":     runtime.NumGoroutine(),
		"rss_bytes":      rssBytes,
		"tenant":         tenantID,
		"request_count":  snap.RequestCount,
		"bytes_served":   snap.BytesServed,
		"cache_hits":     snap.CacheHits,
		"cache_misses":   snap.CacheMisses,
		"origin_errors":  snap.OriginErrors,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.Response.Header.Set("Content-Type", "application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(body)
}

// handleDebugView renders a plain HTML echo of the incoming request. It
// deliberately stays clear of configuration values — this is a request
// inspector, not a config dump.
func (s *Server) handleDebugView(ctx *fasthttp.RequestCtx, logger *zap.Logger) {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><head><title>mediaproxy debug</title></head><body>")
	b.WriteString("<h1>mediaproxy request view</h1><pre>")
	b.WriteString(html.EscapeString(fmt.Sprintf("method: %s\npath: %s\nquery: %s\n\n",
		ctx.Method(), ctx.Path(), ctx.QueryArgs().String())))
	ctx.Request.Header.VisitAll(func(key, value []byte) {
		b.WriteString(html.EscapeString(fmt.Sprintf("%s: %s\n", key, value)))
	})
	b.WriteString("</pre></body></html>")

	logger.Debug("served debug view", zap.String("path", string(ctx.Path())))
	ctx.Response.Header.Set("Content-Type", "text/html; charset=utf-8")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyString(b.String())
}

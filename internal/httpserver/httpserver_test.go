package httpserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/engine/pkg/types"
)

type stubDispatcher struct {
	dispatched bool
	snapshot   types.UsageCounters
}

func (s *stubDispatcher) Dispatch(ctx *fasthttp.RequestCtx, _ *zap.Logger) {
	s.dispatched = true
	ctx.SetStatusCode(fasthttp.StatusOK)
}

func (s *stubDispatcher) Snapshot(string) types.UsageCounters { return s.snapshot }

type stubDrainable struct{ stopped bool }

func (d *stubDrainable) Stop() { d.stopped = true }

func newTestServer(debug bool) (*Server, *stubDispatcher) {
	disp := &stubDispatcher{}
	srv := New(disp, zap.NewNop(), Config{Listen: ":0", ReadTimeout: time.Second, WriteTimeout: time.Second, Debug: debug})
	return srv, disp
}

func TestHealthAlwaysOK(t *testing.T) {
	srv, _ := newTestServer(false)
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/health")
	srv.HandleRequest(ctx)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	require.Equal(t, "OK", string(ctx.Response.Body()))
}

func TestPingRespondsPong(t *testing.T) {
	srv, _ := newTestServer(false)
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/ping")
	srv.HandleRequest(ctx)
	require.Equal(t, "pong", string(ctx.Response.Body()))
}

func TestStatsHiddenWhenNotDebug(t *testing.T) {
	srv, _ := newTestServer(false)
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/stats")
	srv.HandleRequest(ctx)
	require.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestStatsReportsSnapshotWhenDebug(t *testing.T) {
	srv, disp := newTestServer(true)
	disp.snapshot = types.UsageCounters{RequestCount: 4, BytesServed: 1024}

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/stats?tenant=acme")
	srv.HandleRequest(ctx)

	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	require.Contains(t, string(ctx.Response.Body()), `"request_count":4`)
}

func TestDebugViewGatedBehindDebugAndQueryParam(t *testing.T) {
	srv, disp := newTestServer(true)
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/anything?url=http://example.com&view=1")
	srv.HandleRequest(ctx)

	require.False(t, disp.dispatched, "debug view should short-circuit before reaching the pipeline")
	require.Contains(t, string(ctx.Response.Body()), "mediaproxy request view")
}

func TestNonDebugRequestsReachPipeline(t *testing.T) {
	srv, disp := newTestServer(false)
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/?url=http://example.com")
	srv.HandleRequest(ctx)
	require.True(t, disp.dispatched)
}

func TestShutdownDrainsRegisteredWorkersBeforeStoppingListener(t *testing.T) {
	srv, _ := newTestServer(false)
	d1 := &stubDrainable{}
	d2 := &stubDrainable{}
	srv.RegisterDrainable(d1)
	srv.RegisterDrainable(d2)

	require.NoError(t, srv.Shutdown(context.Background()))
	require.True(t, d1.stopped)
	require.True(t, d2.stopped)
}

// Package streamutil holds streaming helpers shared by the origin fetch and
// request pipeline: a client/cache-store tee, and size/byte counting reader
// wrappers.
package streamutil

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/edgecomet/engine/pkg/types"
)

// Putter is the subset of objectstore.Store that TeeToStore needs.
type Putter interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, meta types.CacheObjectMeta) error
}

// TeeToStore copies src to dst (the client response writer) while
// simultaneously writing it to store under key. A failure writing to the
// store never interrupts or corrupts the copy to dst — caching is
// best-effort on top of an always-correct client response.
//
//	origin body → TeeReader → io.Copy(dst, tee) → client
//	                  │
//	                  └→ safeWriter → PipeWriter → PipeReader → store.Put
func TeeToStore(ctx context.Context, src io.Reader, dst io.Writer, store Putter, key string, size int64, meta types.CacheObjectMeta, logger *zap.Logger) (int64, error) {
	pr, pw := io.Pipe()

	sw := &safeWriter{w: pw}
	tee := io.TeeReader(src, sw)

	uploadDone := make(chan struct{})
	go func() {
		defer close(uploadDone)
		err := store.Put(context.Background(), key, pr, size, meta)
		if err != nil {
			if logger != nil {
				logger.Debug("cache upload failed", zap.String("key", key), zap.Error(err))
			}
			io.Copy(io.Discard, pr) //nolint:errcheck // draining the pipe to unblock the writer side
		}
	}()

	n, copyErr := io.Copy(dst, tee)

	pw.Close()
	<-uploadDone

	return n, copyErr
}

// safeWriter wraps an io.Writer and silently discards writes after any
// error, so a TeeReader driven by it never sees a write failure from a
// struggling cache backend.
type safeWriter struct {
	w      io.Writer
	failed atomic.Bool
}

func (s *safeWriter) Write(p []byte) (int, error) {
	if s.failed.Load() {
		return len(p), nil
	}
	n, err := s.w.Write(p)
	if err != nil {
		s.failed.Store(true)
		return len(p), nil
	}
	return n, nil
}

// LimitedReader wraps r and returns an error instead of silently truncating
// once more than limit bytes have been read, so an origin that lies about
// Content-Length (or streams indefinitely) can't exhaust memory or disk.
type LimitedReader struct {
	r     io.Reader
	limit int64
	read  int64
}

// ErrSizeCapExceeded is returned once a LimitedReader's cap is exceeded.
var ErrSizeCapExceeded = errors.New("streamutil: size cap exceeded")

func NewLimitedReader(r io.Reader, limit int64) *LimitedReader {
	return &LimitedReader{r: r, limit: limit}
}

func (l *LimitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.read += int64(n)
	if l.read > l.limit {
		return n, ErrSizeCapExceeded
	}
	return n, err
}

// CountingReader wraps r and tracks the number of bytes read through it, for
// usage accounting on the served-bytes path.
type CountingReader struct {
	r     io.Reader
	count int64
}

func NewCountingReader(r io.Reader) *CountingReader {
	return &CountingReader{r: r}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	atomic.AddInt64(&c.count, int64(n))
	return n, err
}

// Count returns the number of bytes read so far. Safe to call concurrently
// with Read.
func (c *CountingReader) Count() int64 {
	return atomic.LoadInt64(&c.count)
}

// Package objectstore defines the Cache Port — a content-addressed object
// store abstraction backed either by an in-process memory store (tests, the
// self-hosted default) or S3 (production).
package objectstore

import (
	"context"
	"errors"
	"io"

	"github.com/edgecomet/engine/pkg/types"
)

// ErrNotFound indicates the key has no cached object.
var ErrNotFound = errors.New("objectstore: object not found")

// GetResult is the body and metadata returned by Get/GetRange.
type GetResult struct {
	Body io.ReadCloser
	Meta types.CacheObjectMeta
}

// Store is the Cache Port: get/head/get_range/put/delete over a
// content-addressed object store, as required by spec.md's C4.
type Store interface {
	// Head returns metadata for key without fetching its body.
	Head(ctx context.Context, key string) (types.CacheObjectMeta, error)

	// Get fetches the full object.
	Get(ctx context.Context, key string) (*GetResult, error)

	// GetRange fetches the [start, end] inclusive byte range of the object.
	GetRange(ctx context.Context, key string, start, end int64) (*GetResult, error)

	// Put stores body under key with the given metadata. size is the exact
	// number of bytes body will yield; implementations use it to set a
	// fixed Content-Length on the underlying write rather than buffering
	// the whole object to discover its length.
	Put(ctx context.Context, key string, body io.Reader, size int64, meta types.CacheObjectMeta) error

	// Delete removes key, used to evict a poisoned cache entry detected on
	// read (e.g. stored bytes that fail to decode as their declared type).
	Delete(ctx context.Context, key string) error
}

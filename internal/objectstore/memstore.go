package objectstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/edgecomet/engine/internal/mediatype"
	"github.com/edgecomet/engine/pkg/types"
)

type memObject struct {
	data []byte
	meta types.CacheObjectMeta
}

// MemStore is an in-process object store, used by default for self-hosted
// deployments and for tests. It holds every object in memory, so it is not
// suitable as a production backend for large libraries — see S3Store.
type MemStore struct {
	logger *zap.Logger

	mu      sync.RWMutex
	objects map[string]memObject
}

// NewMemStore constructs an empty MemStore.
func NewMemStore(logger *zap.Logger) *MemStore {
	return &MemStore{
		logger:  logger,
		objects: make(map[string]memObject),
	}
}

func (m *MemStore) Head(_ context.Context, key string) (types.CacheObjectMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return types.CacheObjectMeta{}, ErrNotFound
	}
	return obj.meta, nil
}

func (m *MemStore) Get(ctx context.Context, key string) (*GetResult, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	data, err := m.maybeDecompress(key, obj)
	if err != nil {
		return nil, err
	}

	return &GetResult{
		Body: io.NopCloser(bytes.NewReader(data)),
		Meta: obj.meta,
	}, nil
}

func (m *MemStore) GetRange(ctx context.Context, key string, start, end int64) (*GetResult, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	data, err := m.maybeDecompress(key, obj)
	if err != nil {
		return nil, err
	}

	if start < 0 || end >= int64(len(data)) || start > end {
		return nil, fmt.Errorf("objectstore: range [%d,%d] out of bounds for object of size %d", start, end, len(data))
	}

	slice := data[start : end+1]
	meta := obj.meta
	meta.ContentLength = int64(len(slice))

	return &GetResult{
		Body: io.NopCloser(bytes.NewReader(slice)),
		Meta: meta,
	}, nil
}

// maybeDecompress returns obj's data, transparently gzip-decoding manifest
// payloads that were stored compressed. A decode failure deletes the poisoned
// entry in the background and returns an error, mirroring a cache miss
// rather than serving corrupted bytes.
func (m *MemStore) maybeDecompress(key string, obj memObject) ([]byte, error) {
	if !shouldCompress(obj.meta.ContentType) {
		return obj.data, nil
	}

	r, err := gzip.NewReader(bytes.NewReader(obj.data))
	if err != nil {
		m.poison(key, err)
		return nil, fmt.Errorf("objectstore: poisoned entry %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		m.poison(key, err)
		return nil, fmt.Errorf("objectstore: poisoned entry %s: %w", key, err)
	}
	return data, nil
}

func (m *MemStore) poison(key string, cause error) {
	if m.logger != nil {
		m.logger.Warn("cache entry failed to decode, evicting",
			zap.String("key", key), zap.Error(cause))
	}
	go func() {
		m.mu.Lock()
		delete(m.objects, key)
		m.mu.Unlock()
	}()
}

func (m *MemStore) Put(_ context.Context, key string, body io.Reader, size int64, meta types.CacheObjectMeta) error {
	data, err := io.ReadAll(io.LimitReader(body, size+1))
	if err != nil {
		return fmt.Errorf("objectstore: reading put body: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("objectstore: put body length %d does not match declared size %d", len(data), size)
	}

	if shouldCompress(meta.ContentType) {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(data); err != nil {
			return fmt.Errorf("objectstore: compressing manifest: %w", err)
		}
		if err := gw.Close(); err != nil {
			return fmt.Errorf("objectstore: closing gzip writer: %w", err)
		}
		data = buf.Bytes()
	}

	m.mu.Lock()
	m.objects[key] = memObject{data: data, meta: meta}
	m.mu.Unlock()
	return nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

// shouldCompress reports whether this store opportunistically gzips an
// object body before holding it in memory. Only small, highly-compressible
// HLS manifest and JSON payloads are worth the CPU; image and video bytes
// are already compressed at the codec level.
func shouldCompress(contentType string) bool {
	class := mediatype.Classify(contentType)
	return class == mediatype.ClassManifest || strings.HasPrefix(contentType, "application/json")
}

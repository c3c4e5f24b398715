package streamutil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/edgecomet/engine/pkg/types"
)

type fakeStore struct {
	failPut bool
	written []byte
}

func (f *fakeStore) Put(_ context.Context, _ string, body io.Reader, _ int64, _ types.CacheObjectMeta) error {
	data, _ := io.ReadAll(body)
	f.written = data
	if f.failPut {
		return errors.New("store unavailable")
	}
	return nil
}

func TestTeeToStoreSuccess(t *testing.T) {
	src := strings.NewReader("the quick brown fox")
	var dst bytes.Buffer
	store := &fakeStore{}

	n, err := TeeToStore(context.Background(), src, &dst, store, "key", 19, types.CacheObjectMeta{}, nil)
	if err != nil {
		t.Fatalf("TeeToStore: %v", err)
	}
	if n != 19 {
		t.Fatalf("n = %d, want 19", n)
	}
	if dst.String() != "the quick brown fox" {
		t.Fatalf("client did not receive full body: %q", dst.String())
	}
	if string(store.written) != "the quick brown fox" {
		t.Fatalf("store did not receive full body: %q", store.written)
	}
}

func TestTeeToStoreClientUnaffectedByStoreFailure(t *testing.T) {
	src := strings.NewReader("client must still get all the bytes")
	var dst bytes.Buffer
	store := &fakeStore{failPut: true}

	_, err := TeeToStore(context.Background(), src, &dst, store, "key", 35, types.CacheObjectMeta{}, nil)
	if err != nil {
		t.Fatalf("client copy must not fail when store fails: %v", err)
	}
	if dst.String() != "client must still get all the bytes" {
		t.Fatalf("client stream was corrupted: %q", dst.String())
	}
}

func TestLimitedReaderEnforcesCap(t *testing.T) {
	src := strings.NewReader(strings.Repeat("a", 100))
	lr := NewLimitedReader(src, 10)

	_, err := io.ReadAll(lr)
	if !errors.Is(err, ErrSizeCapExceeded) {
		t.Fatalf("expected ErrSizeCapExceeded, got %v", err)
	}
}

func TestCountingReaderCountsBytes(t *testing.T) {
	src := strings.NewReader("0123456789")
	cr := NewCountingReader(src)

	if _, err := io.ReadAll(cr); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if cr.Count() != 10 {
		t.Fatalf("Count() = %d, want 10", cr.Count())
	}
}

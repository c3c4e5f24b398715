// Package usage aggregates per-tenant request/byte counters in memory and
// periodically flushes them to a billing store. Counters are sharded to
// reduce lock contention under concurrent request handling, and a flush only
// subtracts what was durably committed — a failed flush leaves counters
// intact for the next tick rather than losing counted usage.
package usage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/engine/pkg/types"
)

const shardCount = 32

// Flusher durably persists a batch of tenant usage snapshots. Implementations
// must be safe to retry: a flush that partially succeeds should return an
// error so the aggregator does not drop the un-committed remainder.
type Flusher interface {
	Flush(ctx context.Context, snapshots []types.UsageSnapshot) error
}

type shard struct {
	mu       sync.Mutex
	counters map[string]*types.UsageCounters
}

// Aggregator accumulates usage counters per tenant and flushes them to a
// Flusher on a fixed interval, following the same ticker/stop-channel/
// WaitGroup lifecycle the rest of this codebase uses for background workers.
type Aggregator struct {
	shards        [shardCount]*shard
	flusher       Flusher
	flushInterval time.Duration
	logger        *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32

	flushFailures atomic.Int64
}

// New constructs an Aggregator. flushInterval controls how often counters are
// snapshotted and handed to the Flusher.
func New(flusher Flusher, flushInterval time.Duration, logger *zap.Logger) *Aggregator {
	a := &Aggregator{
		flusher:       flusher,
		flushInterval: flushInterval,
		logger:        logger,
		stopChan:      make(chan struct{}),
	}
	for i := range a.shards {
		a.shards[i] = &shard{counters: make(map[string]*types.UsageCounters)}
	}
	return a
}

func (a *Aggregator) shardFor(tenantID string) *shard {
	var h uint32
	for i := 0; i < len(tenantID); i++ {
		h = h*31 + uint32(tenantID[i])
	}
	return a.shards[h%shardCount]
}

// Record accumulates delta into tenantID's counters. Safe for concurrent use
// across many request-handling goroutines.
func (a *Aggregator) Record(tenantID string, delta types.UsageCounters) {
	if tenantID == "" || delta.IsZero() {
		return
	}
	s := a.shardFor(tenantID)
	s.mu.Lock()
	c, ok := s.counters[tenantID]
	if !ok {
		c = &types.UsageCounters{}
		s.counters[tenantID] = c
	}
	c.Add(delta)
	s.mu.Unlock()
}

// Start launches the background flush loop.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.flushLoop()
	}()
}

// Stop signals the flush loop to perform one final flush and exit, blocking
// until it has done so.
func (a *Aggregator) Stop() {
	if !atomic.CompareAndSwapUint32(&a.stopped, 0, 1) {
		return
	}
	close(a.stopChan)
	a.wg.Wait()
}

func (a *Aggregator) flushLoop() {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.runFlushCycle(context.Background())
		case <-a.stopChan:
			a.runFlushCycle(context.Background())
			return
		}
	}
}

// runFlushCycle snapshots every non-zero tenant counter, attempts to persist
// the batch, and only subtracts the snapshotted delta from the live counters
// once persistence has succeeded — a flush failure leaves the in-memory
// counters untouched so the next tick retries the same (plus any newly
// accumulated) usage.
func (a *Aggregator) runFlushCycle(ctx context.Context) {
	window := time.Now().UTC().Truncate(time.Hour)

	type pending struct {
		s        *shard
		tenantID string
		delta    types.UsageCounters
	}
	var batch []pending
	var snapshots []types.UsageSnapshot

	for _, s := range a.shards {
		s.mu.Lock()
		for tenantID, c := range s.counters {
			if c.IsZero() {
				continue
			}
			delta := *c
			batch = append(batch, pending{s: s, tenantID: tenantID, delta: delta})
			snapshots = append(snapshots, types.UsageSnapshot{
				TenantID: tenantID,
				Window:   window,
				Counters: delta,
			})
		}
		s.mu.Unlock()
	}

	if len(snapshots) == 0 {
		return
	}

	if err := a.flusher.Flush(ctx, snapshots); err != nil {
		a.flushFailures.Add(1)
		a.logger.Error("usage flush failed, counters retained for retry",
			zap.Int("tenant_count", len(snapshots)),
			zap.Error(err))
		return
	}

	for _, p := range batch {
		p.s.mu.Lock()
		if c, ok := p.s.counters[p.tenantID]; ok {
			c.Sub(p.delta)
			if c.IsZero() {
				delete(p.s.counters, p.tenantID)
			}
		}
		p.s.mu.Unlock()
	}

	a.logger.Debug("usage flush committed", zap.Int("tenant_count", len(snapshots)))
}

// FlushFailures reports the cumulative number of failed flush cycles.
func (a *Aggregator) FlushFailures() int64 {
	return a.flushFailures.Load()
}

// Snapshot returns a read-only copy of current in-memory counters for a
// tenant, used by the /stats endpoint. It does not affect
// flush state.
func (a *Aggregator) Snapshot(tenantID string) types.UsageCounters {
	s := a.shardFor(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[tenantID]; ok {
		return *c
	}
	return types.UsageCounters{}
}

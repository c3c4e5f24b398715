// Package billing persists usage snapshots to ClickHouse, the billing store
// backing internal/usage's periodic flush. Writes land in a
// SummingMergeTree-engined table keyed by (tenant_id, window_hour), so
// ClickHouse itself performs the additive rollup across flush batches and
// across replicas — no idempotency/upsert table is needed the way a
// Postgres-backed writer would require.
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/edgecomet/engine/pkg/types"
)

const insertStatement = `
INSERT INTO usage_rollup
	(tenant_id, window_hour, request_count, bytes_served, cache_hits, cache_misses, origin_errors)
VALUES`

// Config configures the ClickHouse connection used for billing writes.
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
}

// Writer flushes usage snapshots to ClickHouse. It satisfies
// internal/usage.Flusher.
type Writer struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewWriter opens a ClickHouse connection and verifies it with a ping.
func NewWriter(ctx context.Context, cfg Config, logger *zap.Logger) (*Writer, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("billing: opening clickhouse connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("billing: clickhouse ping failed: %w", err)
	}

	return &Writer{conn: conn, logger: logger}, nil
}

// Flush batches snapshots into a single multi-row INSERT. ClickHouse's
// SummingMergeTree engine merges rows sharing (tenant_id, window_hour)
// additively in the background, so re-delivering a batch after a flush
// that actually succeeded but whose result was lost in transit adds its
// counts a second time: the merged row then holds both deliveries' sums.
func (w *Writer) Flush(ctx context.Context, snapshots []types.UsageSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	batch, err := w.conn.PrepareBatch(ctx, insertStatement)
	if err != nil {
		return fmt.Errorf("billing: preparing batch: %w", err)
	}

	for _, snap := range snapshots {
		err := batch.Append(
			snap.TenantID,
			snap.Window,
			snap.Counters.RequestCount,
			snap.Counters.BytesServed,
			snap.Counters.CacheHits,
			snap.Counters.CacheMisses,
			snap.Counters.OriginErrors,
		)
		if err != nil {
			return fmt.Errorf("billing: appending row for tenant %s: %w", snap.TenantID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("billing: sending batch of %d rows: %w", len(snapshots), err)
	}

	w.logger.Debug("billing batch committed", zap.Int("rows", len(snapshots)))
	return nil
}

func (w *Writer) Close() error {
	return w.conn.Close()
}

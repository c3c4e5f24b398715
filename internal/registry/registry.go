// Package registry is the Redis-backed lookup used by "registered"
// admission mode and by tenant status checks: origin allowlist entries
// and tenant status keyed by tenant ID.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edgecomet/engine/pkg/types"
)

const (
	originKeyPrefix = "origin:"
	tenantKeyPrefix = "tenant:"
)

// Client wraps a Redis connection used for origin and tenant lookups.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// Config configures a registry Client.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New constructs a Client and verifies connectivity with a bounded PING.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("registry: logger is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	client := &Client{rdb: rdb, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("registry: failed to connect to redis: %w", err)
	}

	logger.Debug("registry client connected", zap.String("addr", cfg.Addr))
	return client, nil
}

func (c *Client) Ping(ctx context.Context) error {
	result, err := c.rdb.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("registry: ping failed: %w", err)
	}
	if result != "PONG" {
		return fmt.Errorf("registry: unexpected ping response: %s", result)
	}
	return nil
}

func originKey(host string) string { return originKeyPrefix + host }
func tenantKey(id string) string   { return tenantKeyPrefix + id }

// Lookup satisfies internal/admission.Registry: it resolves host to a
// DomainRecord for "registered" admission mode.
func (c *Client) Lookup(host string) (types.DomainRecord, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := c.rdb.Get(ctx, originKey(host)).Result()
	if err == redis.Nil {
		return types.DomainRecord{}, false, nil
	}
	if err != nil {
		c.logger.Error("registry lookup failed", zap.String("host", host), zap.Error(err))
		return types.DomainRecord{}, false, fmt.Errorf("registry: lookup %s: %w", host, err)
	}

	var rec types.DomainRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return types.DomainRecord{}, false, fmt.Errorf("registry: decoding record for %s: %w", host, err)
	}
	return rec, true, nil
}

// Register upserts a DomainRecord, used by out-of-band provisioning tooling
// (not exposed over HTTP by this service — spec.md explicitly excludes an
// invalidation/management API).
func (c *Client) Register(ctx context.Context, rec types.DomainRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: encoding record: %w", err)
	}
	if err := c.rdb.Set(ctx, originKey(rec.Host), data, 0).Err(); err != nil {
		return fmt.Errorf("registry: registering %s: %w", rec.Host, err)
	}
	return nil
}

// TenantStatus fetches a tenant's suspension status. Absent tenants are
// treated as active (not suspended) — admission for a tenant is governed by
// the admission.Admitter, not by this check, which only gates abusive
// accounts that are still otherwise admitted.
func (c *Client) TenantStatus(ctx context.Context, tenantID string) (types.TenantStatus, error) {
	raw, err := c.rdb.Get(ctx, tenantKey(tenantID)).Result()
	if err == redis.Nil {
		return types.TenantStatus{TenantID: tenantID}, nil
	}
	if err != nil {
		return types.TenantStatus{}, fmt.Errorf("registry: tenant status %s: %w", tenantID, err)
	}

	var status types.TenantStatus
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return types.TenantStatus{}, fmt.Errorf("registry: decoding tenant status %s: %w", tenantID, err)
	}
	return status, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// GetClient exposes the underlying go-redis client for callers that need
// lower-level Redis operations this wrapper doesn't expose directly.
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

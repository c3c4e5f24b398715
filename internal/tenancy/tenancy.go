// Package tenancy adapts internal/registry's Redis-backed domain/tenant
// records into the narrow TenantResolver and TenantSuspensionChecker
// interfaces internal/pipeline depends on, so the pipeline itself never
// needs to know registry records exist.
package tenancy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/engine/pkg/types"
)

// DomainLookup is satisfied by internal/registry's Client.
type DomainLookup interface {
	Lookup(host string) (types.DomainRecord, bool, error)
	TenantStatus(ctx context.Context, tenantID string) (types.TenantStatus, error)
}

// Resolver maps hosts to tenants and reports tenant suspension, each call
// bounded by a short timeout so a slow registry never stalls a request.
type Resolver struct {
	registry DomainLookup
	timeout  time.Duration
	logger   *zap.Logger
}

// New constructs a Resolver over registry.
func New(registry DomainLookup, logger *zap.Logger) *Resolver {
	return &Resolver{registry: registry, timeout: 2 * time.Second, logger: logger}
}

// TenantForHost satisfies internal/pipeline.TenantResolver.
func (r *Resolver) TenantForHost(host string) string {
	rec, found, err := r.registry.Lookup(host)
	if err != nil {
		r.logger.Warn("tenant lookup failed", zap.String("host", host), zap.Error(err))
		return ""
	}
	if !found {
		return ""
	}
	return rec.TenantID
}

// TenantSuspended satisfies internal/pipeline.TenantSuspensionChecker.
func (r *Resolver) TenantSuspended(host string) bool {
	tenantID := r.TenantForHost(host)
	if tenantID == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	status, err := r.registry.TenantStatus(ctx, tenantID)
	if err != nil {
		r.logger.Warn("tenant status lookup failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return false
	}
	return status.Suspended
}

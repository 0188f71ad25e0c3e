package availability

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/cache"
)

// ClearForTenant drops every cached status of a tenant from both cache tiers
func (o *Orchestrator) ClearForTenant(ctx context.Context, tenantID string) {
	o.cache.DeleteByPrefix(ctx, cache.TenantPrefix(tenantID))
	o.logger.WithContext(ctx).Infof("Cleared cached statuses of tenant %s", tenantID)
}

// ClearForIntegration drops the cached statuses of one integration across all tenants
func (o *Orchestrator) ClearForIntegration(ctx context.Context, integration string) {
	o.cache.DeleteMatching(ctx, cache.IntegrationPattern(integration))
	o.logger.WithContext(ctx).Infof("Cleared cached statuses of integration %s", integration)
}

// ClearAll drops every cached status
func (o *Orchestrator) ClearAll(ctx context.Context) {
	o.cache.DeleteByPrefix(ctx, cache.KeyPrefix)
	o.logger.WithContext(ctx).Info("Cleared all cached statuses")
}

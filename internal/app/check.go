package app

import (
	"context"
	"time"

	"github.com/Ramsey-B/fern/internal/handlers"
	"github.com/Ramsey-B/fern/pkg/models"
)

// CheckTenant reports every integration of a tenant. With probe set each integration is refreshed
// synchronously first, so the report reflects a live check instead of whatever is cached.
func (a *App) CheckTenant(ctx context.Context, tenantID string, environment models.Environment, probe bool) handlers.StatusResponse {
	if environment == "" {
		environment = a.Orchestrator.Environment()
	}

	if probe {
		for _, key := range a.Registry.Keys(tenantID, environment) {
			if _, err := a.Orchestrator.Refresh(ctx, key); err != nil {
				a.Logger.WithContext(ctx).WithError(err).Debugf("Refresh of %s reported a problem", key)
			}
		}
	}

	statuses := a.Orchestrator.GetAllAPIStatusIn(ctx, tenantID, environment)
	return handlers.StatusResponse{
		TenantID:     tenantID,
		Environment:  environment,
		Statuses:     statuses,
		Capabilities: a.Orchestrator.Capabilities(statuses),
		CheckedAt:    time.Now().UTC(),
	}
}

package availability

import (
	"context"
	"errors"

	"github.com/alitto/pond/v2"

	"github.com/Ramsey-B/fern/pkg/bounded"
	"github.com/Ramsey-B/fern/pkg/integrations"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// GetAllAPIStatus returns the status of every integration for a tenant in the configured environment
func (o *Orchestrator) GetAllAPIStatus(ctx context.Context, tenantID string) []models.IntegrationStatus {
	return o.GetAllAPIStatusIn(ctx, tenantID, o.config.environment())
}

// GetAllAPIStatusIn returns the status of every integration for a tenant. Critical integrations are
// checked one after another; the rest run concurrently on the check pool. One failing check never
// fails the batch, and entries without a complete identity key are dropped.
func (o *Orchestrator) GetAllAPIStatusIn(ctx context.Context, tenantID string, environment models.Environment) []models.IntegrationStatus {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.GetAllAPIStatus")
	defer span.End()

	critical := o.registry.Critical()
	simple := o.registry.Simple()
	results := make([]models.IntegrationStatus, 0, len(critical)+len(simple))

	for _, in := range critical {
		results = append(results, o.safeCheck(ctx, tenantID, in, environment))
	}

	parallel := make([]models.IntegrationStatus, len(simple))
	group := o.checks.NewGroupContext(ctx)
	for i, in := range simple {
		parallel[i] = o.failedCheck(in, models.StatusKey{TenantID: tenantID, Integration: in.Name, Environment: environment}, context.Canceled)
		group.Submit(func() {
			parallel[i] = o.safeCheck(ctx, tenantID, in, environment)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		o.logger.WithContext(ctx).WithError(err).Warn("Parallel status checks encountered an error")
	}
	results = append(results, parallel...)

	valid := results[:0]
	for _, status := range results {
		if !status.Key().Valid() {
			o.logger.WithContext(ctx).WithField("integration", status.Integration).Warn("Dropped malformed status entry")
			continue
		}
		valid = append(valid, status)
	}
	return valid
}

// safeCheck runs one check under CheckTimeout. Timeouts and panics become a status.
func (o *Orchestrator) safeCheck(ctx context.Context, tenantID string, in integrations.Integration, environment models.Environment) models.IntegrationStatus {
	key := models.StatusKey{TenantID: tenantID, Integration: in.Name, Environment: environment}
	status, err := bounded.Run(ctx, o.config.CheckTimeout, func(ctx context.Context) (models.IntegrationStatus, error) {
		return o.CheckIntegration(ctx, tenantID, in.Name, environment), nil
	})
	if err != nil {
		o.logger.WithContext(ctx).WithError(err).WithField("integration", in.Name).Warn("Status check failed")
		return o.failedCheck(in, key, err)
	}
	return status
}

func (o *Orchestrator) failedCheck(in integrations.Integration, key models.StatusKey, err error) models.IntegrationStatus {
	status := o.baseStatus(in, key)
	status.IsConfigured = true
	status.Error = err.Error()
	if errors.Is(err, bounded.ErrTimeout) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		status.Health = models.HealthDegraded
		status.Message = "status check timed out"
	} else {
		status.Health = models.HealthUnhealthy
		status.Message = "status check failed"
	}
	return status.Normalize()
}

// GetCapabilities reduces the tenant's statuses to capability flags
func (o *Orchestrator) GetCapabilities(ctx context.Context, tenantID string) models.CapabilitySet {
	return o.Capabilities(o.GetAllAPIStatus(ctx, tenantID))
}

// Capabilities reduces statuses to capability flags. Every capability the registry declares is present;
// a flag is true when any configured and available integration contributes to it.
func (o *Orchestrator) Capabilities(statuses []models.IntegrationStatus) models.CapabilitySet {
	set := make(models.CapabilitySet)
	for _, name := range o.registry.Capabilities() {
		set[name] = false
	}
	for _, status := range statuses {
		in, ok := o.registry.Lookup(status.Integration)
		if !ok || in.Capability == "" {
			continue
		}
		if status.IsConfigured && status.IsAvailable {
			set[in.Capability] = true
		}
	}
	return set
}

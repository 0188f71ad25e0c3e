package availability

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Ramsey-B/fern/pkg/bounded"
	"github.com/Ramsey-B/fern/pkg/cache"
	"github.com/Ramsey-B/fern/pkg/integrations"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type credentials struct {
	fields map[string]string
	found  bool
}

// CheckIntegration returns the current status of one integration for a tenant. It never waits on a
// probe and never fails: problems are reported inside the status.
func (o *Orchestrator) CheckIntegration(ctx context.Context, tenantID, name string, environment models.Environment) models.IntegrationStatus {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.CheckIntegration",
		attribute.String("integration", name),
		attribute.String("environment", string(environment)),
	)
	defer span.End()

	key := models.StatusKey{TenantID: tenantID, Integration: name, Environment: environment}
	in, ok := o.registry.Lookup(name)
	if !ok {
		status := models.IntegrationStatus{
			TenantID:    tenantID,
			Integration: name,
			Environment: environment,
			Health:      models.HealthUnhealthy,
			LastChecked: o.now().UTC(),
			Error:       unknownIntegration(name).Error(),
		}.Normalize()
		return o.observed(status)
	}

	status, _, final := o.evaluateCredentials(ctx, in, key)
	if final {
		return o.observed(status)
	}

	if cached, ok := o.cache.Get(ctx, cache.Key(key)); ok {
		return o.observed(cached)
	}

	snapshot := o.loadSnapshot(ctx, key)
	if snapshot != nil {
		if age := snapshot.Age(o.now()); age < in.CacheTTL() {
			o.cache.Set(ctx, cache.Key(key), *snapshot, in.CacheTTL()-age)
			return o.observed(*snapshot)
		}
	}

	if in.Passive(o.config.SafeMode) || !o.executor.Has(in.Name) {
		return o.observed(o.passiveStatus(in, key))
	}

	if b, ok := o.breakers.Lookup(in.Name, environment); ok {
		if allowed, wait := b.Allow(); !allowed {
			status := o.baseStatus(in, key)
			status.IsConfigured = true
			status.Health = models.HealthDegraded
			status.Message = retryAfterMessage(wait)
			status.Error = ErrCircuitOpen.Error()
			if snapshot != nil {
				status.TrustScore = snapshot.TrustScore
			}
			return o.observed(status.Normalize())
		}
	}

	o.scheduleRefresh(ctx, key, priorityFor(in))

	if snapshot != nil {
		return o.observed(*snapshot)
	}
	status = o.baseStatus(in, key)
	status.IsConfigured = true
	status.Health = models.HealthUnknown
	status.Message = "health check pending"
	return o.observed(status.Normalize())
}

// CheckEbayAPI checks the eBay integration of a tenant
func (o *Orchestrator) CheckEbayAPI(ctx context.Context, tenantID string, environment models.Environment) models.IntegrationStatus {
	return o.CheckIntegration(ctx, tenantID, "ebay", environment)
}

// evaluateCredentials runs the checks that need no network call beyond the credential lookup. When
// final is true the returned status is the answer and no probe may be attempted.
func (o *Orchestrator) evaluateCredentials(ctx context.Context, in integrations.Integration, key models.StatusKey) (models.IntegrationStatus, map[string]string, bool) {
	status := o.baseStatus(in, key)
	log := o.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":   key.TenantID,
		"integration": key.Integration,
		"environment": key.Environment,
	})

	creds, err := bounded.Run(ctx, o.config.CredentialTimeout, func(ctx context.Context) (credentials, error) {
		fields, found, err := o.credentials.GetCredentials(ctx, key.TenantID, key.Integration, key.Environment)
		return credentials{fields: fields, found: found}, err
	})
	switch {
	case errors.Is(err, bounded.ErrTimeout):
		log.Warn("Credential lookup timed out")
		return o.bestKnown(ctx, in, key), nil, true
	case err != nil:
		log.WithError(err).Warn("Credential lookup failed")
		status.IsConfigured = true
		status.Health = models.HealthUnhealthy
		status.Error = wrap(ErrCredentialInvalid, "%v", err)
		status.Message = reauthorizeMessage(in)
		return status.Normalize(), nil, true
	}

	canonical := in.Canonicalize(creds.fields)
	if missing := in.MissingFields(canonical); len(missing) > 0 {
		status.IsConfigured = false
		status.Health = models.HealthUnhealthy
		status.MissingFields = missing
		status.Error = missingMessage(missing)
		status.Message = configureMessage(in)
		return status.Normalize(), nil, true
	}

	status.IsConfigured = true
	if in.Expired(canonical, o.now()) {
		status.Health = models.HealthUnhealthy
		status.Error = ErrCredentialExpired.Error()
		status.Message = reauthorizeMessage(in)
		return status.Normalize(), nil, true
	}

	if in.AuthorizationPending(canonical) {
		status.Health = models.HealthDegraded
		status.Message = "OAuth authorization pending"
		return status.Normalize(), nil, true
	}

	return status, canonical, false
}

// bestKnown serves whatever status is at hand when the credentials cannot be read in time
func (o *Orchestrator) bestKnown(ctx context.Context, in integrations.Integration, key models.StatusKey) models.IntegrationStatus {
	if cached, ok := o.cache.Get(ctx, cache.Key(key)); ok {
		return cached
	}
	if snapshot := o.loadSnapshot(ctx, key); snapshot != nil {
		return *snapshot
	}
	status := o.baseStatus(in, key)
	status.Health = models.HealthDegraded
	status.Error = wrap(ErrProbeTimeout, "credential lookup")
	status.Message = "status temporarily unavailable"
	return status.Normalize()
}

// passiveStatus is reported for integrations that are never probed: configured means usable
func (o *Orchestrator) passiveStatus(in integrations.Integration, key models.StatusKey) models.IntegrationStatus {
	status := o.baseStatus(in, key)
	status.IsConfigured = true
	status.IsAvailable = true
	status.Health = models.HealthUnknown
	status.TrustScore = 100
	if o.config.SafeMode {
		status.Message = "safe mode: active probing disabled"
	} else {
		status.Message = "passive monitoring"
	}
	return status.Normalize()
}

func (o *Orchestrator) observed(status models.IntegrationStatus) models.IntegrationStatus {
	metrics.RecordStatusCheck(status.Integration, string(status.Health))
	return status
}

// loadSnapshot reads the persisted snapshot of key. Concurrent loads of one key share a query.
func (o *Orchestrator) loadSnapshot(ctx context.Context, key models.StatusKey) *models.IntegrationStatus {
	if o.store == nil {
		return nil
	}

	v, err, _ := o.snapshots.Do(key.String(), func() (any, error) {
		return bounded.Run(ctx, o.config.SnapshotTimeout, func(ctx context.Context) (*models.IntegrationStatus, error) {
			return o.store.LoadSnapshot(ctx, key)
		})
	})
	if err != nil {
		o.logger.WithContext(ctx).WithError(err).Warnf("Failed to load snapshot of %s", key)
		return nil
	}
	snapshot, _ := v.(*models.IntegrationStatus)
	if snapshot == nil {
		return nil
	}
	copied := *snapshot
	return &copied
}

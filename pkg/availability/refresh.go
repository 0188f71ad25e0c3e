package availability

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/bounded"
	"github.com/Ramsey-B/fern/pkg/cache"
	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/integrations"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/probe"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/trust"
)

// localRefreshTimeout bounds an in-process refresh, matching the queue job timeout
const localRefreshTimeout = 30 * time.Second

func priorityFor(in integrations.Integration) models.Priority {
	if in.IsCritical() {
		return models.PriorityNormal
	}
	return models.PriorityLow
}

// Refresh probes one integration and records the outcome: trust score, history on transition,
// snapshot and cache. Persistence failures are logged and do not fail the refresh. A probe that
// failed or timed out is recorded and also returned as ErrProbeFailed or ErrProbeTimeout so a queued
// job retries it. A probe skipped by the budget changes nothing: the last known status is returned.
func (o *Orchestrator) Refresh(ctx context.Context, key models.StatusKey) (models.IntegrationStatus, error) {
	ctx = appctx.SetTenantID(ctx, key.TenantID)
	ctx = appctx.SetCheck(ctx, key.Integration, string(key.Environment))
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.Refresh")
	defer span.End()

	in, ok := o.registry.Lookup(key.Integration)
	if !ok {
		err := unknownIntegration(key.Integration)
		tracing.RecordError(span, err)
		return models.IntegrationStatus{}, err
	}

	var probeErr error
	status, canonical, final := o.evaluateCredentials(ctx, in, key)
	if !final {
		if in.Passive(o.config.SafeMode) || !o.executor.Has(in.Name) {
			status = o.passiveStatus(in, key)
		} else {
			result := o.executor.Execute(ctx, probe.Request{Key: key, Credentials: canonical})
			if result.Skipped {
				return o.unchanged(ctx, key, fromResult(status, result)), nil
			}
			status = fromResult(status, result)
			probeErr = probeError(result)
		}
	}

	status = o.record(ctx, in, status)

	o.logger.WithContext(ctx).WithFields(map[string]any{
		"health":      status.Health,
		"available":   status.IsAvailable,
		"trust_score": status.TrustScore,
	}).Debug("Refreshed integration status")

	if probeErr != nil {
		tracing.RecordError(span, probeErr)
	}
	return status, probeErr
}

// unchanged answers a refresh whose probe never ran. Nothing is persisted or cached.
func (o *Orchestrator) unchanged(ctx context.Context, key models.StatusKey, skipped models.IntegrationStatus) models.IntegrationStatus {
	o.logger.WithContext(ctx).Debugf("Probe of %s skipped: %s", key, skipped.Message)
	if last, ok := o.LastKnownStatus(ctx, key); ok {
		return *last
	}
	skipped.Health = models.HealthUnknown
	skipped.IsAvailable = false
	skipped.Error = ""
	return skipped.Normalize()
}

// HandleHealthCheck runs a queued health check job. Unknown integrations fail the job without retries.
func (o *Orchestrator) HandleHealthCheck(ctx context.Context, job models.HealthCheckJob) (models.IntegrationStatus, error) {
	status, err := o.Refresh(ctx, job.Key())
	if errors.Is(err, ErrUnknownIntegration) {
		return status, queue.Permanent(err)
	}
	return status, err
}

// LastKnownStatus returns the cached or persisted status of key
func (o *Orchestrator) LastKnownStatus(ctx context.Context, key models.StatusKey) (*models.IntegrationStatus, bool) {
	if cached, ok := o.cache.Get(ctx, cache.Key(key)); ok {
		return &cached, true
	}
	if snapshot := o.loadSnapshot(ctx, key); snapshot != nil {
		return snapshot, true
	}
	return nil, false
}

func fromResult(status models.IntegrationStatus, result probe.Result) models.IntegrationStatus {
	status.IsConfigured = true
	status.Health = result.Health
	status.IsAvailable = result.Available
	status.LatencyMs = result.LatencyMs()
	status.Message = result.Message
	status.Error = result.Error
	if result.CircuitOpen && status.Error == "" {
		status.Error = ErrCircuitOpen.Error()
	}
	if result.TimedOut && status.Error == "" {
		status.Error = ErrProbeTimeout.Error()
	}
	return status.Normalize()
}

// record scores status against its history, persists it and caches it. History is only touched when
// the previous snapshot could be read: a failed read is not a transition.
func (o *Orchestrator) record(ctx context.Context, in integrations.Integration, status models.IntegrationStatus) models.IntegrationStatus {
	key := status.Key()
	log := o.logger.WithContext(ctx)

	var previous *models.IntegrationStatus
	var history []models.StatusHistoryEntry
	known := true
	if o.store != nil {
		var err error
		previous, err = bounded.Run(ctx, o.config.SnapshotTimeout, func(ctx context.Context) (*models.IntegrationStatus, error) {
			return o.store.LoadLatestSnapshot(ctx, key)
		})
		if err != nil {
			log.WithError(err).Warn("Failed to load previous status, skipping history")
			known = false
		}

		history, err = bounded.Run(ctx, o.config.SnapshotTimeout, func(ctx context.Context) ([]models.StatusHistoryEntry, error) {
			return o.store.LoadRecentHistory(ctx, key, o.config.HistoryLimit)
		})
		if err != nil {
			log.WithError(err).Warn("Failed to load status history")
		}
	}

	transitioned := known && status.Transitioned(previous)
	if transitioned {
		entry := models.StatusHistoryEntry{IntegrationStatus: status, ChangedAt: status.LastChecked}
		if previous != nil {
			entry.PreviousHealth = previous.Health
		}
		history = append([]models.StatusHistoryEntry{entry}, history...)
	}
	if status.Health != models.HealthUnknown {
		status.TrustScore = trust.Score(status.Health, history)
	}
	status = status.Normalize()

	if o.store != nil {
		err := bounded.Do(ctx, o.config.PersistTimeout, func(ctx context.Context) error {
			if transitioned {
				if _, err := o.store.AppendHistoryIfChanged(ctx, previous, status); err != nil {
					return err
				}
			}
			return o.store.UpsertSnapshot(ctx, status)
		})
		if err != nil {
			log.WithError(err).Warn("Failed to persist integration status")
		}
	}

	o.cache.Set(ctx, cache.Key(key), status, in.CacheTTL())
	return status
}

// scheduleRefresh queues a background probe of key, or runs it on the local pool without a queue
func (o *Orchestrator) scheduleRefresh(ctx context.Context, key models.StatusKey, priority models.Priority) (string, bool) {
	if o.queue != nil {
		return o.queue.Enqueue(ctx, queue.EnqueueRequest{
			TenantID:    key.TenantID,
			Integration: key.Integration,
			Environment: key.Environment,
			Priority:    priority,
		})
	}
	return o.refreshLocally(ctx, key)
}

func (o *Orchestrator) refreshLocally(ctx context.Context, key models.StatusKey) (string, bool) {
	if o.refreshes.Stopped() {
		return "", false
	}
	if _, running := o.inflight.LoadOrStore(key.String(), struct{}{}); running {
		return "", true
	}

	jobID := uuid.New().String()
	detached := context.WithoutCancel(ctx)
	o.refreshes.Submit(func() {
		defer o.inflight.Delete(key.String())

		ctx, cancel := context.WithTimeout(detached, localRefreshTimeout)
		defer cancel()

		status, err := o.Refresh(ctx, key)
		if err != nil {
			o.logger.WithContext(ctx).WithError(err).Warnf("In-process refresh of %s failed", key)
			if !status.Key().Valid() {
				return
			}
		}
		o.emit(ctx, status)
	})
	return jobID, true
}

func (o *Orchestrator) emit(ctx context.Context, status models.IntegrationStatus) {
	if o.sink == nil {
		return
	}
	if err := o.sink.EmitStatusUpdate(ctx, status.TenantID, status); err != nil {
		o.logger.WithContext(ctx).WithError(err).Warn("Failed to emit status update")
	}
}

// RefreshTenant drops the cached statuses of a tenant and queues a high priority probe of every
// configured, actively probed integration. It returns the job IDs by integration.
func (o *Orchestrator) RefreshTenant(ctx context.Context, tenantID string) map[string]string {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.RefreshTenant")
	defer span.End()

	o.ClearForTenant(ctx, tenantID)

	jobs := make(map[string]string)
	for _, in := range o.registry.All() {
		key := models.StatusKey{TenantID: tenantID, Integration: in.Name, Environment: o.config.environment()}
		if _, _, final := o.evaluateCredentials(ctx, in, key); final {
			continue
		}
		if in.Passive(o.config.SafeMode) || !o.executor.Has(in.Name) {
			continue
		}
		if id, ok := o.scheduleRefresh(ctx, key, models.PriorityHigh); ok && id != "" {
			jobs[in.Name] = id
		}
	}

	o.logger.WithContext(ctx).Infof("Queued %d refreshes for tenant %s", len(jobs), tenantID)
	return jobs
}

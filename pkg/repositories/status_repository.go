package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	// MaxSnapshotAge is the oldest snapshot LoadSnapshot will return
	MaxSnapshotAge = time.Hour

	// DefaultHistoryLimit is the number of history entries returned when no limit is given
	DefaultHistoryLimit = 10
)

// StatusRepository persists the latest status per key and the history of transitions
type StatusRepository interface {
	UpsertSnapshot(ctx context.Context, status models.IntegrationStatus) error
	AppendHistoryIfChanged(ctx context.Context, previous *models.IntegrationStatus, current models.IntegrationStatus) (bool, error)
	LoadSnapshot(ctx context.Context, key models.StatusKey) (*models.IntegrationStatus, error)
	LoadLatestSnapshot(ctx context.Context, key models.StatusKey) (*models.IntegrationStatus, error)
	LoadRecentHistory(ctx context.Context, key models.StatusKey, limit int) ([]models.StatusHistoryEntry, error)
	ListStaleSnapshots(ctx context.Context, olderThan time.Time, limit int) ([]models.IntegrationStatus, error)
}

// StatusRepositoryImpl is the Postgres StatusRepository
type StatusRepositoryImpl struct {
	*Repository
	now func() time.Time
}

// NewStatusRepository creates a new status repository
func NewStatusRepository(db database.DB, logger ectologger.Logger) *StatusRepositoryImpl {
	return &StatusRepositoryImpl{
		Repository: NewRepository(db, logger),
		now:        time.Now,
	}
}

// UpsertSnapshot stores status as the latest snapshot of its key
func (r *StatusRepositoryImpl) UpsertSnapshot(ctx context.Context, status models.IntegrationStatus) error {
	ctx, span := tracing.StartSpan(ctx, "StatusRepository.UpsertSnapshot")
	defer span.End()
	defer observe("upsert_snapshot", time.Now())

	row := FromStatus(status.Normalize())
	row.UpdatedAt = sql.NullTime{Time: r.now().UTC(), Valid: true}

	ib := statusStruct.InsertInto(snapshotsTable, row).Upsert(
		[]string{"tenant_id", "integration_name", "environment"},
		"is_configured", "is_available", "health", "last_checked", "latency_ms", "error", "message",
		"missing_fields", "trust_score", "is_optional", "updated_at",
	)

	query, args := ib.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(keyFields(status.Key())).Error("failed to upsert status snapshot")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert status snapshot")
	}

	r.logger.WithContext(ctx).WithFields(keyFields(status.Key())).Debugf("Upserted %s", snapshotsTable)
	return nil
}

// AppendHistoryIfChanged records current in the history when it differs from previous in health or
// availability. The returned bool reports whether a row was written.
func (r *StatusRepositoryImpl) AppendHistoryIfChanged(ctx context.Context, previous *models.IntegrationStatus, current models.IntegrationStatus) (bool, error) {
	if !current.Transitioned(previous) {
		return false, nil
	}

	ctx, span := tracing.StartSpan(ctx, "StatusRepository.AppendHistoryIfChanged")
	defer span.End()
	defer observe("append_history", time.Now())

	row := FromStatus(current.Normalize())
	var previousHealth sql.NullString
	if previous != nil {
		previousHealth = nullString(string(previous.Health))
	}

	ib := database.NewInsertBuilder(historyTable)
	ib.Cols("tenant_id", "integration_name", "environment", "is_configured", "is_available", "health",
			"previous_health", "last_checked", "latency_ms", "error", "message", "missing_fields",
			"trust_score", "is_optional", "changed_at").
		Values(row.TenantID, row.Integration, row.Environment, row.IsConfigured, row.IsAvailable, row.Health,
			previousHealth, row.LastChecked, row.LatencyMs, row.Error, row.Message, row.MissingFields,
			row.TrustScore, row.IsOptional, r.now().UTC())

	query, args := ib.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(keyFields(current.Key())).Error("failed to append status history")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to append status history")
	}

	r.logger.WithContext(ctx).WithFields(keyFields(current.Key())).WithFields(map[string]any{
		"previous_health": previousHealth.String,
		"health":          current.Health,
	}).Info("Recorded status transition")
	return true, nil
}

// LoadSnapshot returns the latest snapshot of key, or nil when there is none younger than MaxSnapshotAge
func (r *StatusRepositoryImpl) LoadSnapshot(ctx context.Context, key models.StatusKey) (*models.IntegrationStatus, error) {
	ctx, span := tracing.StartSpan(ctx, "StatusRepository.LoadSnapshot")
	defer span.End()
	defer observe("load_snapshot", time.Now())

	since := r.now().Add(-MaxSnapshotAge).UTC()
	status, err := r.selectSnapshot(ctx, key, &since)
	if err != nil {
		tracing.RecordError(span, err)
	}
	return status, err
}

// LoadLatestSnapshot returns the latest snapshot of key whatever its age, or nil when there is none.
// Transition detection compares against it.
func (r *StatusRepositoryImpl) LoadLatestSnapshot(ctx context.Context, key models.StatusKey) (*models.IntegrationStatus, error) {
	ctx, span := tracing.StartSpan(ctx, "StatusRepository.LoadLatestSnapshot")
	defer span.End()
	defer observe("load_latest_snapshot", time.Now())

	status, err := r.selectSnapshot(ctx, key, nil)
	if err != nil {
		tracing.RecordError(span, err)
	}
	return status, err
}

func (r *StatusRepositoryImpl) selectSnapshot(ctx context.Context, key models.StatusKey, since *time.Time) (*models.IntegrationStatus, error) {
	sb := statusStruct.SelectFrom(snapshotsTable)
	sb.Where(
		sb.Equal("tenant_id", key.TenantID),
		sb.Equal("integration_name", key.Integration),
		sb.Equal("environment", string(key.Environment)),
	)
	if since != nil {
		sb.Where(sb.GreaterEqualThan("last_checked", *since))
	}
	sb.Limit(1)

	query, args := sb.Build()
	var row StatusRow
	err := r.DB().GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(keyFields(key)).Error("failed to load status snapshot")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to load status snapshot")
	}

	status := ToStatus(&row)
	return &status, nil
}

// LoadRecentHistory returns up to limit history entries of key, newest first
func (r *StatusRepositoryImpl) LoadRecentHistory(ctx context.Context, key models.StatusKey, limit int) ([]models.StatusHistoryEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "StatusRepository.LoadRecentHistory")
	defer span.End()
	defer observe("load_history", time.Now())

	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	sb := historyStruct.SelectFrom(historyTable)
	sb.Where(
		sb.Equal("tenant_id", key.TenantID),
		sb.Equal("integration_name", key.Integration),
		sb.Equal("environment", string(key.Environment)),
	)
	sb.OrderBy("changed_at").Desc()
	sb.Limit(limit)

	query, args := sb.Build()
	var rows []HistoryRow
	if err := r.DB().SelectContext(ctx, &rows, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(keyFields(key)).Error("failed to load status history")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to load status history")
	}

	entries := make([]models.StatusHistoryEntry, 0, len(rows))
	for i := range rows {
		entries = append(entries, ToHistoryEntry(&rows[i]))
	}
	return entries, nil
}

// ListStaleSnapshots returns snapshots last checked before olderThan, oldest first
func (r *StatusRepositoryImpl) ListStaleSnapshots(ctx context.Context, olderThan time.Time, limit int) ([]models.IntegrationStatus, error) {
	ctx, span := tracing.StartSpan(ctx, "StatusRepository.ListStaleSnapshots")
	defer span.End()
	defer observe("list_stale", time.Now())

	if limit <= 0 {
		limit = 100
	}

	sb := statusStruct.SelectFrom(snapshotsTable)
	sb.Where(
		sb.LessThan("last_checked", olderThan.UTC()),
		sb.Equal("is_configured", true),
	)
	sb.OrderBy("last_checked").Asc()
	sb.Limit(limit)

	query, args := sb.Build()
	var rows []StatusRow
	if err := r.DB().SelectContext(ctx, &rows, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).Error("failed to list stale snapshots")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list stale snapshots")
	}

	statuses := make([]models.IntegrationStatus, 0, len(rows))
	for i := range rows {
		statuses = append(statuses, ToStatus(&rows[i]))
	}

	r.logger.WithContext(ctx).WithField("count", len(statuses)).Debugf("Listed stale %s", snapshotsTable)
	return statuses, nil
}

package repositories

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

var (
	snapshotColumns = []string{"tenant_id", "integration_name", "environment", "is_configured", "is_available", "health",
		"last_checked", "latency_ms", "error", "message", "missing_fields", "trust_score", "is_optional", "updated_at"}
	historyColumns = []string{"id", "tenant_id", "integration_name", "environment", "is_configured", "is_available", "health",
		"previous_health", "last_checked", "latency_ms", "error", "message", "missing_fields", "trust_score", "is_optional", "changed_at"}
)

func getTestLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func newMockDB(t *testing.T) (database.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return database.NewDatabaseInstance(sqlx.NewDb(mockDB, "sqlmock"), getTestLogger()), mock
}

func newTestStatusRepository(t *testing.T, now time.Time) (*StatusRepositoryImpl, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	repo := NewStatusRepository(db, getTestLogger())
	repo.now = func() time.Time { return now }
	return repo, mock
}

func assertStatusCode(t *testing.T, err error, code int) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	assert.Equal(t, code, httperror.GetStatusCode(err))
}

var testKey = models.StatusKey{TenantID: "t1", Integration: "ebay", Environment: models.EnvironmentProduction}

func TestStatusRepository_UpsertSnapshot(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	repo, mock := newTestStatusRepository(t, now)
	latency := int64(120)

	mock.ExpectExec(`INSERT INTO status_snapshots .* ON CONFLICT \(tenant_id, integration_name, environment\) DO UPDATE`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpsertSnapshot(context.Background(), models.IntegrationStatus{
		TenantID:     "t1",
		Integration:  "ebay",
		Environment:  models.EnvironmentProduction,
		IsConfigured: true,
		Health:       models.HealthHealthy,
		LastChecked:  now,
		LatencyMs:    &latency,
		TrustScore:   100,
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusRepository_UpsertSnapshotFailure(t *testing.T) {
	repo, mock := newTestStatusRepository(t, time.Now())

	mock.ExpectExec(`INSERT INTO status_snapshots`).WillReturnError(errors.New("connection reset"))

	err := repo.UpsertSnapshot(context.Background(), models.IntegrationStatus{TenantID: "t1", Integration: "ebay", Environment: models.EnvironmentProduction})
	assertStatusCode(t, err, http.StatusInternalServerError)
}

func TestStatusRepository_AppendHistoryIfChanged(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	previous := &models.IntegrationStatus{TenantID: "t1", Integration: "ebay", Environment: models.EnvironmentProduction, Health: models.HealthHealthy, IsAvailable: true}
	same := models.IntegrationStatus{TenantID: "t1", Integration: "ebay", Environment: models.EnvironmentProduction, Health: models.HealthHealthy, IsAvailable: true, Message: "still fine"}
	changed := models.IntegrationStatus{TenantID: "t1", Integration: "ebay", Environment: models.EnvironmentProduction, Health: models.HealthDegraded}

	t.Run("unchanged status writes nothing", func(t *testing.T) {
		repo, mock := newTestStatusRepository(t, now)

		written, err := repo.AppendHistoryIfChanged(context.Background(), previous, same)

		require.NoError(t, err)
		assert.False(t, written)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("health change is recorded with previous health", func(t *testing.T) {
		repo, mock := newTestStatusRepository(t, now)
		mock.ExpectExec(`INSERT INTO status_history`).
			WithArgs("t1", "ebay", "production", false, false, "degraded",
				"healthy", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
				sqlmock.AnyArg(), sqlmock.AnyArg(), 0, false, now).
			WillReturnResult(sqlmock.NewResult(1, 1))

		written, err := repo.AppendHistoryIfChanged(context.Background(), previous, changed)

		require.NoError(t, err)
		assert.True(t, written)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("first status is always recorded", func(t *testing.T) {
		repo, mock := newTestStatusRepository(t, now)
		mock.ExpectExec(`INSERT INTO status_history`).WillReturnResult(sqlmock.NewResult(1, 1))

		written, err := repo.AppendHistoryIfChanged(context.Background(), nil, same)

		require.NoError(t, err)
		assert.True(t, written)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStatusRepository_LoadSnapshot(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("found", func(t *testing.T) {
		repo, mock := newTestStatusRepository(t, now)
		rows := sqlmock.NewRows(snapshotColumns).AddRow(
			"t1", "ebay", "production", true, true, "healthy",
			now.Add(-10*time.Minute), int64(85), nil, "ok", "{}", 92, false, now,
		)
		mock.ExpectQuery(`SELECT .* FROM status_snapshots WHERE .*last_checked >= .* LIMIT`).
			WillReturnRows(rows)

		status, err := repo.LoadSnapshot(context.Background(), testKey)

		require.NoError(t, err)
		require.NotNil(t, status)
		assert.Equal(t, models.HealthHealthy, status.Health)
		assert.Equal(t, 92, status.TrustScore)
		require.NotNil(t, status.LatencyMs)
		assert.Equal(t, int64(85), *status.LatencyMs)
		assert.Equal(t, []string{}, status.MissingFields)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing or too old", func(t *testing.T) {
		repo, mock := newTestStatusRepository(t, now)
		mock.ExpectQuery(`SELECT .* FROM status_snapshots`).WillReturnRows(sqlmock.NewRows(snapshotColumns))

		status, err := repo.LoadSnapshot(context.Background(), testKey)

		require.NoError(t, err)
		assert.Nil(t, status)
	})

	t.Run("database error", func(t *testing.T) {
		repo, mock := newTestStatusRepository(t, now)
		mock.ExpectQuery(`SELECT .* FROM status_snapshots`).WillReturnError(errors.New("timeout"))

		_, err := repo.LoadSnapshot(context.Background(), testKey)

		assertStatusCode(t, err, http.StatusInternalServerError)
	})
}

func TestStatusRepository_LoadLatestSnapshotIgnoresAge(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	repo, mock := newTestStatusRepository(t, now)
	rows := sqlmock.NewRows(snapshotColumns).AddRow(
		"t1", "ebay", "production", true, true, "healthy",
		now.Add(-3*time.Hour), int64(85), nil, "ok", "{}", 100, false, now.Add(-3*time.Hour),
	)
	mock.ExpectQuery(`SELECT .* FROM status_snapshots WHERE tenant_id = \$1 AND integration_name = \$2 AND environment = \$3 LIMIT`).
		WillReturnRows(rows)

	status, err := repo.LoadLatestSnapshot(context.Background(), testKey)

	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, models.HealthHealthy, status.Health)
	assert.Equal(t, now.Add(-3*time.Hour), status.LastChecked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusRepository_LoadRecentHistory(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	repo, mock := newTestStatusRepository(t, now)

	rows := sqlmock.NewRows(historyColumns).
		AddRow(2, "t1", "ebay", "production", true, false, "unhealthy", "healthy", now, nil, "401", nil, "{}", 30, false, now).
		AddRow(1, "t1", "ebay", "production", true, true, "healthy", nil, now.Add(-time.Hour), int64(50), nil, nil, "{}", 100, false, now.Add(-time.Hour))
	mock.ExpectQuery(`SELECT .* FROM status_history WHERE .* ORDER BY changed_at DESC LIMIT`).
		WillReturnRows(rows)

	entries, err := repo.LoadRecentHistory(context.Background(), testKey, 0)

	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[0].ID)
	assert.Equal(t, models.HealthUnhealthy, entries[0].Health)
	assert.Equal(t, models.HealthHealthy, entries[0].PreviousHealth)
	assert.Equal(t, "401", entries[0].Error)
	assert.Equal(t, models.Health(""), entries[1].PreviousHealth)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusRepository_ListStaleSnapshots(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	repo, mock := newTestStatusRepository(t, now)

	rows := sqlmock.NewRows(snapshotColumns).
		AddRow("t1", "paypal", "production", true, true, "healthy", now.Add(-20*time.Minute), nil, nil, nil, "{}", 100, false, now)
	mock.ExpectQuery(`SELECT .* FROM status_snapshots WHERE .* ORDER BY last_checked ASC`).
		WillReturnRows(rows)

	statuses, err := repo.ListStaleSnapshots(context.Background(), now.Add(-5*time.Minute), 50)

	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "paypal", statuses[0].Integration)
	assert.NoError(t, mock.ExpectationsWereMet())
}

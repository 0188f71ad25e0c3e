package repositories

import (
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

const (
	snapshotsTable   = "status_snapshots"
	historyTable     = "status_history"
	credentialsTable = "integration_credentials"
)

// StatusRow is a row of status_snapshots
type StatusRow struct {
	TenantID      string         `db:"tenant_id"`
	Integration   string         `db:"integration_name"`
	Environment   string         `db:"environment"`
	IsConfigured  bool           `db:"is_configured"`
	IsAvailable   bool           `db:"is_available"`
	Health        string         `db:"health"`
	LastChecked   time.Time      `db:"last_checked"`
	LatencyMs     sql.NullInt64  `db:"latency_ms"`
	Error         sql.NullString `db:"error"`
	Message       sql.NullString `db:"message"`
	MissingFields pq.StringArray `db:"missing_fields"`
	TrustScore    int            `db:"trust_score"`
	IsOptional    bool           `db:"is_optional"`
	UpdatedAt     sql.NullTime   `db:"updated_at"`
}

// HistoryRow is a row of status_history
type HistoryRow struct {
	ID             int64          `db:"id"`
	TenantID       string         `db:"tenant_id"`
	Integration    string         `db:"integration_name"`
	Environment    string         `db:"environment"`
	IsConfigured   bool           `db:"is_configured"`
	IsAvailable    bool           `db:"is_available"`
	Health         string         `db:"health"`
	PreviousHealth sql.NullString `db:"previous_health"`
	LastChecked    time.Time      `db:"last_checked"`
	LatencyMs      sql.NullInt64  `db:"latency_ms"`
	Error          sql.NullString `db:"error"`
	Message        sql.NullString `db:"message"`
	MissingFields  pq.StringArray `db:"missing_fields"`
	TrustScore     int            `db:"trust_score"`
	IsOptional     bool           `db:"is_optional"`
	ChangedAt      time.Time      `db:"changed_at"`
}

// CredentialRow is a row of integration_credentials
type CredentialRow struct {
	TenantID    string                            `db:"tenant_id"`
	Integration string                            `db:"integration_name"`
	Environment string                            `db:"environment"`
	Fields      database.JSONB[map[string]string] `db:"fields"`
	Encrypted   bool                              `db:"encrypted"`
	CreatedAt   sql.NullTime                      `db:"created_at"`
	UpdatedAt   sql.NullTime                      `db:"updated_at"`
}

var (
	statusStruct     = database.NewStruct(new(StatusRow))
	historyStruct    = database.NewStruct(new(HistoryRow))
	credentialStruct = database.NewStruct(new(CredentialRow))
)

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

// FromStatus converts a status into a snapshot row
func FromStatus(s models.IntegrationStatus) *StatusRow {
	missing := s.MissingFields
	if missing == nil {
		missing = []string{}
	}
	return &StatusRow{
		TenantID:      s.TenantID,
		Integration:   s.Integration,
		Environment:   string(s.Environment),
		IsConfigured:  s.IsConfigured,
		IsAvailable:   s.IsAvailable,
		Health:        string(s.Health),
		LastChecked:   s.LastChecked.UTC(),
		LatencyMs:     nullInt64(s.LatencyMs),
		Error:         nullString(s.Error),
		Message:       nullString(s.Message),
		MissingFields: pq.StringArray(missing),
		TrustScore:    s.TrustScore,
		IsOptional:    s.IsOptional,
	}
}

// ToStatus converts a snapshot row into a status
func ToStatus(row *StatusRow) models.IntegrationStatus {
	return models.IntegrationStatus{
		TenantID:      row.TenantID,
		Integration:   row.Integration,
		Environment:   models.Environment(row.Environment),
		IsConfigured:  row.IsConfigured,
		IsAvailable:   row.IsAvailable,
		Health:        models.Health(row.Health),
		LastChecked:   row.LastChecked,
		LatencyMs:     int64Ptr(row.LatencyMs),
		Error:         row.Error.String,
		Message:       row.Message.String,
		MissingFields: []string(row.MissingFields),
		TrustScore:    row.TrustScore,
		IsOptional:    row.IsOptional,
	}.Normalize()
}

// ToHistoryEntry converts a history row into an entry
func ToHistoryEntry(row *HistoryRow) models.StatusHistoryEntry {
	return models.StatusHistoryEntry{
		IntegrationStatus: ToStatus(&StatusRow{
			TenantID:      row.TenantID,
			Integration:   row.Integration,
			Environment:   row.Environment,
			IsConfigured:  row.IsConfigured,
			IsAvailable:   row.IsAvailable,
			Health:        row.Health,
			LastChecked:   row.LastChecked,
			LatencyMs:     row.LatencyMs,
			Error:         row.Error,
			Message:       row.Message,
			MissingFields: row.MissingFields,
			TrustScore:    row.TrustScore,
			IsOptional:    row.IsOptional,
		}),
		ID:             row.ID,
		PreviousHealth: models.Health(row.PreviousHealth.String),
		ChangedAt:      row.ChangedAt,
	}
}

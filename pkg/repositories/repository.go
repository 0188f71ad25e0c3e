package repositories

import (
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Repository holds the connection and logger shared by the Postgres repositories
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

func (r *Repository) DB() database.DB {
	return r.db
}

// keyFields are the log fields identifying one status key
func keyFields(key models.StatusKey) map[string]any {
	return map[string]any{
		"tenant_id":   key.TenantID,
		"integration": key.Integration,
		"environment": key.Environment,
	}
}

// observe records the latency of one repository operation; use with defer
func observe(operation string, start time.Time) {
	metrics.RecordDatabaseQuery(operation, time.Since(start).Seconds())
}

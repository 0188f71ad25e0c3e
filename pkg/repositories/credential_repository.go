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

// Decrypter turns stored credential fields into plaintext. Key management lives outside this service.
type Decrypter interface {
	Decrypt(ctx context.Context, tenantID, integration string, fields map[string]string) (map[string]string, error)
}

// CredentialRepository reads tenant credentials stored as JSONB key/value documents
type CredentialRepository struct {
	*Repository
	decrypter Decrypter
}

// NewCredentialRepository creates a credential repository. A nil decrypter rejects encrypted rows.
func NewCredentialRepository(db database.DB, decrypter Decrypter, logger ectologger.Logger) *CredentialRepository {
	return &CredentialRepository{
		Repository: NewRepository(db, logger),
		decrypter:  decrypter,
	}
}

// GetCredentials returns the stored fields for an integration endpoint. The bool is false when the
// tenant has never stored credentials for it.
func (r *CredentialRepository) GetCredentials(ctx context.Context, tenantID, integration string, environment models.Environment) (map[string]string, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.GetCredentials")
	defer span.End()
	defer observe("get_credentials", time.Now())

	sb := credentialStruct.SelectFrom(credentialsTable)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("integration_name", integration),
		sb.Equal("environment", string(environment)),
	)
	sb.Limit(1)

	query, args := sb.Build()
	var row CredentialRow
	err := r.DB().GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	fields := map[string]any{
		"tenant_id":   tenantID,
		"integration": integration,
		"environment": environment,
	}
	if err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(fields).Error("failed to load credentials")
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to load credentials")
	}

	values := row.Fields.Data
	if values == nil {
		values = map[string]string{}
	}
	if !row.Encrypted {
		return values, true, nil
	}

	if r.decrypter == nil {
		r.logger.WithContext(ctx).WithFields(fields).Error("credentials are encrypted but no decrypter is configured")
		return nil, true, httperror.NewHTTPError(http.StatusInternalServerError, "credentials cannot be decrypted")
	}

	plain, err := r.decrypter.Decrypt(ctx, tenantID, integration, values)
	if err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(fields).Warn("failed to decrypt credentials")
		return nil, true, httperror.NewHTTPError(http.StatusUnprocessableEntity, "credentials cannot be decrypted")
	}
	return plain, true, nil
}

package availability

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/models"
)

// CredentialProvider returns the decrypted credentials of a tenant for one integration.
// found is false when nothing was ever stored. *repositories.CredentialRepository satisfies it.
type CredentialProvider interface {
	GetCredentials(ctx context.Context, tenantID, integration string, environment models.Environment) (map[string]string, bool, error)
}

// StaticCredentials serves credentials from memory, keyed by models.StatusKey.String()
type StaticCredentials map[string]map[string]string

// GetCredentials implements CredentialProvider
func (s StaticCredentials) GetCredentials(_ context.Context, tenantID, integration string, environment models.Environment) (map[string]string, bool, error) {
	key := models.StatusKey{TenantID: tenantID, Integration: integration, Environment: environment}
	fields, ok := s[key.String()]
	if !ok {
		return nil, false, nil
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out, true, nil
}

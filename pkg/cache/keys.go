package cache

import (
	"strings"

	"github.com/Ramsey-B/fern/pkg/models"
)

// KeyPrefix namespaces every status entry
const KeyPrefix = "status:"

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// tenantEscaper keeps the key separator out of tenant IDs, so one tenant's prefix never covers another
var tenantEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// EscapeGlob escapes the glob metacharacters understood by Redis SCAN MATCH and path.Match
func EscapeGlob(s string) string {
	return globEscaper.Replace(s)
}

// Key returns the cache key for one integration endpoint of a tenant
func Key(k models.StatusKey) string {
	return KeyPrefix + tenantEscaper.Replace(k.TenantID) + ":" + k.Integration + ":" + string(k.Environment)
}

// TenantPrefix returns the prefix shared by every entry of a tenant
func TenantPrefix(tenantID string) string {
	return KeyPrefix + tenantEscaper.Replace(tenantID) + ":"
}

// IntegrationPattern returns a glob matching one integration across all tenants and environments
func IntegrationPattern(integration string) string {
	return KeyPrefix + "*:" + EscapeGlob(integration) + ":*"
}

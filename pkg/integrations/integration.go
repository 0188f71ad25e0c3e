// Package integrations holds the per-integration schema: which credential fields are required, the
// aliases older clients stored them under, how critical the integration is and how it is probed.
package integrations

import (
	"strconv"
	"strings"
	"time"

	"github.com/Ramsey-B/fern/pkg/breaker"
	"github.com/Ramsey-B/fern/pkg/probe"
)

// Criticality decides cache TTL and whether an integration is checked in the serial batch
type Criticality string

const (
	// Critical integrations are the ones a tenant transacts through (marketplaces, payments)
	Critical Criticality = "critical"
	// Auxiliary integrations support the workflow (AI, scraping aids, messaging)
	Auxiliary Criticality = "auxiliary"
)

// ProbePolicy decides whether an integration is ever probed over the network
type ProbePolicy string

const (
	ProbeActive  ProbePolicy = "active"
	ProbePassive ProbePolicy = "passive"
)

const (
	// CriticalTTL is the default cache lifetime of a critical integration status
	CriticalTTL = 5 * time.Minute
	// AuxiliaryTTL is the default cache lifetime of an auxiliary integration status
	AuxiliaryTTL = 15 * time.Minute
)

// Integration is the schema of one third-party integration
type Integration struct {
	Name        string      `yaml:"name"`
	DisplayName string      `yaml:"display_name"`
	Category    string      `yaml:"category"`
	Criticality Criticality `yaml:"criticality"`

	// Capability is the tenant capability this integration contributes to
	Capability string `yaml:"capability"`

	// Optional integrations do not count against a tenant when unconfigured
	Optional bool `yaml:"optional"`

	RequiredFields []string `yaml:"required_fields"`

	// Aliases maps a canonical field to the names it was historically stored under
	Aliases map[string][]string `yaml:"aliases"`

	// OAuthFields are token fields issued by an authorization flow. None present means pending.
	OAuthFields []string `yaml:"oauth_fields"`

	// ExpiresField holds the credential expiry as RFC 3339 or unix seconds
	ExpiresField string `yaml:"expires_field"`

	Probe   ProbePolicy           `yaml:"probe"`
	TTL     time.Duration         `yaml:"ttl"`
	Breaker *breaker.Config       `yaml:"breaker"`
	HTTP    *probe.HTTPDefinition `yaml:"http"`
}

// Label returns the display name, falling back to the name
func (i Integration) Label() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.Name
}

// IsCritical reports whether the integration is checked in the serial batch
func (i Integration) IsCritical() bool {
	return i.Criticality == Critical
}

// CacheTTL returns the status cache lifetime
func (i Integration) CacheTTL() time.Duration {
	if i.TTL > 0 {
		return i.TTL
	}
	if i.IsCritical() {
		return CriticalTTL
	}
	return AuxiliaryTTL
}

// Passive reports whether active probing is skipped, either by policy or by global safe mode
func (i Integration) Passive(safeMode bool) bool {
	return safeMode || i.Probe == ProbePassive
}

// Canonicalize maps stored credential fields onto the canonical schema. A canonical name wins over
// its aliases and aliases are tried in declared order. Blank values are dropped, and fields the schema
// does not know are kept as-is.
func (i Integration) Canonicalize(raw map[string]string) map[string]string {
	isAlias := make(map[string]bool)
	for _, aliases := range i.Aliases {
		for _, alias := range aliases {
			isAlias[alias] = true
		}
	}

	out := make(map[string]string, len(raw))
	for name, value := range raw {
		if value = strings.TrimSpace(value); value != "" && !isAlias[name] {
			out[name] = value
		}
	}

	for canonical, aliases := range i.Aliases {
		if out[canonical] != "" {
			continue
		}
		for _, alias := range aliases {
			if value := strings.TrimSpace(raw[alias]); value != "" {
				out[canonical] = value
				break
			}
		}
	}
	return out
}

// MissingFields returns the required fields absent from canonical credentials, in schema order
func (i Integration) MissingFields(credentials map[string]string) []string {
	missing := []string{}
	for _, field := range i.RequiredFields {
		if credentials[field] == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

// AuthorizationPending reports whether the integration uses OAuth and no token has been issued yet
func (i Integration) AuthorizationPending(credentials map[string]string) bool {
	if len(i.OAuthFields) == 0 {
		return false
	}
	for _, field := range i.OAuthFields {
		if credentials[field] != "" {
			return false
		}
	}
	return true
}

// Expired reports whether the credential expiry is in the past. Unparseable values are not expired.
func (i Integration) Expired(credentials map[string]string, now time.Time) bool {
	if i.ExpiresField == "" {
		return false
	}
	value := credentials[i.ExpiresField]
	if value == "" {
		return false
	}
	if at, err := time.Parse(time.RFC3339, value); err == nil {
		return !at.After(now)
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return !time.Unix(secs, 0).After(now)
	}
	return false
}

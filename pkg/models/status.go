package models

import (
	"fmt"
	"time"
)

// Environment is the credential environment an integration is checked against
type Environment string

const (
	EnvironmentSandbox    Environment = "sandbox"
	EnvironmentProduction Environment = "production"
)

// ParseEnvironment parses an environment name, defaulting to production
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(s) {
	case "", EnvironmentProduction:
		return EnvironmentProduction, nil
	case EnvironmentSandbox:
		return EnvironmentSandbox, nil
	default:
		return "", fmt.Errorf("unknown environment %q", s)
	}
}

// Health is the coarse health classification of an integration
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
	HealthUnknown   Health = "unknown"
)

// StatusKey identifies one status record
type StatusKey struct {
	TenantID    string      `json:"tenant_id"`
	Integration string      `json:"integration"`
	Environment Environment `json:"environment"`
}

// Valid reports whether every part of the key is set
func (k StatusKey) Valid() bool {
	return k.TenantID != "" && k.Integration != "" && k.Environment != ""
}

func (k StatusKey) String() string {
	return k.TenantID + ":" + k.Integration + ":" + string(k.Environment)
}

// IntegrationStatus is the current view of one tenant's integration in one environment
type IntegrationStatus struct {
	TenantID      string      `json:"tenant_id"`
	Integration   string      `json:"integration"`
	Environment   Environment `json:"environment"`
	IsConfigured  bool        `json:"is_configured"`
	IsAvailable   bool        `json:"is_available"`
	Health        Health      `json:"health"`
	LastChecked   time.Time   `json:"last_checked"`
	LatencyMs     *int64      `json:"latency_ms,omitempty"`
	Error         string      `json:"error,omitempty"`
	Message       string      `json:"message,omitempty"`
	MissingFields []string    `json:"missing_fields"`
	TrustScore    int         `json:"trust_score"`
	IsOptional    bool        `json:"is_optional"`
}

// Key returns the identity key of the status
func (s IntegrationStatus) Key() StatusKey {
	return StatusKey{
		TenantID:    s.TenantID,
		Integration: s.Integration,
		Environment: s.Environment,
	}
}

// Normalize returns a copy of the status with its invariants enforced.
// A healthy status is always available and the trust score stays within [0,100].
func (s IntegrationStatus) Normalize() IntegrationStatus {
	if s.Health == "" {
		s.Health = HealthUnknown
	}
	if s.Health == HealthHealthy {
		s.IsAvailable = true
	}
	if s.TrustScore < 0 {
		s.TrustScore = 0
	}
	if s.TrustScore > 100 {
		s.TrustScore = 100
	}
	if s.MissingFields == nil {
		s.MissingFields = []string{}
	}
	return s
}

// Age returns how long ago the status was computed
func (s IntegrationStatus) Age(now time.Time) time.Duration {
	if s.LastChecked.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(s.LastChecked)
}

// Transitioned reports whether moving from previous to s is a state change worth recording
func (s IntegrationStatus) Transitioned(previous *IntegrationStatus) bool {
	if previous == nil {
		return true
	}
	return previous.Health != s.Health || previous.IsAvailable != s.IsAvailable
}

// StatusHistoryEntry is an append-only record of a status transition
type StatusHistoryEntry struct {
	IntegrationStatus
	ID             int64     `json:"id"`
	PreviousHealth Health    `json:"previous_health,omitempty"`
	ChangedAt      time.Time `json:"changed_at"`
}

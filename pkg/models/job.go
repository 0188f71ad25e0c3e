package models

import (
	"time"
)

// Priority orders background health checks
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists the priorities from most to least urgent
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// ParsePriority parses a priority name, defaulting to normal
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityHigh:
		return PriorityHigh
	case PriorityLow:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// HealthCheckJob is a queued request to probe one integration
type HealthCheckJob struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenant_id"`
	Integration string      `json:"integration"`
	Environment Environment `json:"environment"`
	Priority    Priority    `json:"priority"`
	EnqueuedAt  time.Time   `json:"enqueued_at"`
	Attempts    int         `json:"attempts"`
}

// Key returns the identity key the job refreshes
func (j HealthCheckJob) Key() StatusKey {
	return StatusKey{
		TenantID:    j.TenantID,
		Integration: j.Integration,
		Environment: j.Environment,
	}
}

// FailedStatus builds the status reported when a job fails terminally without a result
func FailedStatus(job HealthCheckJob, err error, now time.Time) IntegrationStatus {
	status := IntegrationStatus{
		TenantID:     job.TenantID,
		Integration:  job.Integration,
		Environment:  job.Environment,
		IsConfigured: true,
		IsAvailable:  false,
		Health:       HealthUnhealthy,
		LastChecked:  now,
		Message:      "health check failed",
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status.Normalize()
}

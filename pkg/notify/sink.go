// Package notify pushes status updates to subscribers: in-process listeners through the Hub and
// downstream services through Kafka.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// EventStatusUpdated is the type of every status update event
const EventStatusUpdated = "status.updated"

// Sink receives status updates. Implementations must not block for long; callers treat failures
// as best effort.
type Sink interface {
	EmitStatusUpdate(ctx context.Context, tenantID string, status models.IntegrationStatus) error
}

// StatusUpdate is the event delivered to subscribers
type StatusUpdate struct {
	Type      string                   `json:"type"`
	TenantID  string                   `json:"tenant_id"`
	Status    models.IntegrationStatus `json:"status"`
	Timestamp time.Time                `json:"timestamp"`

	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// NewStatusUpdate builds the event for a status
func NewStatusUpdate(tenantID string, status models.IntegrationStatus) StatusUpdate {
	return StatusUpdate{
		Type:      EventStatusUpdated,
		TenantID:  tenantID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
}

// Multi fans an update out to every sink and joins their errors
type Multi []Sink

// EmitStatusUpdate delivers to every sink even when one fails
func (m Multi) EmitStatusUpdate(ctx context.Context, tenantID string, status models.IntegrationStatus) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.EmitStatusUpdate(ctx, tenantID, status); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

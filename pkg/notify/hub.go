package notify

import (
	"context"
	"sync"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
)

// DefaultSubscriberBuffer is the channel capacity of a subscription
const DefaultSubscriberBuffer = 16

// Hub delivers status updates to in-process subscribers of a tenant. A subscriber that does not keep
// up loses updates instead of slowing the publisher.
type Hub struct {
	logger ectologger.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan StatusUpdate
}

// NewHub creates an empty hub
func NewHub(logger ectologger.Logger) *Hub {
	return &Hub{
		logger: logger,
		subs:   make(map[string]map[int]chan StatusUpdate),
	}
}

// Subscribe registers a listener for tenantID. The returned cancel func unregisters it and closes
// the channel; it is safe to call more than once.
func (h *Hub) Subscribe(tenantID string, buffer int) (<-chan StatusUpdate, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan StatusUpdate, buffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[tenantID] == nil {
		h.subs[tenantID] = make(map[int]chan StatusUpdate)
	}
	h.subs[tenantID][id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[tenantID], id)
			if len(h.subs[tenantID]) == 0 {
				delete(h.subs, tenantID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers returns the number of listeners of a tenant
func (h *Hub) Subscribers(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[tenantID])
}

// EmitStatusUpdate delivers the update to every subscriber of the tenant without blocking
func (h *Hub) EmitStatusUpdate(ctx context.Context, tenantID string, status models.IntegrationStatus) error {
	update := NewStatusUpdate(tenantID, status)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs[tenantID] {
		select {
		case ch <- update:
		default:
			h.logger.WithContext(ctx).WithFields(map[string]any{
				"tenant_id":   tenantID,
				"integration": status.Integration,
			}).Debug("Dropped status update for slow subscriber")
		}
	}
	return nil
}

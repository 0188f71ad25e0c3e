package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/notify"
)

const streamHeartbeat = 30 * time.Second

// StatusService is the part of the availability orchestrator the API exposes
type StatusService interface {
	GetAllAPIStatusIn(ctx context.Context, tenantID string, environment models.Environment) []models.IntegrationStatus
	CheckIntegration(ctx context.Context, tenantID, name string, environment models.Environment) models.IntegrationStatus
	Capabilities(statuses []models.IntegrationStatus) models.CapabilitySet
	RefreshTenant(ctx context.Context, tenantID string) map[string]string
	ClearForTenant(ctx context.Context, tenantID string)
	ClearForIntegration(ctx context.Context, integration string)
	Environment() models.Environment
}

// Subscriber streams status updates of a tenant
type Subscriber interface {
	Subscribe(tenantID string, buffer int) (<-chan notify.StatusUpdate, func())
}

// StatusHandler serves integration statuses and capabilities
type StatusHandler struct {
	service StatusService
	updates Subscriber
	logger  ectologger.Logger
}

// NewStatusHandler creates a status handler. updates may be nil, which disables the stream endpoint.
func NewStatusHandler(service StatusService, updates Subscriber, logger ectologger.Logger) *StatusHandler {
	return &StatusHandler{
		service: service,
		updates: updates,
		logger:  logger,
	}
}

// StatusResponse is the tenant-wide status view
type StatusResponse struct {
	TenantID     string                     `json:"tenant_id"`
	Environment  models.Environment         `json:"environment"`
	Statuses     []models.IntegrationStatus `json:"statuses"`
	Capabilities models.CapabilitySet       `json:"capabilities"`
	CheckedAt    time.Time                  `json:"checked_at"`
}

// RefreshResponse lists the queued job per integration
type RefreshResponse struct {
	TenantID string            `json:"tenant_id"`
	Jobs     map[string]string `json:"jobs"`
}

// List returns every integration status of the tenant
// GET /api/v1/status
func (h *StatusHandler) List(c echo.Context) error {
	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}
	env, err := GetEnvironment(c, h.service.Environment())
	if err != nil {
		return err
	}

	statuses := h.service.GetAllAPIStatusIn(c.Request().Context(), tenantID, env)
	return SuccessResponse(c, StatusResponse{
		TenantID:     tenantID,
		Environment:  env,
		Statuses:     statuses,
		Capabilities: h.service.Capabilities(statuses),
		CheckedAt:    time.Now().UTC(),
	})
}

// Get returns the status of one integration. Unknown integrations are reported as unhealthy.
// GET /api/v1/status/:integration
func (h *StatusHandler) Get(c echo.Context) error {
	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}
	env, err := GetEnvironment(c, h.service.Environment())
	if err != nil {
		return err
	}

	return SuccessResponse(c, h.service.CheckIntegration(c.Request().Context(), tenantID, c.Param("integration"), env))
}

// Capabilities returns the tenant's capability flags
// GET /api/v1/capabilities
func (h *StatusHandler) Capabilities(c echo.Context) error {
	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}
	env, err := GetEnvironment(c, h.service.Environment())
	if err != nil {
		return err
	}

	statuses := h.service.GetAllAPIStatusIn(c.Request().Context(), tenantID, env)
	return SuccessResponse(c, h.service.Capabilities(statuses))
}

// Refresh drops the tenant's cached statuses and queues a probe for each integration
// POST /api/v1/status/refresh
func (h *StatusHandler) Refresh(c echo.Context) error {
	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	jobs := h.service.RefreshTenant(c.Request().Context(), tenantID)
	return AcceptedResponse(c, RefreshResponse{TenantID: tenantID, Jobs: jobs})
}

// ClearCache drops the tenant's cached statuses, or one integration's across tenants
// DELETE /api/v1/status/cache
func (h *StatusHandler) ClearCache(c echo.Context) error {
	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	if integration := c.QueryParam("integration"); integration != "" {
		h.service.ClearForIntegration(ctx, integration)
	} else {
		h.service.ClearForTenant(ctx, tenantID)
	}
	return NoContentResponse(c)
}

// Stream pushes status updates of the tenant as server-sent events
// GET /api/v1/status/stream
func (h *StatusHandler) Stream(c echo.Context) error {
	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}
	if h.updates == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "status stream is disabled")
	}

	ctx := c.Request().Context()
	updates, cancel := h.updates.Subscribe(tenantID, 0)
	defer cancel()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(res, ": ping\n\n"); err != nil {
				return nil
			}
			res.Flush()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			data, err := json.Marshal(update)
			if err != nil {
				h.logger.WithContext(ctx).WithError(err).Warn("Failed to encode status update")
				continue
			}
			if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", update.Type, data); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}

// RegisterRoutes registers the status routes
func (h *StatusHandler) RegisterRoutes(g *echo.Group) {
	status := g.Group("/status")
	status.GET("", h.List)
	status.GET("/stream", h.Stream)
	status.POST("/refresh", h.Refresh)
	status.DELETE("/cache", h.ClearCache)
	status.GET("/:integration", h.Get)

	g.GET("/capabilities", h.Capabilities)
}

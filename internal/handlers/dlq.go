package handlers

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/redis"
)

const (
	defaultDeadLetterPage = 100
	maxDeadLetterPage     = 1000
)

// DeadLetters is the dead letter store of the check queue
type DeadLetters interface {
	ListByTenant(ctx context.Context, tenantID string, count int64) ([]redis.DLQEntry, error)
	Get(ctx context.Context, messageID string) (*redis.DLQEntry, error)
	Delete(ctx context.Context, messageID string) error
	Count(ctx context.Context) (int64, error)
}

// Retrier re-queues a dead-lettered job and returns the new job id
type Retrier interface {
	RetryDeadLetter(ctx context.Context, messageID string) (string, error)
}

// DLQHandler exposes failed check jobs. A tenant only ever sees its own entries; another tenant's
// entry id answers 404.
type DLQHandler struct {
	store   DeadLetters
	retrier Retrier
	logger  ectologger.Logger
}

func NewDLQHandler(store DeadLetters, retrier Retrier, logger ectologger.Logger) *DLQHandler {
	return &DLQHandler{store: store, retrier: retrier, logger: logger}
}

type DLQListResponse struct {
	Entries []redis.DLQEntry `json:"entries"`
	Count   int              `json:"count"`
	Total   int64            `json:"total"`
}

type DLQStatsResponse struct {
	TotalEntries int64 `json:"total_entries"`
}

type RetryResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
}

// GET /api/v1/dlq?count=
func (h *DLQHandler) List(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	entries, err := h.store.ListByTenant(ctx, tenantID, GetCount(c, defaultDeadLetterPage, maxDeadLetterPage))
	if err != nil {
		return err
	}
	total, err := h.store.Count(ctx)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Warn("failed to count dlq entries")
	}

	return SuccessResponse(c, DLQListResponse{Entries: entries, Count: len(entries), Total: total})
}

// GET /api/v1/dlq/:id
func (h *DLQHandler) Get(c echo.Context) error {
	entry, err := h.owned(c)
	if err != nil {
		return err
	}
	return SuccessResponse(c, entry)
}

// POST /api/v1/dlq/:id/retry
func (h *DLQHandler) Retry(c echo.Context) error {
	entry, err := h.owned(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	jobID, err := h.retrier.RetryDeadLetter(ctx, entry.MessageID)
	if err != nil {
		return err
	}
	h.logger.WithContext(ctx).WithFields(map[string]any{
		"message_id":  entry.MessageID,
		"job_id":      jobID,
		"integration": entry.Integration,
	}).Info("dead-lettered check re-queued")

	return AcceptedResponse(c, RetryResponse{Status: "retried", JobID: jobID})
}

// DELETE /api/v1/dlq/:id
func (h *DLQHandler) Delete(c echo.Context) error {
	entry, err := h.owned(c)
	if err != nil {
		return err
	}
	if err := h.store.Delete(c.Request().Context(), entry.MessageID); err != nil {
		return err
	}
	return NoContentResponse(c)
}

// GET /api/v1/dlq/stats
func (h *DLQHandler) Stats(c echo.Context) error {
	total, err := h.store.Count(c.Request().Context())
	if err != nil {
		return err
	}
	return SuccessResponse(c, DLQStatsResponse{TotalEntries: total})
}

// owned loads the entry named by :id if it belongs to the caller's tenant
func (h *DLQHandler) owned(c echo.Context) (*redis.DLQEntry, error) {
	tenantID, err := GetTenantID(c)
	if err != nil {
		return nil, err
	}
	id := c.Param("id")
	entry, err := h.store.Get(c.Request().Context(), id)
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.TenantID != tenantID {
		return nil, NotFound("dlq entry %s not found", id)
	}
	return entry, nil
}

func (h *DLQHandler) RegisterRoutes(g *echo.Group) {
	dlq := g.Group("/dlq")
	dlq.GET("", h.List)
	dlq.GET("/stats", h.Stats)
	dlq.GET("/:id", h.Get)
	dlq.POST("/:id/retry", h.Retry)
	dlq.DELETE("/:id", h.Delete)
}

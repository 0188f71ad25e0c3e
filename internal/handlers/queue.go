package handlers

import (
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/queue"
)

// QueueHandler reports on the background health check queue
type QueueHandler struct {
	queue  *queue.Queue
	logger ectologger.Logger
}

func NewQueueHandler(q *queue.Queue, logger ectologger.Logger) *QueueHandler {
	return &QueueHandler{queue: q, logger: logger}
}

// Stats returns the backlog per lane
// GET /api/v1/queue/stats
func (h *QueueHandler) Stats(c echo.Context) error {
	ctx := c.Request().Context()
	stats, err := h.queue.Stats(ctx)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to get queue stats")
		return err
	}
	return SuccessResponse(c, stats)
}

// Completed returns recently completed jobs, newest first
// GET /api/v1/queue/completed
func (h *QueueHandler) Completed(c echo.Context) error {
	ctx := c.Request().Context()
	jobs, err := h.queue.Completed(ctx, GetCount(c, 50, 500))
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to list completed jobs")
		return err
	}
	return SuccessResponse(c, jobs)
}

func (h *QueueHandler) RegisterRoutes(g *echo.Group) {
	q := g.Group("/queue")
	q.GET("/stats", h.Stats)
	q.GET("/completed", h.Completed)
}

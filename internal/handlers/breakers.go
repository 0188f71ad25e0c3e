package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
)

// BreakerSource exposes the outbound circuit breakers
type BreakerSource interface {
	Snapshot() []models.CircuitBreakerState
	Reset()
}

// BreakerHandler exposes circuit breaker state
type BreakerHandler struct {
	breakers BreakerSource
}

func NewBreakerHandler(breakers BreakerSource) *BreakerHandler {
	return &BreakerHandler{breakers: breakers}
}

// List returns every breaker's state
// GET /api/v1/breakers
func (h *BreakerHandler) List(c echo.Context) error {
	return SuccessResponse(c, h.breakers.Snapshot())
}

// Reset closes every breaker
// POST /api/v1/breakers/reset
func (h *BreakerHandler) Reset(c echo.Context) error {
	h.breakers.Reset()
	return NoContentResponse(c)
}

func (h *BreakerHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/breakers", h.List)
	g.POST("/breakers/reset", h.Reset)
}

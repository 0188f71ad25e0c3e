package handlers

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/models"
)

// GetTenantID extracts the tenant ID from context
func GetTenantID(c echo.Context) (string, error) {
	tenantID := appctx.GetTenantID(c.Request().Context())
	if tenantID == "" {
		return "", httperror.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return tenantID, nil
}

// GetEnvironment parses the environment query parameter, falling back to the service default
func GetEnvironment(c echo.Context, fallback models.Environment) (models.Environment, error) {
	raw := c.QueryParam("environment")
	if raw == "" {
		return fallback, nil
	}
	env, err := models.ParseEnvironment(raw)
	if err != nil {
		return "", httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid environment %q", raw)
	}
	return env, nil
}

// GetCount parses the count query parameter, bounded by max
func GetCount(c echo.Context, fallback, max int64) int64 {
	count := fallback
	if parsed, err := strconv.ParseInt(c.QueryParam("count"), 10, 64); err == nil && parsed > 0 {
		count = parsed
	}
	if count > max {
		count = max
	}
	return count
}

// SuccessResponse returns a 200 OK with data
func SuccessResponse(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, data)
}

// AcceptedResponse returns a 202 Accepted with data
func AcceptedResponse(c echo.Context, data any) error {
	return c.JSON(http.StatusAccepted, data)
}

// NoContentResponse returns a 204 No Content
func NoContentResponse(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}

// BadRequest returns a 400 Bad Request error
func BadRequest(message string) error {
	return httperror.NewHTTPError(http.StatusBadRequest, message)
}

// NotFound returns a 404 Not Found error
func NotFound(format string, args ...any) error {
	return httperror.NewHTTPErrorf(http.StatusNotFound, format, args...)
}

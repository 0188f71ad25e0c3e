package middleware

import (
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/context"
)

const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
)

// Context stamps every request with a request id (echoed back in X-Request-Id). With trustHeaders
// the caller's tenant and user are taken from X-Tenant-ID and X-User-ID; otherwise Authentication
// fills them from the bearer token.
func Context(trustHeaders bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			id := strings.TrimSpace(req.Header.Get(echo.HeaderXRequestID))
			if id == "" {
				id = uuid.NewString()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, id)
			ctx := context.SetRequestID(req.Context(), id)

			if trustHeaders {
				if tenant := strings.TrimSpace(req.Header.Get(HeaderTenantID)); tenant != "" {
					ctx = context.SetTenantID(ctx, tenant)
				}
				if user := strings.TrimSpace(req.Header.Get(HeaderUserID)); user != "" {
					ctx = context.SetUserID(ctx, user)
				}
			}

			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}

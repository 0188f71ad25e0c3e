package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/context"
)

// quietPrefixes are polled by orchestrators and scrapers; successful hits log at debug
var quietPrefixes = []string{"/api/v1/health", "/metrics"}

// Logger writes one access log line per request once the handler chain (and error rendering) is done
func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			began := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}

			req, res := c.Request(), c.Response()
			ctx := req.Context()
			entry := logger.WithContext(ctx).WithFields(map[string]any{
				"request_id":  context.GetRequestID(ctx),
				"tenant_id":   context.GetTenantID(ctx),
				"method":      req.Method,
				"route":       c.Path(),
				"uri":         req.RequestURI,
				"status":      res.Status,
				"bytes_out":   res.Size,
				"remote_ip":   c.RealIP(),
				"duration_ms": time.Since(began).Milliseconds(),
			})

			switch {
			case res.Status >= http.StatusInternalServerError:
				entry.Warn("request failed")
			case isQuiet(req.URL.Path):
				entry.Debug("request")
			default:
				entry.Info("request")
			}
			return nil
		}
	}
}

func isQuiet(path string) bool {
	for _, prefix := range quietPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

package middleware

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ErrorResponse is the body of every non-2xx API answer
type ErrorResponse struct {
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	TraceID   string         `json:"trace_id,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Error renders handler errors. httperror values keep their status and message; echo errors
// (404, 405, bind failures) keep theirs; anything else is an opaque 500.
func Error(logger ectologger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		ctx := c.Request().Context()
		status, body := classify(err)
		body.RequestID = context.GetRequestID(ctx)
		body.TraceID = tracing.GetTraceID(ctx)

		entry := logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"status": status,
			"route":  c.Path(),
		})
		if status >= http.StatusInternalServerError {
			entry.Error("request returned a server error")
		} else {
			entry.Warn("request rejected")
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, body)
	}
}

func classify(err error) (int, ErrorResponse) {
	if httperror.IsHTTPError(err) {
		he := httperror.ToHTTPError(err)
		return httperror.GetStatusCode(err), ErrorResponse{Message: he.Error(), Meta: he.Meta}
	}

	var ee *echo.HTTPError
	if errors.As(err, &ee) {
		msg, ok := ee.Message.(string)
		if !ok {
			msg = http.StatusText(ee.Code)
		}
		return ee.Code, ErrorResponse{Message: msg}
	}

	return http.StatusInternalServerError, ErrorResponse{Message: http.StatusText(http.StatusInternalServerError)}
}

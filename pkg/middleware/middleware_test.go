package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	utils "github.com/Ramsey-B/fern/pkg/context"
)

func getTestLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeVerifier struct {
	claims UserClaims
	err    error
}

func (f fakeVerifier) Verify(_ context.Context, _ string) (UserClaims, error) {
	return f.claims, f.err
}

func newServer(handler echo.HandlerFunc, mw ...echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = Error(getTestLogger())
	e.Use(Context(false))
	e.Use(mw...)
	e.GET("/", handler)
	return e
}

func tenantEcho(c echo.Context) error {
	return c.String(http.StatusOK, utils.GetTenantID(c.Request().Context()))
}

func TestContext(t *testing.T) {
	e := echo.New()
	e.Use(Context(true))
	e.GET("/", func(c echo.Context) error {
		ctx := c.Request().Context()
		return c.JSON(http.StatusOK, map[string]string{
			"request_id": utils.GetRequestID(ctx),
			"tenant_id":  utils.GetTenantID(ctx),
			"user_id":    utils.GetUserID(ctx),
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderTenantID, "t1")
	req.Header.Set(HeaderUserID, "u1")
	req.Header.Set(echo.HeaderXRequestID, "req-1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, map[string]string{"request_id": "req-1", "tenant_id": "t1", "user_id": "u1"}, body)
	assert.Equal(t, "req-1", rec.Header().Get(echo.HeaderXRequestID))
}

func TestContext_IgnoresHeadersWhenUntrusted(t *testing.T) {
	e := newServer(tenantEcho)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderTenantID, "t1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, "", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantCode    int
		wantMessage string
	}{
		{name: "http error", err: httperror.NewHTTPError(http.StatusNotFound, "dead letter not found"), wantCode: http.StatusNotFound, wantMessage: "dead letter not found"},
		{name: "echo error", err: echo.NewHTTPError(http.StatusBadRequest, "bad environment"), wantCode: http.StatusBadRequest, wantMessage: "bad environment"},
		{name: "plain error", err: errors.New("boom"), wantCode: http.StatusInternalServerError, wantMessage: "Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newServer(func(echo.Context) error { return tt.err })

			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, body.Message, tt.wantMessage)
			assert.NotEmpty(t, body.RequestID)
		})
	}
}

func TestAuthentication(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		verifier   fakeVerifier
		wantCode   int
		wantTenant string
	}{
		{name: "missing bearer", wantCode: http.StatusUnauthorized},
		{name: "invalid token", header: "Bearer nope", verifier: fakeVerifier{err: errors.New("expired")}, wantCode: http.StatusUnauthorized},
		{
			name:       "tenant claim",
			header:     "Bearer ok",
			verifier:   fakeVerifier{claims: UserClaims{Sub: "u1", TenantID: "t1"}},
			wantCode:   http.StatusOK,
			wantTenant: "t1",
		},
		{
			name:   "realm role fallback",
			header: "Bearer ok",
			verifier: func() fakeVerifier {
				claims := UserClaims{Sub: "u1"}
				claims.RealmAccess.Roles = []string{"t2", "admin"}
				return fakeVerifier{claims: claims}
			}(),
			wantCode:   http.StatusOK,
			wantTenant: "t2",
		},
		{name: "no tenant", header: "Bearer ok", verifier: fakeVerifier{claims: UserClaims{Sub: "u1"}}, wantCode: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newServer(tenantEcho, Authentication(getTestLogger(), tt.verifier), RequireTenant())

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, tt.wantTenant, rec.Body.String())
			}
		})
	}
}

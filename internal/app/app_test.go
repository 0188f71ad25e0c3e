package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/handlers"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
)

func getTestLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func newTestApp(t *testing.T, environment map[string]string) *App {
	t.Helper()
	cfg, err := config.LoadFrom(environment)
	require.NoError(t, err)

	a, err := New(context.Background(), cfg, getTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		if a.Orchestrator != nil {
			a.Orchestrator.Close()
		}
	})
	return a
}

func get(a *App, path, tenantID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if tenantID != "" {
		req.Header.Set(middleware.HeaderTenantID, tenantID)
	}
	rec := httptest.NewRecorder()
	a.Echo.ServeHTTP(rec, req)
	return rec
}

func TestApp_BuildWithoutRedis(t *testing.T) {
	a := newTestApp(t, map[string]string{"REDIS_ENABLED": "false"})
	a.Build()

	assert.Nil(t, a.Queue)
	assert.Nil(t, a.Processor)
	assert.Nil(t, a.Scheduler)
	assert.True(t, a.Executor.Has("ebay"))
	assert.False(t, a.Executor.Has("amazon"))

	rec := get(a, "/api/v1/status", "t1")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp handlers.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Statuses, len(a.Registry.All()))
	for _, status := range resp.Statuses {
		assert.False(t, status.IsConfigured, status.Integration)
	}

	assert.Equal(t, http.StatusUnauthorized, get(a, "/api/v1/status", "").Code)
	assert.Equal(t, http.StatusNotFound, get(a, "/api/v1/dlq", "t1").Code)
	assert.Equal(t, http.StatusOK, get(a, "/metrics", "").Code)

	rec = get(a, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var h health.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, health.StatusDegraded, h.Status)
}

func TestApp_BuildWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	a := newTestApp(t, map[string]string{"QUEUE_CONSUMER_NAME": "test"})
	a.Redis = redis.NewClientFromRedis(rdb, getTestLogger())
	a.Build()

	require.NotNil(t, a.Queue)
	require.NotNil(t, a.Processor)
	// no store, nothing to schedule from
	assert.Nil(t, a.Scheduler)

	assert.Equal(t, http.StatusOK, get(a, "/api/v1/dlq", "t1").Code)
	assert.Equal(t, http.StatusOK, get(a, "/api/v1/queue/stats", "t1").Code)
}

func TestApp_CheckTenant(t *testing.T) {
	a := newTestApp(t, map[string]string{"REDIS_ENABLED": "false"})
	a.Build()

	report := a.CheckTenant(context.Background(), "t1", "", true)
	assert.Equal(t, "t1", report.TenantID)
	assert.Equal(t, models.EnvironmentProduction, report.Environment)
	assert.Len(t, report.Statuses, len(a.Registry.All()))
	for _, name := range a.Registry.Capabilities() {
		assert.Contains(t, report.Capabilities, name)
		assert.False(t, report.Capabilities.Has(name))
	}
}

func TestApp_UnknownRegistryFile(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{"INTEGRATIONS_FILE": "/does/not/exist.yaml"})
	require.NoError(t, err)

	_, err = New(context.Background(), cfg, getTestLogger())
	assert.Error(t, err)
}

package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/models"
)

func newTestHTTPProbe(definition HTTPDefinition) *HTTPProbe {
	return NewHTTPProbe("ebay", definition, httpclient.NewClient(httpclient.DefaultConfig(), getTestLogger()), expressions.NewEvaluator())
}

func TestHTTPProbe_TestConnection(t *testing.T) {
	tests := []struct {
		name        string
		handler     http.HandlerFunc
		success     string
		wantSuccess bool
		wantMessage string
		wantRetry   time.Duration
	}{
		{
			name: "accepted status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
				w.WriteHeader(http.StatusOK)
			},
			wantSuccess: true,
			wantMessage: "connection ok",
		},
		{
			name: "success expression matches",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"status":"UP"}`))
			},
			success:     "status == 'UP'",
			wantSuccess: true,
			wantMessage: "connection ok",
		},
		{
			name: "success expression does not match",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"status":"MAINTENANCE"}`))
			},
			success:     "status == 'UP'",
			wantMessage: "success check did not match",
		},
		{
			name: "credentials rejected",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			wantMessage: "credentials rejected (401)",
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantMessage: "unexpected status 502",
		},
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Retry-After", "90")
				w.WriteHeader(http.StatusTooManyRequests)
			},
			wantMessage: "rate limited by provider",
			wantRetry:   90 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			p := newTestHTTPProbe(HTTPDefinition{
				URLs:    map[models.Environment]string{models.EnvironmentProduction: server.URL + "/health"},
				Headers: map[string]string{"Authorization": "Bearer {{ access_token }}"},
				Success: tt.success,
			})

			outcome, err := p.TestConnection(context.Background(), Target{
				Key:         ebayKey,
				Credentials: map[string]string{"access_token": "tok"},
			})

			require.NoError(t, err)
			assert.Equal(t, tt.wantSuccess, outcome.Success)
			assert.Equal(t, tt.wantMessage, outcome.Message)
			assert.Equal(t, tt.wantRetry, outcome.RetryAfter)
		})
	}
}

func TestHTTPProbe_MissingEnvironment(t *testing.T) {
	p := newTestHTTPProbe(HTTPDefinition{
		URLs: map[models.Environment]string{models.EnvironmentSandbox: "http://localhost"},
	})

	_, err := p.TestConnection(context.Background(), Target{Key: ebayKey})

	assert.Error(t, err)
}

func TestHTTPProbe_ExpectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	p := newTestHTTPProbe(HTTPDefinition{
		URLs:           map[models.Environment]string{models.EnvironmentProduction: server.URL},
		ExpectedStatus: []int{http.StatusOK},
	})

	outcome, err := p.TestConnection(context.Background(), Target{Key: ebayKey})

	require.NoError(t, err)
	assert.False(t, outcome.Success)
}

func TestHTTPDefinition_ValidateAndFields(t *testing.T) {
	evaluator := expressions.NewEvaluator()

	def := HTTPDefinition{
		URLs:    map[models.Environment]string{models.EnvironmentProduction: "https://{{ shop_domain }}/admin/api/shop.json"},
		Headers: map[string]string{"X-Access-Token": "{{ access_token }}"},
		Success: "shop.id",
	}
	require.NoError(t, def.Validate(evaluator))
	assert.ElementsMatch(t, []string{"shop_domain", "access_token"}, def.Fields())

	assert.Error(t, HTTPDefinition{}.Validate(evaluator))
	assert.Error(t, HTTPDefinition{URLs: map[models.Environment]string{"staging": "http://x"}}.Validate(evaluator))
	assert.Error(t, HTTPDefinition{URLs: map[models.Environment]string{models.EnvironmentProduction: "http://x"}, Success: "[?"}.Validate(evaluator))
}

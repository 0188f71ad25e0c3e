package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestClient_Request(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"UP"}`))
	}))
	defer server.Close()

	client := NewClient(DefaultConfig(), getTestLogger())
	resp, err := client.Request(context.Background(), http.MethodGet, server.URL, map[string]string{"Authorization": "Bearer tok"})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := resp.JSON()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "UP"}, body)
}

func TestClient_ResponseTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", MaxResponseSize+10)))
	}))
	defer server.Close()

	client := NewClient(DefaultConfig(), getTestLogger())
	_, err := client.Request(context.Background(), http.MethodGet, server.URL, nil)

	assert.Error(t, err)
}

func TestResponse_RetryAfter(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{name: "absent", header: "", want: 0},
		{name: "seconds", header: "120", want: 2 * time.Minute},
		{name: "http date", header: now.Add(30 * time.Second).Format(http.TimeFormat), want: 30 * time.Second},
		{name: "garbage", header: "soon", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &Response{Header: http.Header{}}
			if tt.header != "" {
				resp.Header.Set("Retry-After", tt.header)
			}
			assert.Equal(t, tt.want, resp.RetryAfter(now))
		})
	}
}

func TestResponse_JSONIgnoresNonJSON(t *testing.T) {
	resp := &Response{Body: []byte("<html/>"), ContentType: "text/html"}

	body, err := resp.JSON()

	require.NoError(t, err)
	assert.Nil(t, body)
}

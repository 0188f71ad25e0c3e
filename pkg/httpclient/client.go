package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
)

const (
	// DefaultTimeout caps a single probe request when the caller sets no deadline
	DefaultTimeout = 10 * time.Second

	// MaxResponseSize is the largest probe response body read (1MB)
	MaxResponseSize = 1024 * 1024
)

// Config holds HTTP client configuration
type Config struct {
	Timeout         time.Duration `env:"PROBE_HTTP_TIMEOUT" env-default:"10s"`
	MaxIdleConns    int           `env:"PROBE_HTTP_MAX_IDLE_CONNS" env-default:"50"`
	IdleConnTimeout time.Duration `env:"PROBE_HTTP_IDLE_CONN_TIMEOUT" env-default:"90s"`
}

// DefaultConfig returns default HTTP client configuration
func DefaultConfig() Config {
	return Config{
		Timeout:         DefaultTimeout,
		MaxIdleConns:    50,
		IdleConnTimeout: 90 * time.Second,
	}
}

// Client is the HTTP transport used by connectivity probes
type Client struct {
	client *http.Client
	logger ectologger.Logger
}

// NewClient creates a new HTTP client
func NewClient(cfg Config, logger ectologger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	transport := &http.Transport{
		MaxIdleConns:    cfg.MaxIdleConns,
		IdleConnTimeout: cfg.IdleConnTimeout,
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		logger: logger,
	}
}

// Response is a fully read HTTP response
type Response struct {
	StatusCode  int           `json:"status_code"`
	Header      http.Header   `json:"-"`
	Body        []byte        `json:"-"`
	ContentType string        `json:"content_type"`
	Duration    time.Duration `json:"duration_ms"`
}

// JSON decodes the body as JSON. A non-JSON body yields nil.
func (r *Response) JSON() (any, error) {
	if len(r.Body) == 0 || !strings.Contains(strings.ToLower(r.ContentType), "json") {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(r.Body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return out, nil
}

// RetryAfter parses the Retry-After header as seconds or an HTTP date. Zero when absent.
func (r *Response) RetryAfter(now time.Time) time.Duration {
	value := r.Header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// Do executes an HTTP request and reads the response with a size limit
func (c *Client) Do(ctx context.Context, req *http.Request) (*Response, error) {
	start := time.Now()

	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Debugf("HTTP request failed: %s %s", req.Method, req.URL.Redacted())
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("response body too large: more than %d bytes", MaxResponseSize)
	}

	response := &Response{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Duration:    time.Since(start),
	}

	c.logger.WithContext(ctx).Debugf("HTTP %s %s -> %d (%s)", req.Method, req.URL.Redacted(), resp.StatusCode, response.Duration)
	return response, nil
}

// Request builds and executes a request with the given headers
func (c *Client) Request(ctx context.Context, method, url string, headers map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	return c.Do(ctx, req)
}

// Package health reports fern's own liveness and readiness, separate from the integrations it
// monitors.
package health

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/pkg/models"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// severity orders statuses so a report takes its worst check
var severity = map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}

func worse(a, b Status) Status {
	if severity[b] > severity[a] {
		return b
	}
	return a
}

const pingTimeout = 5 * time.Second

type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

type Response struct {
	Status     Status                 `json:"status"`
	Version    string                 `json:"version,omitempty"`
	Uptime     string                 `json:"uptime,omitempty"`
	Checks     map[string]CheckResult `json:"checks,omitempty"`
	ReportedAt time.Time              `json:"reported_at"`
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// BreakerSource lists the outbound circuit breakers
type BreakerSource interface {
	Snapshot() []models.CircuitBreakerState
}

// probe is one registered dependency. onFailure is what a failed ping (or a nil pinger) reports.
type probe struct {
	pinger    Pinger
	onFailure Status
	note      string
}

// Checker aggregates dependency pings into one report. Required dependencies fail the service,
// optional ones and open breakers only degrade it.
type Checker struct {
	version  string
	started  time.Time
	ready    atomic.Bool
	probes   map[string]probe
	breakers BreakerSource
}

func NewChecker(version string) *Checker {
	return &Checker{version: version, started: time.Now(), probes: map[string]probe{}}
}

func (c *Checker) Require(name string, pinger Pinger) *Checker {
	c.probes[name] = probe{pinger: pinger, onFailure: StatusUnhealthy}
	return c
}

func (c *Checker) Optional(name string, pinger Pinger) *Checker {
	c.probes[name] = probe{pinger: pinger, onFailure: StatusDegraded}
	return c
}

// Disabled reports name as degraded with reason, without pinging anything
func (c *Checker) Disabled(name, reason string) *Checker {
	c.probes[name] = probe{onFailure: StatusDegraded, note: reason}
	return c
}

func (c *Checker) WithBreakers(source BreakerSource) *Checker {
	c.breakers = source
	return c
}

// SetReady flips the readiness gate; startup sets it once the HTTP listener is up
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

func (c *Checker) IsReady() bool {
	return c.ready.Load()
}

// Check pings every dependency concurrently and folds the results
func (c *Checker) Check(ctx context.Context) Response {
	results := make(map[string]CheckResult, len(c.probes)+1)
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for name, p := range c.probes {
		g.Go(func() error {
			r := p.run(ctx)
			mu.Lock()
			results[name] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if c.breakers != nil {
		results["circuit_breakers"] = breakerResult(c.breakers.Snapshot())
	}

	overall := StatusHealthy
	for _, r := range results {
		overall = worse(overall, r.Status)
	}
	return c.response(overall, results)
}

func (c *Checker) response(status Status, checks map[string]CheckResult) Response {
	return Response{
		Status:     status,
		Version:    c.version,
		Uptime:     time.Since(c.started).Round(time.Second).String(),
		Checks:     checks,
		ReportedAt: time.Now().UTC(),
	}
}

func (p probe) run(ctx context.Context) CheckResult {
	if p.pinger == nil {
		return CheckResult{Status: p.onFailure, Message: p.note}
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	began := time.Now()
	err := p.pinger.Ping(ctx)
	r := CheckResult{Status: StatusHealthy, Latency: time.Since(began).String()}
	if err != nil {
		r.Status, r.Message = p.onFailure, err.Error()
	}
	return r
}

func breakerResult(states []models.CircuitBreakerState) CheckResult {
	var open []string
	for _, s := range states {
		if s.State == models.CircuitOpen {
			open = append(open, s.Name)
		}
	}
	if len(open) == 0 {
		return CheckResult{Status: StatusHealthy}
	}
	sort.Strings(open)
	return CheckResult{Status: StatusDegraded, Message: "open: " + strings.Join(open, ", ")}
}

// Live answers 200 while the process can serve HTTP at all
func (c *Checker) Live(ec echo.Context) error {
	return ec.JSON(http.StatusOK, c.response(StatusHealthy, nil))
}

// Ready answers 503 until SetReady(true), then behaves like Report
func (c *Checker) Ready(ec echo.Context) error {
	if !c.IsReady() {
		return ec.JSON(http.StatusServiceUnavailable, c.response(StatusUnhealthy, map[string]CheckResult{
			"startup": {Status: StatusUnhealthy, Message: "still starting"},
		}))
	}
	return c.Report(ec)
}

// Report runs every check; only an unhealthy result answers 503
func (c *Checker) Report(ec echo.Context) error {
	resp := c.Check(ec.Request().Context())
	code := http.StatusOK
	if resp.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return ec.JSON(code, resp)
}

// RegisterRoutes mounts /api/v1/health, /api/v1/health/live and /api/v1/health/ready
func (c *Checker) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/v1/health")
	g.GET("", c.Report)
	g.GET("/live", c.Live)
	g.GET("/ready", c.Ready)
}

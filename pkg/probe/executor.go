package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/puzpuzpuz/xsync/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Ramsey-B/fern/pkg/bounded"
	"github.com/Ramsey-B/fern/pkg/breaker"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// DefaultBackoff is applied when a provider answers 429 without a usable Retry-After
const DefaultBackoff = time.Minute

// Budget limits how often an integration is probed and remembers provider back-off requests.
// redis.RateLimiter satisfies it.
type Budget interface {
	IsBlocked(ctx context.Context, key string) (bool, time.Duration, error)
	BlockFor(ctx context.Context, key string, d time.Duration) error
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (*redis.RateLimitResult, error)
}

// Config holds executor settings
type Config struct {
	// Timeout bounds a single probe
	Timeout time.Duration `env:"PROBE_TIMEOUT" env-default:"10s"`

	// SlowThreshold marks a successful probe slower than this as degraded
	SlowThreshold time.Duration `env:"PROBE_SLOW_THRESHOLD" env-default:"5s"`

	// BudgetLimit is the number of probes per integration and environment allowed in BudgetWindow.
	// Zero disables the budget.
	BudgetLimit  int64         `env:"PROBE_BUDGET_LIMIT" env-default:"30"`
	BudgetWindow time.Duration `env:"PROBE_BUDGET_WINDOW" env-default:"1m"`

	// BudgetTimeout bounds each budget round-trip
	BudgetTimeout time.Duration `env:"PROBE_BUDGET_TIMEOUT" env-default:"500ms"`
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.BudgetWindow <= 0 {
		c.BudgetWindow = time.Minute
	}
	if c.BudgetTimeout <= 0 {
		c.BudgetTimeout = 500 * time.Millisecond
	}
	return c
}

// Request asks the executor to probe one status key
type Request struct {
	Key         models.StatusKey
	Credentials map[string]string

	// Timeout overrides Config.Timeout when positive
	Timeout time.Duration
}

// Result is the classified outcome of a probe. It never carries a Go error: every failure mode is
// expressed as a health.
type Result struct {
	Health      models.Health
	Available   bool
	Latency     time.Duration
	StatusCode  int
	TimedOut    bool
	CircuitOpen bool
	Throttled   bool
	RetryAfter  time.Duration
	Message     string
	Error       string

	// Skipped is set when the budget kept the probe from running. Nothing was observed.
	Skipped bool
}

// LatencyMs returns the latency in milliseconds, or nil when no request was made
func (r Result) LatencyMs() *int64 {
	if r.Latency <= 0 {
		return nil
	}
	ms := r.Latency.Milliseconds()
	return &ms
}

// Executor runs probes behind the budget, the breaker and a timeout
type Executor struct {
	probes   *xsync.Map[string, Probe]
	breakers *breaker.Registry
	budget   Budget
	config   Config
	logger   ectologger.Logger
	now      func() time.Time
}

// NewExecutor creates an executor. A nil budget disables probe budgeting.
func NewExecutor(breakers *breaker.Registry, budget Budget, config Config, logger ectologger.Logger) *Executor {
	return &Executor{
		probes:   xsync.NewMap[string, Probe](),
		breakers: breakers,
		budget:   budget,
		config:   config.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// Register sets the probe for an integration, replacing any previous one
func (e *Executor) Register(integration string, p Probe) {
	e.probes.Store(integration, p)
}

// Has reports whether a probe is registered for the integration
func (e *Executor) Has(integration string) bool {
	_, ok := e.probes.Load(integration)
	return ok
}

func budgetKey(key models.StatusKey) string {
	return "probe:" + key.Integration + ":" + string(key.Environment)
}

// Execute probes req.Key and classifies the outcome
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	ctx, span := tracing.StartSpan(ctx, "Executor.Execute",
		attribute.String("integration", req.Key.Integration),
		attribute.String("environment", string(req.Key.Environment)),
	)
	defer span.End()

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":   req.Key.TenantID,
		"integration": req.Key.Integration,
		"environment": req.Key.Environment,
	})

	p, ok := e.probes.Load(req.Key.Integration)
	if !ok {
		return Result{Health: models.HealthUnknown, Message: "no connectivity probe for this integration"}
	}

	if result, throttled := e.checkBudget(ctx, req.Key); throttled {
		metrics.RecordProbe(req.Key.Integration, "throttled", 0)
		log.WithField("retry_after", result.RetryAfter.String()).Debug("Probe skipped by budget")
		return result
	}

	timeout := e.config.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	var outcome Outcome
	target := Target{Key: req.Key, Credentials: req.Credentials}
	start := e.now()

	err := e.breakers.Get(req.Key.Integration, req.Key.Environment).Execute(ctx, func(ctx context.Context) error {
		out, err := bounded.Run(ctx, timeout, func(ctx context.Context) (Outcome, error) {
			return p.TestConnection(ctx, target)
		})
		if err != nil {
			return err
		}
		outcome = out
		if !out.Success && !out.Throttled {
			return fmt.Errorf("probe failed: %s", out.Message)
		}
		return nil
	})
	latency := e.now().Sub(start)

	result := e.classify(ctx, req.Key, outcome, err, latency, timeout)
	if err != nil && !result.CircuitOpen {
		tracing.RecordError(span, err)
	}
	metrics.RecordProbe(req.Key.Integration, string(result.Health), latency.Seconds())

	log.WithFields(map[string]any{
		"health":     result.Health,
		"latency_ms": latency.Milliseconds(),
	}).Debugf("Probe finished: %s", result.Message)
	return result
}

func (e *Executor) classify(ctx context.Context, key models.StatusKey, outcome Outcome, err error, latency, timeout time.Duration) Result {
	var open *breaker.OpenError
	switch {
	case errors.As(err, &open):
		return Result{
			Health:      models.HealthDegraded,
			CircuitOpen: true,
			RetryAfter:  open.RetryAfter,
			Message:     fmt.Sprintf("temporarily unavailable, retry after %s", open.RetryAfter.Round(time.Second)),
		}
	case errors.Is(err, bounded.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Result{
			Health:   models.HealthDegraded,
			Latency:  latency,
			TimedOut: true,
			Message:  fmt.Sprintf("health check timed out after %s", timeout),
			Error:    err.Error(),
		}
	case err != nil:
		message := outcome.Message
		if message == "" {
			message = "connection test failed"
		}
		return Result{
			Health:     models.HealthUnhealthy,
			Latency:    latency,
			StatusCode: outcome.StatusCode,
			Message:    message,
			Error:      err.Error(),
		}
	case outcome.Throttled:
		backoff := outcome.RetryAfter
		if backoff <= 0 {
			backoff = DefaultBackoff
		}
		e.block(ctx, key, backoff)
		return Result{
			Health:     models.HealthDegraded,
			Available:  true,
			Latency:    latency,
			StatusCode: outcome.StatusCode,
			Throttled:  true,
			RetryAfter: backoff,
			Message:    outcome.Message,
		}
	case e.config.SlowThreshold > 0 && latency > e.config.SlowThreshold:
		return Result{
			Health:     models.HealthDegraded,
			Available:  true,
			Latency:    latency,
			StatusCode: outcome.StatusCode,
			Message:    fmt.Sprintf("slow response (%s)", latency.Round(time.Millisecond)),
		}
	default:
		return Result{
			Health:     models.HealthHealthy,
			Available:  true,
			Latency:    latency,
			StatusCode: outcome.StatusCode,
			Message:    outcome.Message,
		}
	}
}

// checkBudget returns a throttled result when the integration must not be probed right now.
// Budget backend failures let the probe through.
func (e *Executor) checkBudget(ctx context.Context, key models.StatusKey) (Result, bool) {
	if e.budget == nil {
		return Result{}, false
	}

	bk := budgetKey(key)
	blocked, err := bounded.Run(ctx, e.config.BudgetTimeout, func(ctx context.Context) (time.Duration, error) {
		isBlocked, ttl, err := e.budget.IsBlocked(ctx, bk)
		if err != nil || !isBlocked {
			return -1, err
		}
		return ttl, nil
	})
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).Debug("Probe budget unavailable")
		return Result{}, false
	}
	if blocked >= 0 {
		metrics.RecordRateLimitHit(key.Integration, "provider_backoff")
		return Result{
			Health:     models.HealthDegraded,
			Throttled:  true,
			Skipped:    true,
			RetryAfter: blocked,
			Message:    fmt.Sprintf("provider asked to back off, retry after %s", blocked.Round(time.Second)),
		}, true
	}

	if e.config.BudgetLimit <= 0 {
		return Result{}, false
	}
	allowed, err := bounded.Run(ctx, e.config.BudgetTimeout, func(ctx context.Context) (*redis.RateLimitResult, error) {
		return e.budget.Allow(ctx, bk, e.config.BudgetLimit, e.config.BudgetWindow)
	})
	if err != nil || allowed == nil || allowed.Allowed {
		return Result{}, false
	}

	metrics.RecordRateLimitHit(key.Integration, "probe_budget")
	return Result{
		Health:     models.HealthDegraded,
		Throttled:  true,
		Skipped:    true,
		RetryAfter: allowed.RetryIn,
		Message:    "probe budget exhausted",
	}, true
}

func (e *Executor) block(ctx context.Context, key models.StatusKey, d time.Duration) {
	if e.budget == nil {
		return
	}
	err := bounded.Do(ctx, e.config.BudgetTimeout, func(ctx context.Context) error {
		return e.budget.BlockFor(ctx, budgetKey(key), d)
	})
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).Warn("Failed to record provider back-off")
	}
}

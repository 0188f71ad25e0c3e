// Package availability answers "can this tenant use integration X right now". It composes the
// integration registry, the credential provider, the tiered cache, the status store, the breakers and
// the background queue. Reads never wait on a probe: stale data is served and a refresh is queued.
package availability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"

	"github.com/Ramsey-B/fern/pkg/breaker"
	"github.com/Ramsey-B/fern/pkg/cache"
	"github.com/Ramsey-B/fern/pkg/integrations"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/notify"
	"github.com/Ramsey-B/fern/pkg/probe"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

// Enqueuer schedules background probes. *queue.Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, bool)
}

// Dependencies are the collaborators of an Orchestrator. Store, Queue and Sink are optional: without a
// store nothing is persisted, without a queue refreshes run on a small in-process pool.
type Dependencies struct {
	Registry    *integrations.Registry
	Credentials CredentialProvider
	Cache       *cache.Cache
	Breakers    *breaker.Registry
	Executor    *probe.Executor
	Store       repositories.StatusRepository
	Queue       Enqueuer
	Sink        notify.Sink
}

// Orchestrator owns the per-process monitoring state. Create one per process, or one per test.
type Orchestrator struct {
	registry    *integrations.Registry
	credentials CredentialProvider
	cache       *cache.Cache
	breakers    *breaker.Registry
	executor    *probe.Executor
	store       repositories.StatusRepository
	queue       Enqueuer
	sink        notify.Sink
	config      Config
	logger      ectologger.Logger
	now         func() time.Time

	checks    pond.Pool
	refreshes pond.Pool
	inflight  *xsync.Map[string, struct{}]
	snapshots singleflight.Group
}

// New creates an orchestrator
func New(deps Dependencies, config Config, logger ectologger.Logger) *Orchestrator {
	config = config.withDefaults()
	return &Orchestrator{
		registry:    deps.Registry,
		credentials: deps.Credentials,
		cache:       deps.Cache,
		breakers:    deps.Breakers,
		executor:    deps.Executor,
		store:       deps.Store,
		queue:       deps.Queue,
		sink:        deps.Sink,
		config:      config,
		logger:      logger,
		now:         time.Now,
		checks:      pond.NewPool(config.ParallelChecks),
		refreshes:   pond.NewPool(config.LocalRefreshWorkers),
		inflight:    xsync.NewMap[string, struct{}](),
	}
}

// Close stops the worker pools, waiting for in-process refreshes to finish
func (o *Orchestrator) Close() {
	o.checks.StopAndWait()
	o.refreshes.StopAndWait()
}

// Registry returns the integration registry
func (o *Orchestrator) Registry() *integrations.Registry {
	return o.registry
}

// Environment returns the environment the batch operations check
func (o *Orchestrator) Environment() models.Environment {
	return o.config.environment()
}

// SafeMode reports whether active probing is globally disabled
func (o *Orchestrator) SafeMode() bool {
	return o.config.SafeMode
}

func (o *Orchestrator) baseStatus(in integrations.Integration, key models.StatusKey) models.IntegrationStatus {
	return models.IntegrationStatus{
		TenantID:      key.TenantID,
		Integration:   key.Integration,
		Environment:   key.Environment,
		LastChecked:   o.now().UTC(),
		MissingFields: []string{},
		IsOptional:    in.Optional,
	}
}

func configureMessage(in integrations.Integration) string {
	return "configure " + in.Label()
}

func reauthorizeMessage(in integrations.Integration) string {
	return "reauthorize " + in.Label()
}

func missingMessage(missing []string) string {
	return wrap(ErrConfigurationMissing, "missing required fields: %s", strings.Join(missing, ", "))
}

func retryAfterMessage(d time.Duration) string {
	return fmt.Sprintf("temporarily unavailable, retry after %s", d.Round(time.Second))
}

// Package scheduler keeps persisted statuses warm: it periodically finds snapshots older than their
// integration's TTL and queues low priority refreshes for them.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/integrations"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ErrSchedulerAlreadyRunning is returned when trying to start an already running scheduler
var ErrSchedulerAlreadyRunning = errors.New("scheduler already running")

const (
	// DefaultPollInterval is the default interval between scheduling runs
	DefaultPollInterval = time.Minute

	// DefaultBatchSize is the number of snapshots fetched per poll
	DefaultBatchSize = 100
)

// SnapshotLister returns snapshots last checked before a cutoff, oldest first.
// repositories.StatusRepository satisfies it.
type SnapshotLister interface {
	ListStaleSnapshots(ctx context.Context, olderThan time.Time, limit int) ([]models.IntegrationStatus, error)
}

// Enqueuer schedules background probes. *queue.Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, bool)
}

// Config holds configuration for the scheduler
type Config struct {
	Enabled      bool          `env:"SCHEDULER_ENABLED" env-default:"true"`
	PollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" env-default:"1m"`
	BatchSize    int           `env:"SCHEDULER_BATCH_SIZE" env-default:"100"`
}

// Cycle summarizes one scheduling run
type Cycle struct {
	Examined  int
	Scheduled int
	Skipped   int
	Failed    int
}

// Scheduler polls for stale snapshots and queues their refresh
type Scheduler struct {
	repo     SnapshotLister
	registry *integrations.Registry
	queue    Enqueuer
	safeMode bool
	config   Config
	logger   ectologger.Logger
	now      func() time.Time

	// Coordination
	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

// NewScheduler creates a new scheduler. In safe mode nothing is ever scheduled.
func NewScheduler(repo SnapshotLister, registry *integrations.Registry, q Enqueuer, safeMode bool, config Config, logger ectologger.Logger) *Scheduler {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}

	return &Scheduler{
		repo:     repo,
		registry: registry,
		queue:    q,
		safeMode: safeMode,
		config:   config,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
	}
}

// Start starts the polling loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	s.logger.WithContext(ctx).Infof("Starting refresh scheduler: poll_interval=%s batch_size=%d",
		s.config.PollInterval, s.config.BatchSize)

	go s.pollLoop(ctx)
	return nil
}

// Stop stops the scheduler gracefully
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)

	select {
	case <-s.stoppedC:
		s.logger.WithContext(ctx).Info("Refresh scheduler stopped")
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Refresh scheduler shutdown timed out")
		return ctx.Err()
	}
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer close(s.stoppedC)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.WithContext(ctx).WithError(err).Error("Failed to list stale snapshots")
			}
		}
	}
}

// RunOnce runs a single scheduling cycle
func (s *Scheduler) RunOnce(ctx context.Context) (Cycle, error) {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.RunOnce")
	defer span.End()

	var cycle Cycle
	if s.safeMode {
		return cycle, nil
	}

	start := s.now()
	snapshots, err := s.repo.ListStaleSnapshots(ctx, start.Add(-s.minTTL()), s.config.BatchSize)
	if err != nil {
		tracing.RecordError(span, err)
		return cycle, err
	}

	for _, snapshot := range snapshots {
		cycle.Examined++

		in, ok := s.registry.Lookup(snapshot.Integration)
		if !ok || in.Passive(false) || !snapshot.IsConfigured || snapshot.Age(start) < in.CacheTTL() {
			cycle.Skipped++
			continue
		}

		_, ok = s.queue.Enqueue(ctx, queue.EnqueueRequest{
			TenantID:    snapshot.TenantID,
			Integration: snapshot.Integration,
			Environment: snapshot.Environment,
			Priority:    models.PriorityLow,
		})
		if !ok {
			cycle.Failed++
			continue
		}
		cycle.Scheduled++
	}

	metrics.SchedulerRefreshesScheduled.Add(float64(cycle.Scheduled))
	if cycle.Examined > 0 {
		s.logger.WithContext(ctx).Infof("Scheduling cycle completed: examined=%d scheduled=%d skipped=%d failed=%d duration=%s",
			cycle.Examined, cycle.Scheduled, cycle.Skipped, cycle.Failed, s.now().Sub(start))
	}
	return cycle, nil
}

// minTTL is the shortest cache TTL in the registry; anything younger is fresh for every integration
func (s *Scheduler) minTTL() time.Duration {
	ttl := integrations.CriticalTTL
	for _, in := range s.registry.All() {
		if t := in.CacheTTL(); t < ttl {
			ttl = t
		}
	}
	return ttl
}

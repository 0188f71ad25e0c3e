// Package queue decouples connectivity probes from request handling. Jobs are published to one
// Redis stream per priority, de-duplicated per status key, and processed by a small worker pool.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/bounded"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Config holds queue and processor settings
type Config struct {
	// Stream is the base name of the lane streams, {stream}:high|normal|low
	Stream string `env:"QUEUE_STREAM" env-default:"fern:checks"`
	// Consumer group name
	ConsumerGroup string `env:"QUEUE_CONSUMER_GROUP" env-default:"fern-workers"`
	// Consumer name (defaults to hostname if empty)
	ConsumerName string `env:"QUEUE_CONSUMER_NAME" env-default:""`

	WorkerCount int           `env:"QUEUE_WORKER_COUNT" env-default:"2"`
	BatchSize   int64         `env:"QUEUE_BATCH_SIZE" env-default:"10"`
	JobTimeout  time.Duration `env:"QUEUE_JOB_TIMEOUT" env-default:"30s"`
	// AttemptTimeout bounds one handler call: the probe timeout plus room to persist the outcome
	AttemptTimeout time.Duration `env:"QUEUE_ATTEMPT_TIMEOUT" env-default:"12s"`
	MaxAttempts int           `env:"QUEUE_MAX_ATTEMPTS" env-default:"3"`
	BaseBackoff time.Duration `env:"QUEUE_BASE_BACKOFF" env-default:"2s"`

	CompletedRetention time.Duration `env:"QUEUE_COMPLETED_RETENTION" env-default:"1h"`
	FailedRetention    time.Duration `env:"QUEUE_FAILED_RETENTION" env-default:"168h"`

	// DedupeTTL bounds how long a key stays locked if its job is lost
	DedupeTTL time.Duration `env:"QUEUE_DEDUPE_TTL" env-default:"5m"`
	// EnqueueTimeout bounds the Redis round-trips of one enqueue
	EnqueueTimeout time.Duration `env:"QUEUE_ENQUEUE_TIMEOUT" env-default:"1s"`

	BlockTimeout    time.Duration `env:"QUEUE_BLOCK_TIMEOUT" env-default:"5s"`
	ClaimInterval   time.Duration `env:"QUEUE_CLAIM_INTERVAL" env-default:"30s"`
	ClaimMinIdle    time.Duration `env:"QUEUE_CLAIM_MIN_IDLE" env-default:"2m"`
	PromoteInterval time.Duration `env:"QUEUE_PROMOTE_INTERVAL" env-default:"1s"`
}

// DefaultConfig returns the default queue configuration
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = "fern:checks"
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = "fern-workers"
	}
	if c.ConsumerName == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = uuid.New().String()[:8]
		}
		c.ConsumerName = hostname
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 2
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Second
	}
	if c.AttemptTimeout <= 0 || c.AttemptTimeout > c.JobTimeout {
		c.AttemptTimeout = min(12*time.Second, c.JobTimeout)
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = time.Hour
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = redis.DefaultDLQRetention
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = 5 * time.Minute
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = time.Second
	}
	if c.BlockTimeout == 0 {
		c.BlockTimeout = 5 * time.Second
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 30 * time.Second
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = 2 * time.Minute
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = time.Second
	}
	return c
}

// Lane returns the stream of a priority
func (c Config) Lane(priority models.Priority) string {
	return c.Stream + ":" + string(priority)
}

// Lanes returns the lane streams from most to least urgent
func (c Config) Lanes() []string {
	lanes := make([]string, 0, len(models.Priorities))
	for _, p := range models.Priorities {
		lanes = append(lanes, c.Lane(p))
	}
	return lanes
}

// CompletedStream is where finished jobs are recorded
func (c Config) CompletedStream() string {
	return c.Stream + ":completed"
}

// DLQStream is where terminally failed jobs are recorded
func (c Config) DLQStream() string {
	return c.Stream + ":dlq"
}

func (c Config) delayedKey() string {
	return c.Stream + ":delayed"
}

func dedupeKey(key models.StatusKey) string {
	return "check:" + key.String()
}

// backoff returns the wait before the attempt following attempt: base, 2*base, 4*base, ...
func (c Config) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return c.BaseBackoff << (attempt - 1)
}

// EnqueueRequest asks for a background probe of one status key
type EnqueueRequest struct {
	TenantID    string
	Integration string
	Environment models.Environment
	Priority    models.Priority
	Delay       time.Duration
}

// Key returns the status key the request refreshes
func (r EnqueueRequest) Key() models.StatusKey {
	return models.StatusKey{TenantID: r.TenantID, Integration: r.Integration, Environment: r.Environment}
}

// CompletedJob is the record kept for a finished job
type CompletedJob struct {
	Job         models.HealthCheckJob    `json:"job"`
	Status      models.IntegrationStatus `json:"status"`
	DurationMs  int64                    `json:"duration_ms"`
	CompletedAt time.Time                `json:"completed_at"`
}

// Stats is a point-in-time view of the queue backlog
type Stats struct {
	Lanes     map[models.Priority]int64 `json:"lanes"`
	Delayed   int64                     `json:"delayed"`
	Completed int64                     `json:"completed"`
	Failed    int64                     `json:"failed"`
}

// Queue publishes health check jobs
type Queue struct {
	streams *redis.Streams
	locker  *redis.Locker
	delayed *redis.DelaySet
	dlq     *redis.DeadLetterQueue
	config  Config
	logger  ectologger.Logger
	now     func() time.Time
}

// New creates a queue over a Redis client
func New(client *redis.Client, config Config, logger ectologger.Logger) *Queue {
	config = config.withDefaults()
	return &Queue{
		streams: redis.NewStreams(client),
		locker:  redis.NewLocker(client, config.Stream+":lock:"),
		delayed: redis.NewDelaySet(client, config.delayedKey()),
		dlq:     redis.NewDeadLetterQueue(client, config.DLQStream(), config.FailedRetention, logger),
		config:  config,
		logger:  logger,
		now:     time.Now,
	}
}

// Config returns the effective configuration
func (q *Queue) Config() Config {
	return q.config
}

// DeadLetters returns the dead letter queue of failed jobs
func (q *Queue) DeadLetters() *redis.DeadLetterQueue {
	return q.dlq
}

// Enqueue schedules a background probe and returns its job ID. When a job for the same key is already
// outstanding its ID is returned instead. ok is false when the backend is unavailable; the caller
// then serves what it has.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, bool) {
	ctx, span := tracing.StartSpan(ctx, "Queue.Enqueue")
	defer span.End()

	priority := models.ParsePriority(string(req.Priority))
	log := q.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":   req.TenantID,
		"integration": req.Integration,
		"environment": req.Environment,
		"priority":    priority,
	})

	if !req.Key().Valid() {
		log.Warn("Rejected health check job without a complete key")
		metrics.RecordEnqueue(string(priority), "invalid")
		return "", false
	}

	job := models.HealthCheckJob{
		ID:          uuid.New().String(),
		TenantID:    req.TenantID,
		Integration: req.Integration,
		Environment: req.Environment,
		Priority:    priority,
		EnqueuedAt:  q.now().UTC(),
	}

	type enqueued struct {
		id        string
		duplicate bool
	}
	result, err := bounded.Run(ctx, q.config.EnqueueTimeout, func(ctx context.Context) (enqueued, error) {
		lock, err := q.locker.AcquireAs(ctx, dedupeKey(job.Key()), job.ID, q.config.DedupeTTL)
		if errors.Is(err, redis.ErrLockNotAcquired) {
			holder, herr := q.Outstanding(ctx, job.Key())
			if herr != nil {
				return enqueued{}, herr
			}
			if holder != "" {
				return enqueued{id: holder, duplicate: true}, nil
			}
			// released between the two calls
			lock, err = q.locker.AcquireAs(ctx, dedupeKey(job.Key()), job.ID, q.config.DedupeTTL)
		}
		if err != nil {
			return enqueued{}, err
		}

		if err := q.publish(ctx, job, req.Delay); err != nil {
			// ctx may be the expired enqueue deadline
			if rerr := lock.Release(context.WithoutCancel(ctx)); rerr != nil {
				q.logger.WithContext(ctx).WithError(rerr).Warnf("Failed to release lock of unpublished job %s", job.ID)
			}
			return enqueued{}, err
		}
		return enqueued{id: job.ID}, nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		log.WithError(err).Warn("Health check queue unavailable")
		metrics.RecordEnqueue(string(priority), "unavailable")
		return "", false
	}

	if result.duplicate {
		metrics.RecordEnqueue(string(priority), "deduplicated")
		log.WithField("job_id", result.id).Debug("Health check already queued")
		return result.id, true
	}

	metrics.RecordEnqueue(string(priority), "enqueued")
	log.WithField("job_id", result.id).Debug("Queued health check")
	return result.id, true
}

func (q *Queue) publish(ctx context.Context, job models.HealthCheckJob, delay time.Duration) error {
	if delay > 0 {
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return q.delayed.Schedule(ctx, string(data), q.now().Add(delay))
	}
	_, err := q.streams.Publish(ctx, q.config.Lane(job.Priority), job, map[string]string{
		"job_id":      job.ID,
		"tenant_id":   job.TenantID,
		"integration": job.Integration,
	})
	return err
}

// PromoteDue moves delayed jobs that are due into their lanes and returns how many moved
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	due, err := q.delayed.PopDue(ctx, q.now(), q.config.BatchSize*10)
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, member := range due {
		var job models.HealthCheckJob
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			q.logger.WithContext(ctx).WithError(err).Warn("Dropped malformed delayed job")
			continue
		}
		if _, err := q.streams.Publish(ctx, q.config.Lane(job.Priority), job, map[string]string{
			"job_id":      job.ID,
			"tenant_id":   job.TenantID,
			"integration": job.Integration,
		}); err != nil {
			// put it back so the next tick retries
			if serr := q.delayed.Schedule(ctx, member, q.now()); serr != nil {
				q.logger.WithContext(ctx).WithError(serr).Errorf("Lost delayed job %s", job.ID)
			}
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// release frees the de-duplication lock of a job if the job still owns it
func (q *Queue) release(ctx context.Context, job models.HealthCheckJob) {
	err := q.locker.Lock(dedupeKey(job.Key()), job.ID).Release(ctx)
	if err != nil && !errors.Is(err, redis.ErrLockNotHeld) {
		q.logger.WithContext(ctx).WithError(err).Warnf("Failed to release lock of job %s", job.ID)
	}
}

// Outstanding returns the ID of the queued job for key, or "" when there is none
func (q *Queue) Outstanding(ctx context.Context, key models.StatusKey) (string, error) {
	id, err := q.locker.Holder(ctx, dedupeKey(key))
	if errors.Is(err, redis.ErrLockNotHeld) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// Completed returns up to count recently completed jobs, newest first
func (q *Queue) Completed(ctx context.Context, count int64) ([]CompletedJob, error) {
	messages, err := q.streams.Latest(ctx, q.config.CompletedStream(), count)
	if err != nil {
		return nil, err
	}
	jobs := make([]CompletedJob, 0, len(messages))
	for _, msg := range messages {
		var job CompletedJob
		if err := msg.Decode(&job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Stats returns the backlog per lane and the sizes of the delayed, completed and failed sets
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Lanes: make(map[models.Priority]int64, len(models.Priorities))}
	for _, p := range models.Priorities {
		n, err := q.streams.Len(ctx, q.config.Lane(p))
		if err != nil {
			return stats, err
		}
		stats.Lanes[p] = n
	}

	var err error
	if stats.Delayed, err = q.delayed.Len(ctx); err != nil {
		return stats, err
	}
	if stats.Completed, err = q.streams.Len(ctx, q.config.CompletedStream()); err != nil {
		return stats, err
	}
	if stats.Failed, err = q.dlq.Count(ctx); err != nil {
		return stats, err
	}
	return stats, nil
}

// RetryDeadLetter re-queues a failed job at high priority and removes it from the DLQ
func (q *Queue) RetryDeadLetter(ctx context.Context, messageID string) (string, error) {
	entry, err := q.dlq.Get(ctx, messageID)
	if err != nil {
		return "", httperror.NewHTTPError(http.StatusInternalServerError, "failed to load DLQ entry")
	}
	if entry == nil {
		return "", httperror.NewHTTPErrorf(http.StatusNotFound, "DLQ entry %s not found", messageID)
	}
	if entry.OriginalJob == nil {
		return "", httperror.NewHTTPError(http.StatusUnprocessableEntity, "DLQ entry has no job to retry")
	}

	job := entry.OriginalJob
	jobID, ok := q.Enqueue(ctx, EnqueueRequest{
		TenantID:    job.TenantID,
		Integration: job.Integration,
		Environment: job.Environment,
		Priority:    models.PriorityHigh,
	})
	if !ok {
		return "", httperror.NewHTTPError(http.StatusServiceUnavailable, "health check queue unavailable")
	}

	if err := q.dlq.Delete(ctx, messageID); err != nil {
		q.logger.WithContext(ctx).WithError(err).Warnf("Failed to delete retried DLQ entry %s", messageID)
	}
	return jobID, nil
}

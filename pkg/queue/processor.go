package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/bounded"
	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/notify"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrProcessorRunning is returned when Start is called twice
	ErrProcessorRunning = errors.New("processor already running")

	// ErrInvalidJobMessage is returned when a job message cannot be decoded
	ErrInvalidJobMessage = errors.New("invalid job message")

	// ErrPermanent marks a handler error that retrying cannot fix
	ErrPermanent = errors.New("permanent job failure")
)

// Permanent marks err so the processor dead-letters the job without further attempts
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Handler probes the integration a job names and returns the refreshed status
type Handler interface {
	HandleHealthCheck(ctx context.Context, job models.HealthCheckJob) (models.IntegrationStatus, error)
}

// LastKnownStatus is implemented by handlers that can report the previous status of a key. The
// processor pushes it to subscribers when a job fails terminally.
type LastKnownStatus interface {
	LastKnownStatus(ctx context.Context, key models.StatusKey) (*models.IntegrationStatus, bool)
}

// JobResult holds the result of processing a job
type JobResult struct {
	JobID     string
	MessageID string
	Success   bool
	Attempts  int
	Status    models.IntegrationStatus
	Error     error
	Duration  time.Duration
}

// Processor consumes health check jobs from the lane streams
type Processor struct {
	queue   *Queue
	handler Handler
	sink    notify.Sink
	config  Config
	logger  ectologger.Logger

	// Channels for coordination
	stopCh   chan struct{}
	stoppedC chan struct{}
	jobsCh   chan jobItem

	// State
	running bool
	mu      sync.RWMutex
}

type jobItem struct {
	message redis.StreamMessage
	job     models.HealthCheckJob
}

// NewProcessor creates a processor for the jobs of q. sink may be nil.
func NewProcessor(q *Queue, handler Handler, sink notify.Sink, logger ectologger.Logger) *Processor {
	return &Processor{
		queue:    q,
		handler:  handler,
		sink:     sink,
		config:   q.config,
		logger:   logger,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
		jobsCh:   make(chan jobItem, q.config.BatchSize*2),
	}
}

// Start creates the consumer groups and starts the workers and background loops
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrProcessorRunning
	}
	p.running = true
	p.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "Processor.Start")
	defer span.End()

	p.logger.WithContext(ctx).Infof("Starting health check processor: stream=%s group=%s consumer=%s workers=%d",
		p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName, p.config.WorkerCount)

	for _, lane := range p.config.Lanes() {
		if err := p.queue.streams.CreateConsumerGroup(ctx, lane, p.config.ConsumerGroup); err != nil {
			p.logger.WithContext(ctx).WithError(err).Errorf("Failed to create consumer group on %s", lane)
			p.mu.Lock()
			p.running = false
			p.mu.Unlock()
			return fmt.Errorf("failed to create consumer group: %w", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < p.config.WorkerCount; i++ {
		wg.Add(1)
		go p.worker(ctx, &wg, i)
	}

	// loops that feed jobsCh must be done before it is closed
	var feeders sync.WaitGroup
	feeders.Add(3)
	go p.consumeLoop(ctx, &feeders)
	go p.claimLoop(ctx, &feeders)
	go p.promoteLoop(ctx, &feeders)

	go func() {
		<-p.stopCh
		feeders.Wait()
		close(p.jobsCh)
		wg.Wait()
		close(p.stoppedC)
	}()

	p.logger.WithContext(ctx).Info("Health check processor started")
	return nil
}

// Stop stops the processor and waits for in-flight jobs until ctx is done
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.WithContext(ctx).Info("Stopping health check processor...")

	close(p.stopCh)

	select {
	case <-p.stoppedC:
		p.logger.WithContext(ctx).Info("Health check processor stopped gracefully")
	case <-ctx.Done():
		p.logger.WithContext(ctx).Warn("Health check processor shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the processor is running
func (p *Processor) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// consumeLoop reads new messages from all lanes, most urgent lane first
func (p *Processor) consumeLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	lanes := p.config.Lanes()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		messages, err := p.queue.streams.Consume(ctx, lanes, p.config.ConsumerGroup, p.config.ConsumerName,
			p.config.BatchSize, p.config.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.WithContext(ctx).WithError(err).Warn("Failed to consume health check jobs")
			select {
			case <-time.After(time.Second):
			case <-p.stopCh:
				return
			}
			continue
		}

		for _, msg := range messages {
			job, err := parseJob(msg)
			if err != nil {
				p.logger.WithContext(ctx).WithError(err).Warnf("Failed to parse job message %s", msg.ID)
				p.deadLetter(ctx, msg, nil, 0, models.DLQReasonInvalidJob, err)
				continue
			}

			select {
			case p.jobsCh <- jobItem{message: msg, job: job}:
			case <-p.stopCh:
				return
			}
		}
	}
}

// claimLoop periodically takes over messages left pending by workers that died
func (p *Processor) claimLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(p.config.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			for _, lane := range p.config.Lanes() {
				p.claimPending(ctx, lane)
			}
		}
	}
}

func (p *Processor) claimPending(ctx context.Context, lane string) {
	ctx, span := tracing.StartSpan(ctx, "Processor.claimPending")
	defer span.End()

	pending, err := p.queue.streams.Pending(ctx, lane, p.config.ConsumerGroup, p.config.BatchSize)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warnf("Failed to list pending jobs on %s", lane)
		return
	}

	var staleIDs []string
	for _, msg := range pending {
		if msg.Idle < p.config.ClaimMinIdle {
			continue
		}
		if msg.RetryCount <= int64(p.config.MaxAttempts) {
			staleIDs = append(staleIDs, msg.ID)
			continue
		}

		p.logger.WithContext(ctx).Warnf("Job message %s delivered %d times, moving to DLQ", msg.ID, msg.RetryCount)
		messages, err := p.queue.streams.Range(ctx, lane, msg.ID, msg.ID)
		if err != nil || len(messages) == 0 {
			if ackErr := p.queue.streams.Ack(ctx, lane, p.config.ConsumerGroup, msg.ID); ackErr != nil {
				p.logger.WithContext(ctx).WithError(ackErr).Warnf("Failed to ack lost message %s", msg.ID)
			}
			continue
		}
		job, err := parseJob(messages[0])
		if err != nil {
			p.deadLetter(ctx, messages[0], nil, int(msg.RetryCount), models.DLQReasonInvalidJob, err)
			continue
		}
		p.fail(ctx, jobItem{message: messages[0], job: job}, int(msg.RetryCount), models.DLQReasonMaxRetries,
			errors.New("exceeded maximum delivery count"))
	}

	if len(staleIDs) == 0 {
		return
	}

	claimed, err := p.queue.streams.Claim(ctx, lane, p.config.ConsumerGroup, p.config.ConsumerName, p.config.ClaimMinIdle, staleIDs...)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to claim pending jobs")
		return
	}

	p.logger.WithContext(ctx).Infof("Claimed %d stale jobs on %s", len(claimed), lane)
	for _, msg := range claimed {
		job, err := parseJob(msg)
		if err != nil {
			p.deadLetter(ctx, msg, nil, 0, models.DLQReasonInvalidJob, err)
			continue
		}

		select {
		case p.jobsCh <- jobItem{message: msg, job: job}:
		case <-p.stopCh:
			return
		default:
			// workers busy, the next tick claims it again
		}
	}
}

// promoteLoop moves due delayed jobs into their lanes
func (p *Processor) promoteLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(p.config.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if n, err := p.queue.PromoteDue(ctx); err != nil {
				p.logger.WithContext(ctx).WithError(err).Warn("Failed to promote delayed jobs")
			} else if n > 0 {
				p.logger.WithContext(ctx).Debugf("Promoted %d delayed jobs", n)
			}
		}
	}
}

func (p *Processor) worker(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()

	p.logger.WithContext(ctx).Debugf("Worker %d started", id)
	for item := range p.jobsCh {
		p.processJob(ctx, item)
	}
	p.logger.WithContext(ctx).Debugf("Worker %d stopped", id)
}

// processJob runs a job to completion: success or a terminal failure. Either way the message is
// acknowledged and the de-duplication lock released.
func (p *Processor) processJob(ctx context.Context, item jobItem) *JobResult {
	ctx = appctx.SetTenantID(ctx, item.job.TenantID)
	ctx = appctx.SetJobID(ctx, item.job.ID)
	ctx = appctx.SetCheck(ctx, item.job.Integration, string(item.job.Environment))

	ctx, span := tracing.StartSpan(ctx, "Processor.processJob")
	defer span.End()

	metrics.QueueJobsInFlight.Inc()
	defer metrics.QueueJobsInFlight.Dec()

	start := p.queue.now()
	result := &JobResult{JobID: item.job.ID, MessageID: item.message.ID}

	p.logger.WithContext(ctx).Debugf("Processing health check job %s", item.job.ID)

	result.Status, result.Attempts, result.Error = p.attempt(ctx, item.job)
	result.Duration = p.queue.now().Sub(start)
	result.Success = result.Error == nil

	if !result.Success {
		tracing.RecordError(span, result.Error)
		p.fail(ctx, item, result.Attempts, failureReason(result.Error), result.Error)
		return result
	}

	p.complete(ctx, item, result)
	return result
}

// attempt calls the handler up to MaxAttempts times with exponential backoff. Each call is bounded
// by AttemptTimeout and the whole run, backoff included, by JobTimeout.
func (p *Processor) attempt(ctx context.Context, job models.HealthCheckJob) (models.IntegrationStatus, int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.JobTimeout)
	defer cancel()

	var lastErr error
	for n := 1; n <= p.config.MaxAttempts; n++ {
		job.Attempts = n
		status, err := bounded.Run(ctx, p.config.AttemptTimeout, func(ctx context.Context) (models.IntegrationStatus, error) {
			return p.handler.HandleHealthCheck(ctx, job)
		})
		if err == nil {
			return status, n, nil
		}
		lastErr = err

		if n == p.config.MaxAttempts || errors.Is(err, bounded.ErrPanic) || errors.Is(err, ErrPermanent) {
			return status, n, lastErr
		}
		if ctx.Err() != nil {
			return status, n, fmt.Errorf("%w: %v", bounded.ErrTimeout, lastErr)
		}

		p.logger.WithContext(ctx).WithError(err).Warnf("Health check job %s attempt %d failed", job.ID, n)
		select {
		case <-time.After(p.config.backoff(n)):
		case <-ctx.Done():
			return status, n, fmt.Errorf("%w: %v", bounded.ErrTimeout, lastErr)
		}
	}
	return models.IntegrationStatus{}, p.config.MaxAttempts, lastErr
}

func failureReason(err error) models.DeadLetterReason {
	switch {
	case errors.Is(err, ErrPermanent):
		return models.DLQReasonFailed
	case errors.Is(err, bounded.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return models.DLQReasonTimeout
	case errors.Is(err, bounded.ErrPanic):
		return models.DLQReasonPanic
	default:
		return models.DLQReasonMaxRetries
	}
}

func (p *Processor) complete(ctx context.Context, item jobItem, result *JobResult) {
	p.ack(ctx, item.message)

	record := CompletedJob{
		Job:         item.job,
		Status:      result.Status,
		DurationMs:  result.Duration.Milliseconds(),
		CompletedAt: p.queue.now().UTC(),
	}
	stream := p.config.CompletedStream()
	if _, err := p.queue.streams.Publish(ctx, stream, record, map[string]string{"job_id": item.job.ID}); err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to record completed job")
	} else if err := p.queue.streams.TrimOlderThan(ctx, stream, p.config.CompletedRetention); err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to trim completed jobs")
	}

	p.queue.release(ctx, item.job)
	metrics.RecordQueueJob("completed")

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"health":   result.Status.Health,
		"attempts": result.Attempts,
		"duration": result.Duration.String(),
	}).Infof("Health check job %s completed", item.job.ID)

	p.emit(ctx, item.job.TenantID, result.Status)
}

// fail dead-letters a job and pushes the last known status, or a synthesized unhealthy one
func (p *Processor) fail(ctx context.Context, item jobItem, attempts int, reason models.DeadLetterReason, err error) {
	job := item.job
	job.Attempts = attempts
	p.deadLetter(ctx, item.message, &job, attempts, reason, err)
	p.queue.release(ctx, job)
	metrics.RecordQueueJob("failed")

	status := models.FailedStatus(job, err, p.queue.now().UTC())
	if lk, ok := p.handler.(LastKnownStatus); ok {
		if previous, found := lk.LastKnownStatus(ctx, job.Key()); found && previous != nil {
			status = *previous
		}
	}
	p.emit(ctx, job.TenantID, status)
}

func (p *Processor) deadLetter(ctx context.Context, msg redis.StreamMessage, job *models.HealthCheckJob, attempts int, reason models.DeadLetterReason, err error) {
	ctx, span := tracing.StartSpan(ctx, "Processor.deadLetter")
	defer span.End()

	entry := &redis.DLQEntry{
		MessageID:    msg.ID,
		OriginalJob:  job,
		Reason:       reason,
		ErrorMessage: err.Error(),
		RetryCount:   attempts,
	}
	if _, dlqErr := p.queue.dlq.Add(ctx, entry); dlqErr != nil {
		p.logger.WithContext(ctx).WithError(dlqErr).Errorf("Failed to dead-letter message %s", msg.ID)
	} else {
		metrics.RecordDLQJob(entry.TenantID, string(reason))
	}

	p.ack(ctx, msg)
}

func (p *Processor) ack(ctx context.Context, msg redis.StreamMessage) {
	if err := p.queue.streams.Ack(ctx, msg.Stream, p.config.ConsumerGroup, msg.ID); err != nil {
		p.logger.WithContext(ctx).WithError(err).Warnf("Failed to ack message %s", msg.ID)
	}
}

func (p *Processor) emit(ctx context.Context, tenantID string, status models.IntegrationStatus) {
	if p.sink == nil {
		return
	}
	if err := p.sink.EmitStatusUpdate(ctx, tenantID, status); err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to emit status update")
	}
}

func parseJob(msg redis.StreamMessage) (models.HealthCheckJob, error) {
	var job models.HealthCheckJob
	if err := msg.Decode(&job); err != nil {
		return job, fmt.Errorf("%w: %v", ErrInvalidJobMessage, err)
	}
	if job.ID == "" || !job.Key().Valid() {
		return job, fmt.Errorf("%w: missing id or key", ErrInvalidJobMessage)
	}
	return job, nil
}

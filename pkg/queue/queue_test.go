package queue

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/notify"
	"github.com/Ramsey-B/fern/pkg/redis"
)

func getTestLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func testConfig() Config {
	return Config{
		Stream:          "test:checks",
		ConsumerName:    "test-consumer",
		WorkerCount:     1,
		JobTimeout:      time.Second,
		MaxAttempts:     2,
		BaseBackoff:     time.Millisecond,
		BlockTimeout:    20 * time.Millisecond,
		ClaimInterval:   time.Hour,
		PromoteInterval: 10 * time.Millisecond,
	}
}

func newTestQueue(t *testing.T, config Config) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client := redis.NewClientFromRedis(rdb, getTestLogger())
	return New(client, config, getTestLogger()), mr
}

func ebayRequest(tenantID string) EnqueueRequest {
	return EnqueueRequest{
		TenantID:    tenantID,
		Integration: "ebay",
		Environment: models.EnvironmentProduction,
		Priority:    models.PriorityNormal,
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "fern:checks", cfg.Stream)
	assert.Equal(t, 2, cfg.WorkerCount)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.JobTimeout)
	assert.Equal(t, 12*time.Second, cfg.AttemptTimeout)
	assert.Equal(t, time.Hour, cfg.CompletedRetention)
	assert.Equal(t, 7*24*time.Hour, cfg.FailedRetention)
	assert.NotEmpty(t, cfg.ConsumerName)
	assert.Equal(t, []string{"fern:checks:high", "fern:checks:normal", "fern:checks:low"}, cfg.Lanes())
}

func TestConfig_Backoff(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 2*time.Second, cfg.backoff(1))
	assert.Equal(t, 4*time.Second, cfg.backoff(2))
	assert.Equal(t, 8*time.Second, cfg.backoff(3))
	assert.Equal(t, 2*time.Second, cfg.backoff(0))
}

func TestQueue_EnqueueDeduplicates(t *testing.T) {
	q, mr := newTestQueue(t, testConfig())
	ctx := context.Background()

	first, ok := q.Enqueue(ctx, ebayRequest("t1"))
	require.True(t, ok)
	require.NotEmpty(t, first)

	second, ok := q.Enqueue(ctx, ebayRequest("t1"))
	require.True(t, ok)
	assert.Equal(t, first, second)

	other, ok := q.Enqueue(ctx, ebayRequest("t2"))
	require.True(t, ok)
	assert.NotEqual(t, first, other)

	outstanding, err := q.Outstanding(ctx, ebayRequest("t1").Key())
	require.NoError(t, err)
	assert.Equal(t, first, outstanding)

	stream, err := mr.Stream("test:checks:normal")
	require.NoError(t, err)
	assert.Len(t, stream, 2)
}

func TestQueue_EnqueuePriorityLanes(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	req := ebayRequest("t1")
	req.Priority = models.PriorityHigh
	_, ok := q.Enqueue(ctx, req)
	require.True(t, ok)

	req = ebayRequest("t2")
	req.Priority = "bogus"
	_, ok = q.Enqueue(ctx, req)
	require.True(t, ok)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Lanes[models.PriorityHigh])
	assert.Equal(t, int64(1), stats.Lanes[models.PriorityNormal])
	assert.Equal(t, int64(0), stats.Lanes[models.PriorityLow])
}

func TestQueue_EnqueueRejectsIncompleteKey(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())

	id, ok := q.Enqueue(context.Background(), EnqueueRequest{TenantID: "t1", Integration: "ebay"})
	assert.False(t, ok)
	assert.Empty(t, id)
}

func TestQueue_EnqueueBackendUnavailable(t *testing.T) {
	cfg := testConfig()
	cfg.EnqueueTimeout = 200 * time.Millisecond
	q, mr := newTestQueue(t, cfg)
	mr.Close()

	id, ok := q.Enqueue(context.Background(), ebayRequest("t1"))
	assert.False(t, ok)
	assert.Empty(t, id)
}

func TestQueue_EnqueueReleasesLockWhenPublishFails(t *testing.T) {
	q, mr := newTestQueue(t, testConfig())
	ctx := context.Background()

	// a string key where the lane stream should be makes XADD fail
	require.NoError(t, mr.Set("test:checks:normal", "not a stream"))

	id, ok := q.Enqueue(ctx, ebayRequest("t1"))
	assert.False(t, ok)
	assert.Empty(t, id)

	outstanding, err := q.Outstanding(ctx, ebayRequest("t1").Key())
	require.NoError(t, err)
	assert.Empty(t, outstanding, "the key must not stay locked by a job that was never published")

	mr.Del("test:checks:normal")
	id, ok = q.Enqueue(ctx, ebayRequest("t1"))
	assert.True(t, ok)
	assert.NotEmpty(t, id)
}

func TestQueue_DelayedJobsArePromotedWhenDue(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	req := ebayRequest("t1")
	req.Delay = time.Minute
	id, ok := q.Enqueue(ctx, req)
	require.True(t, ok)

	n, err := q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)
	assert.Equal(t, int64(0), stats.Lanes[models.PriorityNormal])

	// still de-duplicated while parked
	again, ok := q.Enqueue(ctx, ebayRequest("t1"))
	require.True(t, ok)
	assert.Equal(t, id, again)

	q.now = func() time.Time { return base.Add(2 * time.Minute) }
	n, err = q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Delayed)
	assert.Equal(t, int64(1), stats.Lanes[models.PriorityNormal])
}

type fakeHandler struct {
	calls  atomic.Int32
	handle func(ctx context.Context, job models.HealthCheckJob) (models.IntegrationStatus, error)
	last   *models.IntegrationStatus
}

func (h *fakeHandler) HandleHealthCheck(ctx context.Context, job models.HealthCheckJob) (models.IntegrationStatus, error) {
	h.calls.Add(1)
	return h.handle(ctx, job)
}

func (h *fakeHandler) LastKnownStatus(_ context.Context, _ models.StatusKey) (*models.IntegrationStatus, bool) {
	return h.last, h.last != nil
}

func healthyStatus(job models.HealthCheckJob) models.IntegrationStatus {
	return models.IntegrationStatus{
		TenantID:     job.TenantID,
		Integration:  job.Integration,
		Environment:  job.Environment,
		IsConfigured: true,
		IsAvailable:  true,
		Health:       models.HealthHealthy,
		LastChecked:  time.Now().UTC(),
	}.Normalize()
}

func startProcessor(t *testing.T, q *Queue, handler Handler) <-chan notify.StatusUpdate {
	t.Helper()
	hub := notify.NewHub(getTestLogger())
	updates, cancel := hub.Subscribe("t1", 8)
	t.Cleanup(cancel)

	p := NewProcessor(q, handler, hub, getTestLogger())
	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrProcessorRunning)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return updates
}

func waitForUpdate(t *testing.T, updates <-chan notify.StatusUpdate) notify.StatusUpdate {
	t.Helper()
	select {
	case update := <-updates:
		return update
	case <-time.After(3 * time.Second):
		t.Fatal("no status update received")
		return notify.StatusUpdate{}
	}
}

func TestProcessor_CompletesJob(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	handler := &fakeHandler{handle: func(_ context.Context, job models.HealthCheckJob) (models.IntegrationStatus, error) {
		return healthyStatus(job), nil
	}}
	updates := startProcessor(t, q, handler)

	id, ok := q.Enqueue(ctx, ebayRequest("t1"))
	require.True(t, ok)

	update := waitForUpdate(t, updates)
	assert.Equal(t, notify.EventStatusUpdated, update.Type)
	assert.Equal(t, models.HealthHealthy, update.Status.Health)

	require.Eventually(t, func() bool {
		id, err := q.Outstanding(ctx, ebayRequest("t1").Key())
		return err == nil && id == ""
	}, 2*time.Second, 10*time.Millisecond)

	completed, err := q.Completed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, id, completed[0].Job.ID)
	assert.Equal(t, 1, completed[0].Job.Attempts)

	count, err := q.DeadLetters().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestProcessor_RetriesThenSucceeds(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())

	handler := &fakeHandler{}
	handler.handle = func(_ context.Context, job models.HealthCheckJob) (models.IntegrationStatus, error) {
		if job.Attempts == 1 {
			return models.IntegrationStatus{}, errors.New("store unavailable")
		}
		return healthyStatus(job), nil
	}
	updates := startProcessor(t, q, handler)

	_, ok := q.Enqueue(context.Background(), ebayRequest("t1"))
	require.True(t, ok)

	update := waitForUpdate(t, updates)
	assert.Equal(t, models.HealthHealthy, update.Status.Health)
	assert.Equal(t, int32(2), handler.calls.Load())
}

func TestProcessor_TerminalFailure(t *testing.T) {
	tests := []struct {
		name       string
		config     func(*Config)
		handle     func(ctx context.Context, job models.HealthCheckJob) (models.IntegrationStatus, error)
		last       *models.IntegrationStatus
		wantReason models.DeadLetterReason
		wantCalls  int32
		wantHealth models.Health
	}{
		{
			name: "retries exhausted",
			handle: func(_ context.Context, _ models.HealthCheckJob) (models.IntegrationStatus, error) {
				return models.IntegrationStatus{}, errors.New("store unavailable")
			},
			wantReason: models.DLQReasonMaxRetries,
			wantCalls:  2,
			wantHealth: models.HealthUnhealthy,
		},
		{
			name:   "job timeout",
			config: func(c *Config) { c.JobTimeout = 50 * time.Millisecond },
			handle: func(ctx context.Context, _ models.HealthCheckJob) (models.IntegrationStatus, error) {
				<-ctx.Done()
				time.Sleep(10 * time.Millisecond)
				return models.IntegrationStatus{}, nil
			},
			wantReason: models.DLQReasonTimeout,
			wantCalls:  1,
			wantHealth: models.HealthUnhealthy,
		},
		{
			name: "panic is not retried",
			handle: func(_ context.Context, _ models.HealthCheckJob) (models.IntegrationStatus, error) {
				panic("boom")
			},
			wantReason: models.DLQReasonPanic,
			wantCalls:  1,
			wantHealth: models.HealthUnhealthy,
		},
		{
			name: "permanent error is not retried",
			handle: func(_ context.Context, _ models.HealthCheckJob) (models.IntegrationStatus, error) {
				return models.IntegrationStatus{}, Permanent(errors.New("unknown integration: myspace"))
			},
			wantReason: models.DLQReasonFailed,
			wantCalls:  1,
			wantHealth: models.HealthUnhealthy,
		},
		{
			name:   "slow attempt is cut short and retried",
			config: func(c *Config) { c.AttemptTimeout = 50 * time.Millisecond },
			handle: func(ctx context.Context, _ models.HealthCheckJob) (models.IntegrationStatus, error) {
				<-ctx.Done()
				return models.IntegrationStatus{}, ctx.Err()
			},
			wantReason: models.DLQReasonTimeout,
			wantCalls:  2,
			wantHealth: models.HealthUnhealthy,
		},
		{
			name: "last known status is pushed",
			handle: func(_ context.Context, _ models.HealthCheckJob) (models.IntegrationStatus, error) {
				return models.IntegrationStatus{}, errors.New("store unavailable")
			},
			last: &models.IntegrationStatus{
				TenantID:    "t1",
				Integration: "ebay",
				Environment: models.EnvironmentProduction,
				Health:      models.HealthDegraded,
			},
			wantReason: models.DLQReasonMaxRetries,
			wantCalls:  2,
			wantHealth: models.HealthDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.config != nil {
				tt.config(&cfg)
			}
			q, _ := newTestQueue(t, cfg)
			ctx := context.Background()

			handler := &fakeHandler{handle: tt.handle, last: tt.last}
			updates := startProcessor(t, q, handler)

			_, ok := q.Enqueue(ctx, ebayRequest("t1"))
			require.True(t, ok)

			update := waitForUpdate(t, updates)
			assert.Equal(t, tt.wantHealth, update.Status.Health)
			assert.Equal(t, tt.wantCalls, handler.calls.Load())

			entries, err := q.DeadLetters().List(ctx, 10)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, tt.wantReason, entries[0].Reason)
			assert.Equal(t, "t1", entries[0].TenantID)
			require.NotNil(t, entries[0].OriginalJob)

			outstanding, err := q.Outstanding(ctx, ebayRequest("t1").Key())
			require.NoError(t, err)
			assert.Empty(t, outstanding)
		})
	}
}

func TestProcessor_InvalidMessageIsDeadLettered(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	handler := &fakeHandler{handle: func(_ context.Context, job models.HealthCheckJob) (models.IntegrationStatus, error) {
		return healthyStatus(job), nil
	}}
	startProcessor(t, q, handler)

	_, err := q.streams.Publish(ctx, q.config.Lane(models.PriorityLow), map[string]string{"tenant_id": "t1"}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries, err := q.DeadLetters().List(ctx, 10)
		return err == nil && len(entries) == 1 && entries[0].Reason == models.DLQReasonInvalidJob
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), handler.calls.Load())
}

func TestQueue_RetryDeadLetter(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	job := models.HealthCheckJob{ID: "job-1", TenantID: "t1", Integration: "ebay", Environment: models.EnvironmentProduction}
	messageID, err := q.DeadLetters().Add(ctx, &redis.DLQEntry{OriginalJob: &job, Reason: models.DLQReasonMaxRetries})
	require.NoError(t, err)

	jobID, err := q.RetryDeadLetter(ctx, messageID)
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)
	assert.NotEqual(t, "job-1", jobID)

	count, err := q.DeadLetters().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Lanes[models.PriorityHigh])

	_, err = q.RetryDeadLetter(ctx, "1-0")
	require.Error(t, err)
	require.True(t, httperror.IsHTTPError(err))
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
}

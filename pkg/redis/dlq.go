package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	DefaultDLQStream    = "fern:dlq"
	DefaultDLQRetention = 7 * 24 * time.Hour

	defaultDLQPage = 100
)

// ErrDLQEntryNotFound is returned by Delete for an unknown message id
var ErrDLQEntryNotFound = errors.New("dlq entry not found")

// DLQEntry is one dead-lettered check job. MessageID is the stream id and addresses the entry.
type DLQEntry struct {
	ID           string                  `json:"id"`
	MessageID    string                  `json:"message_id,omitempty"`
	TenantID     string                  `json:"tenant_id"`
	Integration  string                  `json:"integration"`
	Environment  models.Environment      `json:"environment"`
	OriginalJob  *models.HealthCheckJob  `json:"original_job"`
	Reason       models.DeadLetterReason `json:"reason"`
	ErrorMessage string                  `json:"error_message"`
	RetryCount   int                     `json:"retry_count"`
	CreatedAt    time.Time               `json:"created_at"`
	TraceID      string                  `json:"trace_id,omitempty"`
}

// DeadLetterQueue is a capped stream of check jobs that exhausted their attempts. Entries older
// than the retention window are trimmed on every Add.
type DeadLetterQueue struct {
	client    *Client
	stream    string
	retention time.Duration
	logger    ectologger.Logger
}

func NewDeadLetterQueue(client *Client, stream string, retention time.Duration, logger ectologger.Logger) *DeadLetterQueue {
	if stream == "" {
		stream = DefaultDLQStream
	}
	if retention <= 0 {
		retention = DefaultDLQRetention
	}
	return &DeadLetterQueue{client: client, stream: stream, retention: retention, logger: logger}
}

// Add appends entry and returns its stream id. The key fields are copied from the original job.
func (d *DeadLetterQueue) Add(ctx context.Context, entry *DLQEntry) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Add")
	defer span.End()

	now := time.Now().UTC()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if job := entry.OriginalJob; job != nil {
		entry.TenantID, entry.Integration, entry.Environment = job.TenantID, job.Integration, job.Environment
	}
	entry.TraceID = tracing.GetTraceID(ctx)

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to encode dlq entry: %w", err)
	}

	rdb := d.client.Redis()
	id, err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: d.stream,
		Values: map[string]any{
			"data":      string(data),
			"tenant_id": entry.TenantID,
			"reason":    string(entry.Reason),
		},
	}).Result()
	if err != nil {
		tracing.RecordError(span, err)
		return "", fmt.Errorf("failed to dead-letter job: %w", err)
	}

	cutoff := fmt.Sprintf("%d-0", now.Add(-d.retention).UnixMilli())
	if err := rdb.XTrimMinID(ctx, d.stream, cutoff).Err(); err != nil {
		d.logger.WithContext(ctx).WithError(err).Warn("failed to trim dlq")
	}

	d.logger.WithContext(ctx).WithFields(map[string]any{
		"message_id":  id,
		"tenant_id":   entry.TenantID,
		"integration": entry.Integration,
		"reason":      entry.Reason,
	}).Warn("check job dead-lettered")
	return id, nil
}

// List returns up to count entries, newest first
func (d *DeadLetterQueue) List(ctx context.Context, count int64) ([]DLQEntry, error) {
	return d.collect(ctx, count, func(DLQEntry) bool { return true })
}

// ListByTenant returns up to count of the tenant's entries, newest first
func (d *DeadLetterQueue) ListByTenant(ctx context.Context, tenantID string, count int64) ([]DLQEntry, error) {
	return d.collect(ctx, count, func(e DLQEntry) bool { return e.TenantID == tenantID })
}

// collect pages backwards through the stream until count matching entries are found
func (d *DeadLetterQueue) collect(ctx context.Context, count int64, keep func(DLQEntry) bool) ([]DLQEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "DLQ.List")
	defer span.End()

	if count <= 0 {
		count = defaultDLQPage
	}

	var (
		out  []DLQEntry
		from = "+"
	)
	for int64(len(out)) < count {
		page, err := d.client.Redis().XRevRangeN(ctx, d.stream, from, "-", defaultDLQPage+1).Result()
		if err != nil {
			tracing.RecordError(span, err)
			return nil, fmt.Errorf("failed to read dlq: %w", err)
		}
		// every page after the first starts with the previous page's last message
		if from != "+" && len(page) > 0 && page[0].ID == from {
			page = page[1:]
		}
		if len(page) == 0 {
			break
		}
		for _, msg := range page {
			entry, err := decodeEntry(msg)
			if err != nil {
				d.logger.WithContext(ctx).WithError(err).WithField("message_id", msg.ID).Warn("skipping unreadable dlq entry")
				continue
			}
			if keep(*entry) {
				out = append(out, *entry)
				if int64(len(out)) == count {
					break
				}
			}
		}
		from = page[len(page)-1].ID
	}
	if out == nil {
		out = []DLQEntry{}
	}
	return out, nil
}

// Get returns the entry with the given stream id, or nil when there is none
func (d *DeadLetterQueue) Get(ctx context.Context, messageID string) (*DLQEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Get")
	defer span.End()

	msgs, err := d.client.Redis().XRange(ctx, d.stream, messageID, messageID).Result()
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to read dlq entry: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return decodeEntry(msgs[0])
}

func (d *DeadLetterQueue) Delete(ctx context.Context, messageID string) error {
	n, err := d.client.Redis().XDel(ctx, d.stream, messageID).Result()
	if err != nil {
		return fmt.Errorf("failed to delete dlq entry: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDLQEntryNotFound, messageID)
	}
	d.logger.WithContext(ctx).WithField("message_id", messageID).Info("dlq entry deleted")
	return nil
}

func (d *DeadLetterQueue) Count(ctx context.Context) (int64, error) {
	return d.client.Redis().XLen(ctx, d.stream).Result()
}

func decodeEntry(msg redis.XMessage) (*DLQEntry, error) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		return nil, errors.New("dlq entry has no data field")
	}
	var entry DLQEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("failed to decode dlq entry: %w", err)
	}
	entry.MessageID = msg.ID
	return &entry, nil
}

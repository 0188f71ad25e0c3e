package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// payloadField holds the JSON document of every message written through Streams
const payloadField = "data"

// StreamMessage is one stream entry with its JSON payload
type StreamMessage struct {
	ID     string
	Stream string
	Data   string
}

// Decode unmarshals the payload into v
func (m StreamMessage) Decode(v any) error {
	if m.Data == "" {
		return fmt.Errorf("message %s has no payload", m.ID)
	}
	return json.Unmarshal([]byte(m.Data), v)
}

// Streams carries the check queue: one stream per priority lane read through a consumer group, plus
// a capped stream of completed checks
type Streams struct {
	client *Client
}

func NewStreams(client *Client) *Streams {
	return &Streams{client: client}
}

// Publish appends payload as JSON. fields are stored beside it so they can be read without
// decoding the payload.
func (s *Streams) Publish(ctx context.Context, stream string, payload any, fields map[string]string) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", stream, err)
	}
	values := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		values[k] = v
	}
	values[payloadField] = string(data)

	id, err := s.client.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	s.client.logger.WithContext(ctx).WithFields(map[string]any{"stream": stream, "message_id": id}).Debug("published")
	return id, nil
}

// CreateConsumerGroup creates group on stream (and the stream itself); an existing group is fine
func (s *Streams) CreateConsumerGroup(ctx context.Context, stream, group string) error {
	err := s.client.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Consume reads undelivered messages from streams for consumer. The result lists messages stream by
// stream in the order streams was given, so lanes passed highest priority first come out first.
func (s *Streams) Consume(ctx context.Context, streams []string, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	if len(streams) == 0 {
		return nil, nil
	}
	ids := make([]string, len(streams))
	for i := range ids {
		ids[i] = ">"
	}

	res, err := s.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  append(append([]string{}, streams...), ids...),
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	read := make(map[string][]redis.XMessage, len(res))
	for _, r := range res {
		read[r.Stream] = r.Messages
	}
	var out []StreamMessage
	for _, stream := range streams {
		out = append(out, toMessages(stream, read[stream])...)
	}
	return out, nil
}

func (s *Streams) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return s.client.rdb.XAck(ctx, stream, group, ids...).Err()
}

// Pending lists up to count delivered but unacknowledged messages of group
func (s *Streams) Pending(ctx context.Context, stream, group string, count int64) ([]redis.XPendingExt, error) {
	return s.client.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
}

// Claim moves pending messages idle for at least minIdle to consumer
func (s *Streams) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamMessage, error) {
	res, err := s.client.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	return toMessages(stream, res), err
}

func (s *Streams) Len(ctx context.Context, stream string) (int64, error) {
	return s.client.rdb.XLen(ctx, stream).Result()
}

// TrimOlderThan drops entries older than retention; a non-positive retention keeps everything
func (s *Streams) TrimOlderThan(ctx context.Context, stream string, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-retention).UnixMilli()
	return s.client.rdb.XTrimMinID(ctx, stream, fmt.Sprintf("%d-0", cutoff)).Err()
}

// Range returns the messages between start and end inclusive
func (s *Streams) Range(ctx context.Context, stream, start, end string) ([]StreamMessage, error) {
	res, err := s.client.rdb.XRange(ctx, stream, start, end).Result()
	return toMessages(stream, res), err
}

// Latest returns the newest count messages, newest first
func (s *Streams) Latest(ctx context.Context, stream string, count int64) ([]StreamMessage, error) {
	res, err := s.client.rdb.XRevRangeN(ctx, stream, "+", "-", count).Result()
	return toMessages(stream, res), err
}

func toMessages(stream string, in []redis.XMessage) []StreamMessage {
	out := make([]StreamMessage, len(in))
	for i, msg := range in {
		data, _ := msg.Values[payloadField].(string)
		out[i] = StreamMessage{ID: msg.ID, Stream: stream, Data: data}
	}
	return out
}

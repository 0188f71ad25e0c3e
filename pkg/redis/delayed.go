package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// popDueScript atomically removes and returns members scored at or before ARGV[1]
var popDueScript = goredis.NewScript(`
	local due = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
	if #due > 0 then
		redis.call("zrem", KEYS[1], unpack(due))
	end
	return due
`)

// DelaySet parks members in a sorted set scored by the time they become due
type DelaySet struct {
	client *Client
	key    string
}

// NewDelaySet creates a delay set stored under key
func NewDelaySet(client *Client, key string) *DelaySet {
	return &DelaySet{client: client, key: key}
}

// Schedule parks member until at
func (d *DelaySet) Schedule(ctx context.Context, member string, at time.Time) error {
	return d.client.rdb.ZAdd(ctx, d.key, goredis.Z{Score: float64(at.UnixMilli()), Member: member}).Err()
}

// PopDue removes and returns up to limit members due at now. Each member is returned to exactly one
// caller even when several processes poll the set.
func (d *DelaySet) PopDue(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	result, err := popDueScript.Run(ctx, d.client.rdb, []string{d.key}, now.UnixMilli(), limit).StringSlice()
	if err != nil && err != goredis.Nil {
		return nil, fmt.Errorf("failed to pop due members: %w", err)
	}
	return result, nil
}

// Len returns the number of parked members
func (d *DelaySet) Len(ctx context.Context) (int64, error) {
	return d.client.rdb.ZCard(ctx, d.key).Result()
}

package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("lock not acquired")
	ErrLockNotHeld     = errors.New("lock not held")
)

// ownedScript runs a command against KEYS[1] only while it still holds the owner token ARGV[1].
// ARGV[2] selects the command: "del", or "pexpire" with the ttl in ARGV[3].
var ownedScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
if ARGV[2] == "del" then
	return redis.call("DEL", KEYS[1])
end
return redis.call("PEXPIRE", KEYS[1], ARGV[3])
`)

// Locker hands out SET NX locks whose value is an owner token. The queue stores a job id as the
// token so a held dedupe lock also points at the job it protects.
type Locker struct {
	client *Client
	prefix string
}

func NewLocker(client *Client, prefix string) *Locker {
	if prefix == "" {
		prefix = "lock:"
	}
	return &Locker{client: client, prefix: prefix}
}

// Lock is a handle on one owned key
type Lock struct {
	locker *Locker
	key    string
	value  string
}

func (lock *Lock) Key() string {
	return lock.key
}

func (lock *Lock) Value() string {
	return lock.value
}

// Acquire takes the lock with a random owner token
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	return l.AcquireAs(ctx, key, uuid.NewString(), ttl)
}

// AcquireAs takes the lock with value as the owner token
func (l *Locker) AcquireAs(ctx context.Context, key, value string, ttl time.Duration) (*Lock, error) {
	ok, err := l.client.rdb.SetNX(ctx, l.prefix+key, value, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	l.client.logger.WithContext(ctx).WithField("lock", key).Debug("lock acquired")
	return l.Lock(key, value), nil
}

// Holder returns the current owner token, or ErrLockNotHeld when the key is free
func (l *Locker) Holder(ctx context.Context, key string) (string, error) {
	v, err := l.client.Get(ctx, l.prefix+key)
	if errors.Is(err, ErrKeyNotFound) {
		return "", ErrLockNotHeld
	}
	return v, err
}

// Lock rebuilds a handle for a lock taken elsewhere with the given token
func (l *Locker) Lock(key, value string) *Lock {
	return &Lock{locker: l, key: key, value: value}
}

// Release deletes the key if this handle still owns it
func (lock *Lock) Release(ctx context.Context) error {
	if err := lock.owned(ctx, "del"); err != nil {
		return err
	}
	lock.locker.client.logger.WithContext(ctx).WithField("lock", lock.key).Debug("lock released")
	return nil
}

// Extend resets the ttl if this handle still owns the key
func (lock *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	return lock.owned(ctx, "pexpire", ttl.Milliseconds())
}

func (lock *Lock) owned(ctx context.Context, op string, args ...any) error {
	l := lock.locker
	argv := append([]any{lock.value, op}, args...)
	n, err := ownedScript.Run(ctx, l.client.rdb, []string{l.prefix + lock.key}, argv...).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

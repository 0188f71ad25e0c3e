// Package cache is the two-tier status cache. The local tier is process memory and always answers;
// the shared tier is Redis and is consulted first when present. Shared tier failures are absorbed here
// and never reach callers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/Ramsey-B/fern/pkg/bounded"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
)

const (
	tierLocal  = "local"
	tierShared = "shared"
)

// SharedStore is the shared tier backend. *redis.Client satisfies it.
type SharedStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
}

// Config bounds every shared tier round-trip
type Config struct {
	ReadTimeout   time.Duration `env:"CACHE_READ_TIMEOUT" env-default:"1s"`
	WriteTimeout  time.Duration `env:"CACHE_WRITE_TIMEOUT" env-default:"2s"`
	WriteAttempts int           `env:"CACHE_WRITE_ATTEMPTS" env-default:"2"`
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.WriteAttempts <= 0 {
		c.WriteAttempts = 2
	}
	return c
}

type entry struct {
	Status    models.IntegrationStatus `json:"status"`
	ExpiresAt time.Time                `json:"expires_at"`
}

// Cache is safe for concurrent use
type Cache struct {
	shared SharedStore
	local  *xsync.Map[string, entry]
	config Config
	logger ectologger.Logger
	now    func() time.Time

	pending sync.WaitGroup
}

// New creates a cache. A nil shared store runs the cache on the local tier only.
func New(shared SharedStore, config Config, logger ectologger.Logger) *Cache {
	return &Cache{
		shared: shared,
		local:  xsync.NewMap[string, entry](),
		config: config.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// Get returns the cached status for key. Expired entries are never returned.
func (c *Cache) Get(ctx context.Context, key string) (models.IntegrationStatus, bool) {
	if c.shared != nil {
		if e, ok := c.getShared(ctx, key); ok {
			c.local.Store(key, e)
			return e.Status, true
		}
	}

	e, ok := c.local.Load(key)
	if ok && !c.now().Before(e.ExpiresAt) {
		c.local.Delete(key)
		ok = false
	}
	metrics.RecordCacheLookup(tierLocal, ok)
	if !ok {
		return models.IntegrationStatus{}, false
	}
	return e.Status, true
}

func (c *Cache) getShared(ctx context.Context, key string) (entry, bool) {
	raw, err := bounded.Run(ctx, c.config.ReadTimeout, func(ctx context.Context) (string, error) {
		return c.shared.Get(ctx, key)
	})
	if err != nil {
		if !errors.Is(err, redis.ErrKeyNotFound) {
			metrics.RecordCacheBackendError("get")
			c.logger.WithContext(ctx).WithError(err).WithField("key", key).Warn("Shared cache read failed, using local tier")
		}
		metrics.RecordCacheLookup(tierShared, false)
		return entry{}, false
	}

	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		metrics.RecordCacheBackendError("decode")
		c.logger.WithContext(ctx).WithError(err).WithField("key", key).Warn("Discarding malformed shared cache entry")
		metrics.RecordCacheLookup(tierShared, false)
		return entry{}, false
	}
	if !c.now().Before(e.ExpiresAt) {
		metrics.RecordCacheLookup(tierShared, false)
		return entry{}, false
	}

	metrics.RecordCacheLookup(tierShared, true)
	return e, true
}

// Set stores status under key for ttl. The local tier is written before Set returns; the shared tier
// write is dispatched in the background and its failure is only logged.
func (c *Cache) Set(ctx context.Context, key string, status models.IntegrationStatus, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	e := entry{Status: status, ExpiresAt: c.now().Add(ttl)}
	c.local.Store(key, e)

	if c.shared == nil {
		return
	}

	data, err := json.Marshal(e)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).WithField("key", key).Warn("Failed to encode cache entry")
		return
	}

	done := bounded.Dispatch(c.logger, bounded.DispatchConfig{
		Name:     "cache.set",
		Timeout:  c.config.WriteTimeout,
		Attempts: c.config.WriteAttempts,
	}, func(ctx context.Context) error {
		err := c.shared.Set(ctx, key, string(data), ttl)
		if err != nil {
			metrics.RecordCacheBackendError("set")
		}
		return err
	})

	c.pending.Add(1)
	go func() {
		<-done
		c.pending.Done()
	}()
}

// Delete removes key from both tiers
func (c *Cache) Delete(ctx context.Context, key string) {
	c.local.Delete(key)
	c.deleteShared(ctx, func(ctx context.Context) ([]string, error) {
		return []string{key}, nil
	})
}

// DeleteByPrefix removes every entry whose key starts with prefix from both tiers
func (c *Cache) DeleteByPrefix(ctx context.Context, prefix string) {
	c.local.Range(func(key string, _ entry) bool {
		if strings.HasPrefix(key, prefix) {
			c.local.Delete(key)
		}
		return true
	})
	c.deleteShared(ctx, func(ctx context.Context) ([]string, error) {
		return c.shared.ScanKeys(ctx, EscapeGlob(prefix)+"*")
	})
}

// DeleteMatching removes every entry whose key matches the glob pattern from both tiers
func (c *Cache) DeleteMatching(ctx context.Context, pattern string) {
	c.local.Range(func(key string, _ entry) bool {
		if ok, _ := path.Match(pattern, key); ok {
			c.local.Delete(key)
		}
		return true
	})
	c.deleteShared(ctx, func(ctx context.Context) ([]string, error) {
		return c.shared.ScanKeys(ctx, pattern)
	})
}

// deleteShared runs a bounded delete on the shared tier. Failures leave the shared entries to expire
// on their TTL.
func (c *Cache) deleteShared(ctx context.Context, keys func(ctx context.Context) ([]string, error)) {
	if c.shared == nil {
		return
	}
	err := bounded.Do(ctx, c.config.WriteTimeout, func(ctx context.Context) error {
		ks, err := keys(ctx)
		if err != nil {
			return err
		}
		return c.shared.Del(ctx, ks...)
	})
	if err != nil {
		metrics.RecordCacheBackendError("delete")
		c.logger.WithContext(ctx).WithError(err).Warn("Shared cache delete failed")
	}
}

// Len returns the number of entries in the local tier, expired ones included
func (c *Cache) Len() int {
	return c.local.Size()
}

// Wait blocks until every dispatched shared tier write has finished
func (c *Cache) Wait() {
	c.pending.Wait()
}

package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/flowpilot/internal/observability"
	"github.com/pitabwire/flowpilot/model"
)

// RedisKeyPrefix namespaces cached query results in Redis.
const RedisKeyPrefix = "flowpilot:query:"

// DefaultCacheTTL is how long a query result stays cached when no TTL is
// configured.
const DefaultCacheTTL = 5 * time.Minute

// ResultCache stores successful query results by key.
type ResultCache interface {
	Get(ctx context.Context, key string) (model.QueryResult, bool, error)
	Set(ctx context.Context, key string, res model.QueryResult, ttl time.Duration) error
}

// CacheKey identifies a query request: the hex sha256 of
// "query|earliest|latest".
func CacheKey(req model.QueryRequest) string {
	sum := sha256.Sum256([]byte(req.Query + "|" + req.Window.Earliest + "|" + req.Window.Latest))
	return hex.EncodeToString(sum[:])
}

// --- MemoryResultCache ---

// MemoryResultCache is an in-process ResultCache with per-entry expiry.
type MemoryResultCache struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	result    model.QueryResult
	expiresAt time.Time
}

// NewMemoryResultCache creates an empty cache.
func NewMemoryResultCache() *MemoryResultCache {
	return &MemoryResultCache{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// Get returns the cached result for key. Expired entries are dropped.
func (c *MemoryResultCache) Get(_ context.Context, key string) (model.QueryResult, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return model.QueryResult{}, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return model.QueryResult{}, false, nil
	}
	return e.result, true, nil
}

// Set stores res under key for ttl.
func (c *MemoryResultCache) Set(_ context.Context, key string, res model.QueryResult, ttl time.Duration) error {
	c.mu.Lock()
	c.entries[key] = memEntry{result: res, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries, expired ones included.
func (c *MemoryResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// HealthCheck always succeeds.
func (c *MemoryResultCache) HealthCheck(context.Context) error { return nil }

// --- RedisResultCache ---

// RedisResultCache keeps results in Redis as JSON with a TTL.
type RedisResultCache struct {
	client redis.Cmdable
}

// NewRedisResultCache creates a cache on client.
func NewRedisResultCache(client redis.Cmdable) *RedisResultCache {
	return &RedisResultCache{client: client}
}

// Get reads the result for key.
func (c *RedisResultCache) Get(ctx context.Context, key string) (model.QueryResult, bool, error) {
	raw, err := c.client.Get(ctx, RedisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.QueryResult{}, false, nil
	}
	if err != nil {
		return model.QueryResult{}, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var res model.QueryResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return model.QueryResult{}, false, fmt.Errorf("unmarshal cached result %q: %w", key, err)
	}
	return res, true, nil
}

// Set writes res under key with ttl.
func (c *RedisResultCache) Set(ctx context.Context, key string, res model.QueryResult, ttl time.Duration) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal cached result: %w", err)
	}
	if err := c.client.Set(ctx, RedisKeyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (c *RedisResultCache) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// --- CachedQueryWorker ---

// CacheRecorder counts cache lookups. *observability.Metrics satisfies it.
type CacheRecorder interface {
	RecordQueryCacheHit()
	RecordQueryCacheMiss()
}

// CachedQueryWorker serves repeated queries from a ResultCache. Only
// successful results are cached, and cache failures never fail a query.
type CachedQueryWorker struct {
	next   model.QueryWorker
	cache  ResultCache
	ttl    time.Duration
	rec    CacheRecorder
	logger *zap.Logger
}

// NewCachedQueryWorker wraps next. A non-positive ttl means DefaultCacheTTL.
// rec and logger may be nil.
func NewCachedQueryWorker(next model.QueryWorker, cache ResultCache, ttl time.Duration, rec CacheRecorder, logger *zap.Logger) *CachedQueryWorker {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedQueryWorker{next: next, cache: cache, ttl: ttl, rec: rec, logger: logger}
}

// Execute returns a cached result when one exists, otherwise runs the query
// and caches a successful answer.
func (w *CachedQueryWorker) Execute(ctx context.Context, req model.QueryRequest) (model.QueryResult, error) {
	key := CacheKey(req)
	logger := observability.LoggerFrom(ctx, w.logger)

	res, hit, err := w.cache.Get(ctx, key)
	if err != nil {
		logger.Warn("query cache read failed", zap.String("key", key), zap.Error(err))
	}
	trace.SpanFromContext(ctx).SetAttributes(observability.AttrCacheHit.Bool(hit))
	if hit {
		if w.rec != nil {
			w.rec.RecordQueryCacheHit()
		}
		return res, nil
	}
	if w.rec != nil {
		w.rec.RecordQueryCacheMiss()
	}

	res, err = w.next.Execute(ctx, req)
	if err != nil {
		return res, err
	}
	if err := w.cache.Set(ctx, key, res, w.ttl); err != nil {
		logger.Warn("query cache write failed", zap.String("key", key), zap.Error(err))
	}
	return res, nil
}

// HealthCheck forwards to the wrapped worker when it can check itself.
func (w *CachedQueryWorker) HealthCheck(ctx context.Context) error {
	if hc, ok := w.next.(observability.HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

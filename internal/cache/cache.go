// Package cache implements get-or-fetch caching of provider results on top
// of the persisted store. Failures are never cached.
package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"time"

	"analytify/internal/logging"
	"analytify/internal/metrics"
	"analytify/internal/store"
)

const (
	// KeyPrefix is prepended to every cache key
	KeyPrefix = "analytify_cache_"

	DefaultTTL = 3600 * time.Second
	StreamTTL  = 1800 * time.Second
	ReportTTL  = 24 * time.Hour

	maxKeyLength = 172
)

// Cache is the report cache
type Cache struct {
	store      store.Store
	defaultTTL time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New creates a cache over s. defaultTTL applies to writes made with a zero
// ttl; DefaultTTL when defaultTTL <= 0.
func New(s store.Store, defaultTTL time.Duration, m *metrics.Metrics, logger *slog.Logger) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Cache{store: s, defaultTTL: defaultTTL, metrics: m, logger: logging.OrDefault(logger)}
}

// GetOrFetch returns the cached value under key, or calls fetch and caches
// its result for ttl (the cache's default when ttl <= 0). An error or nil result from
// fetch is returned without being cached. Concurrent misses may both fetch
// and both write; the writes are idempotent.
func GetOrFetch[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fetch func(ctx context.Context) (T, error)) (T, error) {
	fullKey := c.fullKey(key)

	var cached T
	found, err := c.store.Get(ctx, fullKey, &cached)
	if err != nil {
		// an unreadable entry behaves as a miss
		c.logger.Warn("cache read failed", "key", fullKey, "error", err)
	}
	if err == nil && found && !isNil(cached) {
		c.metrics.CacheHit()
		return cached, nil
	}
	c.metrics.CacheMiss()

	result, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	if isNil(result) {
		return result, nil
	}

	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if err := c.store.Set(ctx, fullKey, result, ttl); err != nil {
		c.logger.Warn("cache write failed", "key", fullKey, "error", err)
	}
	return result, nil
}

// Delete drops one cached entry
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.store.Delete(ctx, c.fullKey(key))
}

// Clear removes every cache entry and returns how many were removed
func (c *Cache) Clear(ctx context.Context) (int, error) {
	n, err := c.store.DeletePrefix(ctx, KeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to clear cache: %w", err)
	}
	c.logger.Info("report cache cleared", "entries", n)
	return n, nil
}

func (c *Cache) fullKey(key string) string {
	if strings.HasPrefix(key, KeyPrefix) {
		return key
	}
	return KeyPrefix + key
}

// Key builds a cache key from a report name and its parameters. Parameter
// order does not matter; overly long keys are hashed.
func Key(name string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range names {
		b.WriteString("_")
		b.WriteString(k)
		b.WriteString("-")
		b.WriteString(params[k])
	}

	key := b.String()
	if len(KeyPrefix)+len(key) > maxKeyLength {
		sum := sha1.Sum([]byte(key))
		key = name + "_" + hex.EncodeToString(sum[:])
	}
	return key
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

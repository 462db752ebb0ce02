// Package cache stores upstream config lookups for a bounded time.
package cache

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dayuer/convai-widget/internal/metrics"
	"github.com/dayuer/convai-widget/internal/redis"
)

// Default bounds.
const (
	DefaultTTL     = 15 * time.Minute
	DefaultMaxKeys = 1000
)

// Cache is a JSON value cache. Misses and backend failures look the same.
type Cache interface {
	GetJSON(ctx context.Context, key string, out any) bool
	SetJSON(ctx context.Context, key string, v any)
}

// Memory is an in-process LRU with per-entry expiry.
type Memory struct {
	lru *expirable.LRU[string, []byte]
}

// NewMemory creates a memory cache. Zero values use the defaults.
func NewMemory(maxKeys int, ttl time.Duration) *Memory {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{lru: expirable.NewLRU[string, []byte](maxKeys, nil, ttl)}
}

// GetJSON decodes the cached value for key into out.
func (m *Memory) GetJSON(_ context.Context, key string, out any) bool {
	raw, ok := m.lru.Get(key)
	if !ok {
		metrics.CacheMissesTotal.WithLabelValues("memory").Inc()
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		log.Printf("[Cache] decode %s: %v", key, err)
		m.lru.Remove(key)
		return false
	}
	metrics.CacheHitsTotal.WithLabelValues("memory").Inc()
	return true
}

// SetJSON stores v under key.
func (m *Memory) SetJSON(_ context.Context, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		log.Printf("[Cache] encode %s: %v", key, err)
		return
	}
	m.lru.Add(key, raw)
}

// Len returns the number of live entries.
func (m *Memory) Len() int { return m.lru.Len() }

// Redis stores entries in the shared Redis connection.
type Redis struct {
	ttl time.Duration
}

// NewRedis creates a Redis-backed cache. Requires redis.Init to have succeeded
// for entries to persist; otherwise every lookup is a miss.
func NewRedis(ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{ttl: ttl}
}

// GetJSON decodes the cached value for key into out.
func (r *Redis) GetJSON(ctx context.Context, key string, out any) bool {
	if redis.CacheGetJSON(ctx, key, out) {
		metrics.CacheHitsTotal.WithLabelValues("redis").Inc()
		return true
	}
	metrics.CacheMissesTotal.WithLabelValues("redis").Inc()
	return false
}

// SetJSON stores v under key with the cache TTL.
func (r *Redis) SetJSON(ctx context.Context, key string, v any) {
	redis.CacheSetJSON(ctx, key, v, r.ttl)
}

// Open returns a Redis cache when redisURL is set and reachable, a Memory
// cache otherwise.
func Open(redisURL string, maxKeys int, ttl time.Duration) Cache {
	if redisURL != "" && (redis.IsAvailable() || redis.Init(redis.Config{URL: redisURL})) {
		log.Println("[Cache] using redis backend")
		return NewRedis(ttl)
	}
	return NewMemory(maxKeys, ttl)
}

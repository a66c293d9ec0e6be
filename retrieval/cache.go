// Package retrieval implements bounded-concurrency evidence fanout against
// vector and web search backends, with a TTL cache fronting both.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/localforge/deliberate/core"
)

// Cache fronts the vector/web search backends so that repeated research
// questions across a run, or across runs, don't re-issue outbound calls.
type Cache interface {
	Get(ctx context.Context, question string) ([]core.SourceRecord, bool)
	Set(ctx context.Context, question string, sources []core.SourceRecord, ttl time.Duration) error
	Stats() CacheStats
}

// CacheStats mirrors the hit/miss accounting a caller would want to emit as
// metrics around retrieval.
type CacheStats struct {
	Size    int
	Hits    int64
	Misses  int64
	HitRate float64
}

// NewCache returns a Redis-backed cache when client is non-nil, otherwise an
// in-memory cache with the same TTL semantics.
func NewCache(client *core.RedisClient, logger core.Logger) Cache {
	if client != nil {
		return &redisCache{client: client, logger: logger}
	}
	return newMemoryCache()
}

func hashQuestion(question string) string {
	h := sha256.New()
	h.Write([]byte(question))
	return hex.EncodeToString(h.Sum(nil))[:24]
}

// redisCache stores JSON-encoded source slices in the evidence cache DB.
type redisCache struct {
	mu     sync.Mutex
	client *core.RedisClient
	logger core.Logger
	hits   int64
	misses int64
}

func (c *redisCache) Get(ctx context.Context, question string) ([]core.SourceRecord, bool) {
	raw, err := c.client.Get(ctx, hashQuestion(question))
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.misses++
		return nil, false
	}

	var sources []core.SourceRecord
	if err := json.Unmarshal([]byte(raw), &sources); err != nil {
		if c.logger != nil {
			c.logger.Warn("evidence cache entry unmarshal failed", map[string]interface{}{"error": err.Error()})
		}
		c.misses++
		return nil, false
	}
	c.hits++
	return sources, true
}

func (c *redisCache) Set(ctx context.Context, question string, sources []core.SourceRecord, ttl time.Duration) error {
	data, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("marshal evidence cache entry: %w", err)
	}
	return c.client.Set(ctx, hashQuestion(question), string(data), ttl)
}

func (c *redisCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	stats := CacheStats{Hits: c.hits, Misses: c.misses}
	if total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// memoryCache is the in-process fallback, fronting a core.MemoryStore (the
// same TTL-expiring key/value store RedisClient-less deployments use
// elsewhere in this core) with the JSON encode/decode and hit/miss
// accounting a Cache needs.
type memoryCache struct {
	mu     sync.Mutex
	store  *core.MemoryStore
	hits   int64
	misses int64
}

func newMemoryCache() *memoryCache {
	return &memoryCache{store: core.NewMemoryStore()}
}

func (c *memoryCache) Get(ctx context.Context, question string) ([]core.SourceRecord, bool) {
	raw, err := c.store.Get(ctx, hashQuestion(question))
	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil || raw == "" {
		c.misses++
		return nil, false
	}

	var sources []core.SourceRecord
	if err := json.Unmarshal([]byte(raw), &sources); err != nil {
		c.misses++
		return nil, false
	}
	c.hits++
	return sources, true
}

func (c *memoryCache) Set(ctx context.Context, question string, sources []core.SourceRecord, ttl time.Duration) error {
	data, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("marshal evidence cache entry: %w", err)
	}
	return c.store.Set(ctx, hashQuestion(question), string(data), ttl)
}

func (c *memoryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	stats := CacheStats{Hits: c.hits, Misses: c.misses}
	if total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// Stop is a no-op retained so callers that held onto the old
// goroutine-backed cache's lifecycle method still compile; core.MemoryStore
// has no background routine to halt.
func (c *memoryCache) Stop() {}

// RedisCitationStore persists a run's CitationRegistry entries under its
// own Redis DB (core.RedisDBCitationRegistry), keyed by run id plus
// citation id. It satisfies core.RedisCitationStore.
type RedisCitationStore struct {
	client *core.RedisClient
	logger core.Logger
}

// NewRedisCitationStore wraps client for use as a CitationRegistry's
// optional persistence hook.
func NewRedisCitationStore(client *core.RedisClient, logger core.Logger) *RedisCitationStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisCitationStore{client: client, logger: logger}
}

func (s *RedisCitationStore) SaveCitation(runID string, c core.Citation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal citation: %w", err)
	}
	key := fmt.Sprintf("%s:%s", runID, c.ID)
	if err := s.client.Set(context.Background(), key, string(data), 0); err != nil {
		s.logger.Warn("citation persistence failed", map[string]interface{}{"run_id": runID, "citation_id": c.ID, "error": err.Error()})
		return err
	}
	return nil
}

package completeness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xiaot623/agentrun/internal/domain"
)

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	result    domain.CompletenessResult
	expiresAt time.Time
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*domain.CompletenessResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	result := entry.result
	return &result, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, result domain.CompletenessResult, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	result.FromCache = false
	c.entries[key] = memoryEntry{result: result, expiresAt: c.now().Add(ttl)}
	return nil
}

// RedisCache is a Cache shared across engine instances.
type RedisCache struct {
	client *goredis.Client
	prefix string
}

// NewRedisCache wraps an existing client. Keys are stored under <prefix>:completeness:.
func NewRedisCache(client *goredis.Client, prefix string) *RedisCache {
	if strings.TrimSpace(prefix) == "" {
		prefix = "agentrun"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(key string) string {
	return c.prefix + ":completeness:" + key
}

func (c *RedisCache) Get(ctx context.Context, key string) (*domain.CompletenessResult, bool, error) {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}
	var result domain.CompletenessResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached result: %w", err)
	}
	return &result, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, result domain.CompletenessResult, ttl time.Duration) error {
	result.FromCache = false
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if err := c.client.Set(ctx, c.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

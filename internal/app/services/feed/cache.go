package feed

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/R3E-Network/engagement_layer/internal/app/domain/post"
)

// cachedPage is the viewer-independent part of a page: the posts and the
// cursor. Aggregates are attached per viewer after the cache.
type cachedPage struct {
	Posts      []post.Post `json:"posts"`
	Tiers      []int       `json:"tiers"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

// Cache stores assembled pages. Keys embed a generation number that is bumped
// on every post creation, which retires all older pages at once.
type Cache interface {
	Get(ctx context.Context, key string) (cachedPage, bool)
	Set(ctx context.Context, key string, page cachedPage)
	Generation(ctx context.Context) int64
	Bump(ctx context.Context)
}

// LRUCache is an in-process Cache with a size bound and TTL.
type LRUCache struct {
	pages      *expirable.LRU[string, cachedPage]
	generation atomic.Int64
}

// NewLRUCache creates an in-process cache.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &LRUCache{pages: expirable.NewLRU[string, cachedPage](size, nil, ttl)}
}

func (c *LRUCache) Get(_ context.Context, key string) (cachedPage, bool) {
	return c.pages.Get(key)
}

func (c *LRUCache) Set(_ context.Context, key string, page cachedPage) {
	c.pages.Add(key, page)
}

func (c *LRUCache) Generation(context.Context) int64 { return c.generation.Load() }

func (c *LRUCache) Bump(context.Context) {
	c.generation.Add(1)
	c.pages.Purge()
}

const redisGenerationKey = "feed:generation"

// RedisCache shares pages between replicas through redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache wraps a redis client.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (cachedPage, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return cachedPage{}, false
	}
	var page cachedPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return cachedPage{}, false
	}
	return page, true
}

func (c *RedisCache) Set(ctx context.Context, key string, page cachedPage) {
	raw, err := json.Marshal(page)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, key, raw, c.ttl).Err()
}

// Generation reads the shared counter. An unreachable redis reports -1, which
// never matches a stored key, so reads fall through to the store.
func (c *RedisCache) Generation(ctx context.Context) int64 {
	v, err := c.client.Get(ctx, redisGenerationKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0
	}
	if err != nil {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

func (c *RedisCache) Bump(ctx context.Context) {
	_ = c.client.Incr(ctx, redisGenerationKey).Err()
}

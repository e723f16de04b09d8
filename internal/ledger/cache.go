package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"tg_metered_bot/internal/logging"
)

const (
	// CacheTTL bounds how long an "account exists" memo is trusted.
	CacheTTL = 24 * time.Hour

	defaultCacheSize = 1000
	redisKeyPrefix   = "ledger:account:"
)

// Cache memoizes which accounts are already initialized. It is never the
// source of truth; a miss always falls through to the Repository.
type Cache interface {
	Seen(ctx context.Context, accountID int64) bool
	Remember(ctx context.Context, accountID int64)
}

// MemoryCache is a process-local expirable LRU.
type MemoryCache struct {
	lru *expirable.LRU[int64, struct{}]
}

// NewMemoryCache creates a MemoryCache holding up to size entries for ttl.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = CacheTTL
	}
	return &MemoryCache{lru: expirable.NewLRU[int64, struct{}](size, nil, ttl)}
}

func (c *MemoryCache) Seen(_ context.Context, accountID int64) bool {
	// Contains does not check expiry; Get does.
	_, ok := c.lru.Get(accountID)
	return ok
}

func (c *MemoryCache) Remember(_ context.Context, accountID int64) {
	c.lru.Add(accountID, struct{}{})
}

type redisKV interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisCache shares the memo between bot replicas. Redis failures degrade to
// cache misses.
type RedisCache struct {
	client redisKV
	ttl    time.Duration
	logger *logrus.Entry
}

// NewRedisCache constructs a RedisCache.
func NewRedisCache(client redisKV, ttl time.Duration, logger *logrus.Entry) *RedisCache {
	if ttl <= 0 {
		ttl = CacheTTL
	}
	if logger == nil {
		logger = logging.Logger()
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

func (c *RedisCache) Seen(ctx context.Context, accountID int64) bool {
	count, err := c.client.Exists(ctx, redisKey(accountID)).Result()
	if err != nil {
		c.logger.WithFields(logging.Fields{
			"event":      "ledger_cache_error",
			"account_id": accountID,
		}).WithError(err).Debug("redis cache lookup failed")
		return false
	}
	return count > 0
}

func (c *RedisCache) Remember(ctx context.Context, accountID int64) {
	if err := c.client.Set(ctx, redisKey(accountID), 1, c.ttl).Err(); err != nil {
		c.logger.WithFields(logging.Fields{
			"event":      "ledger_cache_error",
			"account_id": accountID,
		}).WithError(err).Debug("redis cache write failed")
	}
}

func redisKey(accountID int64) string {
	return fmt.Sprintf("%s%d", redisKeyPrefix, accountID)
}

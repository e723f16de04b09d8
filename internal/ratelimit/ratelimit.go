// Package ratelimit drops messages from users that write faster than the bot
// is willing to serve.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"tg_metered_bot/internal/logging"
)

const (
	// DefaultLimit messages are allowed per DefaultWindow.
	DefaultLimit  = 3
	DefaultWindow = 3 * time.Second

	visitorTTL   = 10 * time.Minute
	gcEveryCalls = 5000
)

// Limiter decides whether a message keyed by key may be processed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type visitor struct {
	start time.Time
	count int
}

// Memory is a process-local fixed window limiter with idle visitor eviction.
type Memory struct {
	limit  int
	window time.Duration

	mu       sync.Mutex
	visitors map[string]*visitor
	calls    uint64
	ttl      time.Duration
	now      func() time.Time
}

// NewMemory allows limit messages per key in each window. A window opens with
// the first message after the previous one closed.
func NewMemory(limit int, window time.Duration) *Memory {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = DefaultWindow
	}
	ttl := visitorTTL
	if ttl < window {
		ttl = window
	}
	return &Memory{
		limit:    limit,
		window:   window,
		visitors: make(map[string]*visitor),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Evict before touching key so a stale window for key is dropped too.
	m.calls++
	if m.calls >= gcEveryCalls {
		for k, v := range m.visitors {
			if now.Sub(v.start) >= m.ttl {
				delete(m.visitors, k)
			}
		}
		m.calls = 0
	}

	v, ok := m.visitors[key]
	if !ok || now.Sub(v.start) >= m.window {
		v = &visitor{start: now}
		m.visitors[key] = v
	}
	v.count++
	return v.count <= m.limit, nil
}

type counter interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// windowScript counts a hit and starts the window on the first one. A key
// left without a TTL gets one on its next hit.
const windowScript = `
local count = redis.call("INCR", KEYS[1])
if redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`

// Redis is a fixed window limiter shared by every bot replica.
type Redis struct {
	client counter
	limit  int64
	window time.Duration
	logger *logrus.Entry
}

// NewRedis builds a Redis limiter allowing limit messages per window.
func NewRedis(client counter, limit int, window time.Duration, logger *logrus.Entry) *Redis {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = logging.Logger()
	}
	return &Redis{client: client, limit: int64(limit), window: window, logger: logger}
}

// Allow counts the message in the current window. Redis failures let the
// message through and are returned for logging.
func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := "ratelimit:" + key

	count, err := r.client.Eval(ctx, windowScript, []string{redisKey}, r.window.Milliseconds()).Int64()
	if err != nil {
		return true, fmt.Errorf("rate limit window %s: %w", redisKey, err)
	}
	if count > r.limit {
		r.logger.WithFields(logging.Fields{
			"event": "rate_limit_exceeded",
			"key":   redisKey,
			"count": count,
		}).Debug("rate limit window full")
	}

	return count <= r.limit, nil
}

package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tg_metered_bot/internal/logging"
)

// ErrLockNotAcquired is returned when the account lock stays busy for the
// whole retry budget.
var ErrLockNotAcquired = errors.New("account payment lock not acquired")

// Locker serializes payments of one account. The returned func releases the
// lock and must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, accountID int64) (func(), error)
}

// LocalLocker is an in-process Locker with one slot per account.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[int64]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker returns an empty in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[int64]*lockSlot)}
}

func (l *LocalLocker) Lock(ctx context.Context, accountID int64) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[accountID]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[accountID] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(accountID, slot)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.ch
			l.release(accountID, slot)
		})
	}, nil
}

func (l *LocalLocker) release(accountID int64, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, accountID)
	}
}

type redisLockClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// unlockScript deletes the key only while it still holds our token, so an
// expired holder cannot release a lock taken over by another replica.
const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

const (
	defaultLockTTL        = 3 * time.Minute
	defaultLockRetry      = 100 * time.Millisecond
	defaultLockMaxRetries = 50
)

// RedisLocker is a Locker shared by every bot replica, built on SET NX with
// an expiry and a token checked on release.
type RedisLocker struct {
	client     redisLockClient
	ttl        time.Duration
	retry      time.Duration
	maxRetries int
	logger     *logrus.Entry
}

// NewRedisLocker builds a RedisLocker with the default expiry and retry budget.
// The expiry covers the on-chain confirmation wait.
func NewRedisLocker(client redisLockClient, logger *logrus.Entry) *RedisLocker {
	if logger == nil {
		logger = logging.Logger()
	}
	return &RedisLocker{
		client:     client,
		ttl:        defaultLockTTL,
		retry:      defaultLockRetry,
		maxRetries: defaultLockMaxRetries,
		logger:     logger,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, accountID int64) (func(), error) {
	key := fmt.Sprintf("pay:lock:account:%d", accountID)
	token := uuid.NewString()

	for i := 0; i < l.maxRetries; i++ {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire payment lock: %w", err)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() { l.unlock(key, token) })
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	return nil, ErrLockNotAcquired
}

func (l *RedisLocker) unlock(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.client.Eval(ctx, unlockScript, []string{key}, token).Err(); err != nil {
		l.logger.WithError(err).WithFields(logging.Fields{
			"event": "payment_unlock_failed",
			"key":   key,
		}).Warn("failed to release payment lock")
	}
}

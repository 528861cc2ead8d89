package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
)

const (
	// DefaultPollInterval is how often a contended Redis lock is retried.
	DefaultPollInterval = 100 * time.Millisecond

	unlockScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`

	renewScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
)

// RedisLocker implements Locker across replicas using Redis SET NX PX.
// While a lock is held its TTL is extended in the background, so the TTL only bounds how
// long a crashed holder blocks the key.
type RedisLocker struct {
	client backend.UniversalClient
	prefix string
	poll   time.Duration
	renew  time.Duration
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithRenewInterval sets how often a held lock's TTL is extended. The default is a third of the TTL.
func WithRenewInterval(d time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if d > 0 {
			l.renew = d
		}
	}
}

// NewRedisLocker creates a Redis locker. Keys are stored as prefix + "lock:" + key.
func NewRedisLocker(client backend.UniversalClient, prefix string, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{client: client, prefix: prefix, poll: DefaultPollInterval}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock acquires the lock, polling until it is free or ctx is done.
// Each holder stores a unique token so only the holder can extend or release the key.
func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error) {
	lockKey := l.prefix + "lock:" + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: redis error: %v", ErrLockAcquire, err)
		}
		if ok {
			return l.hold(lockKey, token, ttl), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// hold keeps lockKey alive until the returned UnlockFunc runs.
func (l *RedisLocker) hold(lockKey, token string, ttl time.Duration) UnlockFunc {
	interval := l.renew
	if interval <= 0 {
		interval = ttl / 3
	}
	if interval < time.Millisecond {
		interval = time.Millisecond
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
			}
			rctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := l.client.Eval(rctx, renewScript, []string{lockKey}, token, ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				slog.Warn("RedisLocker.hold: renewal failed", "key", lockKey, "error", err)
				continue
			}
			if n == 0 {
				slog.Warn("RedisLocker.hold: lock lost before release", "key", lockKey)
				return
			}
		}
	}()

	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() {
			close(stop)
			<-done
		})
		return l.client.Eval(ctx, unlockScript, []string{lockKey}, token).Err()
	}
}

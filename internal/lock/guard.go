package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTTL bounds how long a distributed lock survives a crashed holder.
const DefaultTTL = 30 * time.Second

// Guard runs functions while holding the lock for a key. It always takes the in-process
// lock first, then the distributed one when configured.
type Guard struct {
	local       *LocalLocker
	distributed Locker
	ttl         time.Duration
	logger      *slog.Logger
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithDistributed adds a cross-replica locker.
func WithDistributed(l Locker) GuardOption {
	return func(g *Guard) {
		g.distributed = l
	}
}

// WithTTL sets the distributed lock TTL.
func WithTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithLogger configures a logger for release failures.
func WithLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) {
		g.logger = logger
	}
}

// NewGuard creates a Guard.
func NewGuard(opts ...GuardOption) *Guard {
	g := &Guard{local: NewLocalLocker(), ttl: DefaultTTL, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// WithLock executes fn while holding the lock for key.
func (g *Guard) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	unlockLocal, err := g.local.Lock(ctx, key, g.ttl)
	if err != nil {
		return fmt.Errorf("%w for %s: %w", ErrLockAcquire, key, err)
	}
	defer unlockLocal(ctx)

	if g.distributed != nil {
		unlock, err := g.distributed.Lock(ctx, key, g.ttl)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			// Release even when the caller's context is already done.
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				g.logger.Warn("Failed to release distributed lock (will expire via TTL)",
					"key", key,
					"error", err,
				)
			}
		}()
	}

	return fn(ctx)
}

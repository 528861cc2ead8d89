// Package lock serializes work per key, in process and across replicas.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrLockAcquire is returned when a lock cannot be acquired.
var ErrLockAcquire = errors.New("failed to acquire lock")

// UnlockFunc releases a lock obtained from a Locker.
type UnlockFunc func(ctx context.Context) error

// Locker grants exclusive access to a key.
type Locker interface {
	// Lock blocks until the lock for key is held or ctx is done.
	// The returned UnlockFunc MUST be called to release the lock; ttl bounds how long a
	// crashed holder can keep it where the implementation supports expiry.
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

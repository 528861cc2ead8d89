package lock

import (
	"context"
	"sync"
	"time"
)

// lockEntry holds the per-key semaphore and the reference count.
type lockEntry struct {
	sem  chan struct{}
	refs int
}

// LocalLocker is an in-process Locker. Entries are reference counted and removed
// once no goroutine holds or waits for them.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*lockEntry)}
}

func (l *LocalLocker) acquire(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, exists := l.locks[key]
	if !exists {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		l.locks[key] = entry
	}
	entry.refs++
	return entry
}

func (l *LocalLocker) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, exists := l.locks[key]
	if !exists {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(l.locks, key)
	}
}

// Lock implements Locker. ttl is ignored; the lock lives until unlocked.
func (l *LocalLocker) Lock(ctx context.Context, key string, _ time.Duration) (UnlockFunc, error) {
	entry := l.acquire(key)
	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-entry.sem
			l.release(key)
		})
		return nil
	}, nil
}

// Len reports how many keys currently have holders or waiters.
func (l *LocalLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

package sessions

import (
	"context"
	"sync"
)

// Locker serializes runs within a session. A second run arriving while
// one is active queues behind it in arrival order; it is never rejected
// and never interleaved.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	held    bool
	waiters []chan struct{} // FIFO
}

// NewLocker creates a session locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*sessionLock)}
}

// Acquire blocks until the session lock is free or the context ends.
// Waiters are granted the lock in arrival order. The returned release
// function must be called exactly once.
func (l *Locker) Acquire(ctx context.Context, sessionID string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[sessionID]
	if !ok {
		lock = &sessionLock{}
		l.locks[sessionID] = lock
	}
	if !lock.held {
		lock.held = true
		l.mu.Unlock()
		return func() { l.release(sessionID) }, nil
	}
	ready := make(chan struct{})
	lock.waiters = append(lock.waiters, ready)
	l.mu.Unlock()

	select {
	case <-ready:
		return func() { l.release(sessionID) }, nil
	case <-ctx.Done():
		l.abandon(sessionID, ready)
		return nil, ctx.Err()
	}
}

// release hands the lock to the oldest waiter, or frees it.
func (l *Locker) release(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[sessionID]
	if !ok {
		return
	}
	if len(lock.waiters) > 0 {
		next := lock.waiters[0]
		lock.waiters = lock.waiters[1:]
		close(next)
		return
	}
	lock.held = false
	delete(l.locks, sessionID)
}

// abandon removes a waiter whose context ended. If the lock was handed
// to the waiter in the race window, pass it on instead.
func (l *Locker) abandon(sessionID string, ready chan struct{}) {
	l.mu.Lock()
	lock, ok := l.locks[sessionID]
	if ok {
		for i, w := range lock.waiters {
			if w == ready {
				lock.waiters = append(lock.waiters[:i], lock.waiters[i+1:]...)
				l.mu.Unlock()
				return
			}
		}
	}
	l.mu.Unlock()

	// Not in the queue: the lock was already granted to us.
	select {
	case <-ready:
		l.release(sessionID)
	default:
	}
}

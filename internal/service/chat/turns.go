package chat

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// turnLocks serializes turns per session id. Entries are reference counted
// and dropped once no turn holds or waits on them.
type turnLocks struct {
	mu    sync.Mutex
	locks map[string]*turnLock
}

type turnLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newTurnLocks() *turnLocks {
	return &turnLocks{locks: make(map[string]*turnLock)}
}

// acquire blocks until no other turn for id is running or ctx is done.
func (l *turnLocks) acquire(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[id]
	if !ok {
		lock = &turnLock{sem: semaphore.NewWeighted(1)}
		l.locks[id] = lock
	}
	lock.refs++
	l.mu.Unlock()

	if err := lock.sem.Acquire(ctx, 1); err != nil {
		l.unref(id, lock)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			lock.sem.Release(1)
			l.unref(id, lock)
		})
	}, nil
}

func (l *turnLocks) unref(id string, lock *turnLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, id)
	}
}

func (l *turnLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

package rv

import (
	"context"
	"fmt"
	"sync"
)

// repoLocks hands out one exclusive write lock per repository name.
// Waiting for a lock honours context cancellation. A name's entry exists
// only while someone holds or waits for its lock.
type repoLocks struct {
	mu    sync.Mutex
	locks map[string]*repoLock
}

type repoLock struct {
	ch   chan struct{}
	refs int // holders plus waiters
}

func newRepoLocks() *repoLocks {
	return &repoLocks{locks: make(map[string]*repoLock)}
}

// acquire blocks until the write lock for name is held or ctx is done.
// The returned release func is safe to call more than once.
func (l *repoLocks) acquire(ctx context.Context, name string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("locking repository %s: %w", name, err)
	}

	l.mu.Lock()
	lock, ok := l.locks[name]
	if !ok {
		lock = &repoLock{ch: make(chan struct{}, 1)}
		l.locks[name] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-lock.ch
				l.unref(name, lock)
			})
		}, nil
	case <-ctx.Done():
		l.unref(name, lock)
		return nil, fmt.Errorf("locking repository %s: %w", name, ctx.Err())
	}
}

func (l *repoLocks) unref(name string, lock *repoLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, name)
	}
}

// size returns the number of names with a holder or waiter.
func (l *repoLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

package caravel

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// keyLock serializes turns per correlation id. The critical section spans
// the entire asynchronous turn, so acquisition is context-aware instead of
// a bare mutex lock.
type keyLock struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{
		locks: make(map[uuid.UUID]*lockEntry),
	}
}

// lock acquires the critical section for the given id, waiting for any
// in-flight turn to finish. The returned function releases it.
func (l *keyLock) lock(ctx context.Context, id uuid.UUID) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &lockEntry{ch: make(chan struct{}, 1)}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
		return func() { l.unlock(id, entry) }, nil
	case <-ctx.Done():
		l.release(id, entry)
		return nil, ctx.Err()
	}
}

func (l *keyLock) unlock(id uuid.UUID, entry *lockEntry) {
	<-entry.ch
	l.release(id, entry)
}

// release drops a reference and removes the entry once no turn holds or
// waits on it, keeping the lock table bounded by in-flight keys.
func (l *keyLock) release(id uuid.UUID, entry *lockEntry) {
	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, id)
	}
	l.mu.Unlock()
}

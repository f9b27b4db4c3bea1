package engine

import (
	"sync"

	"github.com/roach88/procflow/internal/store"
)

// instanceLocks is a set of mutexes keyed by process instance handle.
// Entries are reference counted and dropped once no goroutine holds or waits
// for them.
type instanceLocks struct {
	mu    sync.Mutex
	locks map[store.Handle]*instanceLock
}

type instanceLock struct {
	sync.Mutex
	refs int
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{locks: map[store.Handle]*instanceLock{}}
}

// Lock acquires the lock for h and returns a function that releases it.
func (l *instanceLocks) Lock(h store.Handle) (unlock func()) {
	l.mu.Lock()
	m, ok := l.locks[h]
	if !ok {
		m = &instanceLock{}
		l.locks[h] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()

	return func() {
		m.Unlock()

		l.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(l.locks, h)
		}
		l.mu.Unlock()
	}
}

// Len returns the number of handles with a held or awaited lock.
func (l *instanceLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

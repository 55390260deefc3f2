package service

import "sync"

// txLocks serializes follow-up operations on one transaction so a retried
// request re-reads the state the first one left instead of calling the network again.
type txLocks struct {
	mu    sync.Mutex
	locks map[int64]*txLock
}

type txLock struct {
	mu      sync.Mutex
	waiters int
}

func newTxLocks() *txLocks {
	return &txLocks{locks: make(map[int64]*txLock)}
}

// lock blocks until the transaction is free and returns its unlock func
func (l *txLocks) lock(id int64) func() {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &txLock{}
		l.locks[id] = entry
	}
	entry.waiters++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.waiters--
		if entry.waiters == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *txLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

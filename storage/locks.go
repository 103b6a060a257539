package storage

import (
	"sync"
)

// LockTable is an in-process table of per-series mutation locks.
// Acquisition never waits: a held key fails immediately.
type LockTable struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLockTable() *LockTable {
	return &LockTable{held: make(map[string]struct{})}
}

// TryAcquire locks key. The returned release func may be called more than once.
func (l *LockTable) TryAcquire(key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, &Error{
			Type:    ErrLocked,
			Message: "series " + key + " is being modified",
		}
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether key is currently locked
func (l *LockTable) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

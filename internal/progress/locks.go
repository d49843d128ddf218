package progress

import (
	"sync"
)

// sessionLocks provides per-session mutual exclusion. Each session id gets
// its own mutex, so updates to one session are serialized while unrelated
// sessions proceed in parallel. An entry lives while anyone holds or waits
// for it.
type sessionLocks struct {
	mu    sync.Mutex              // guards the locks map itself
	locks map[string]*sessionLock // per-session mutexes
}

type sessionLock struct {
	mu   sync.Mutex
	refs int // holders and waiters, guarded by sessionLocks.mu
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{
		locks: make(map[string]*sessionLock),
	}
}

// Lock acquires the mutex for id and returns the func releasing it. The
// returned func must be called exactly once.
func (l *sessionLocks) Lock(id string) func() {
	l.mu.Lock()
	e, ok := l.locks[id]
	if !ok {
		e = &sessionLock{}
		l.locks[id] = e
	}
	e.refs++
	l.mu.Unlock()

	// Acquired outside the map lock so other sessions are not blocked.
	e.mu.Lock()
	return func() { l.release(id, e) }
}

// release unlocks the entry it was acquired on and drops it once nobody
// else holds or waits for it.
func (l *sessionLocks) release(id string, e *sessionLock) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 && l.locks[id] == e {
		delete(l.locks, id)
	}
	l.mu.Unlock()

	e.mu.Unlock()
}

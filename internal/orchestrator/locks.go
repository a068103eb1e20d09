package orchestrator

import "sync"

// keyedLocks serializes processing per item id. Two triggers for the same
// id queue behind one another; distinct ids proceed fully in parallel.
// Entries are never removed: the set of ids a process touches is small and
// bounded by the item store.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire locks the mutex for the key, creating it on first use, and
// returns the unlock function.
func (k *keyedLocks) acquire(key string) func() {
	k.mu.Lock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		k.locks[key] = lock
	}
	k.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

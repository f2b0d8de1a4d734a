package flow

import "sync"

// userLocks provides per-user mutual exclusion. Turns for the same user are
// serialized; different users never block each other.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*sync.Mutex)}
}

// get returns the mutex for a user, creating it on first use. Lock entries
// are never evicted; one mutex per user seen is an acceptable footprint.
func (ul *userLocks) get(userID string) *sync.Mutex {
	ul.mu.Lock()
	defer ul.mu.Unlock()

	lock, ok := ul.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		ul.locks[userID] = lock
	}
	return lock
}

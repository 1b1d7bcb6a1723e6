package session

import (
	"sync"
)

// lockRegistry implements in-process advisory locks keyed by session
// identity. Acquisition is non-blocking: the second caller for a held
// key fails with ErrConcurrentInvocation rather than queueing, since a
// queued invocation would run against state it never observed.
type lockRegistry struct {
	mu   sync.Mutex
	held map[string]bool
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{held: make(map[string]bool)}
}

func lockKey(appID, userID, sessionID string) string {
	return appID + ":" + userID + ":" + sessionID
}

// acquire takes the lock for key, returning a release func. The
// release func is idempotent.
func (r *lockRegistry) acquire(key string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.held[key] {
		return nil, ErrConcurrentInvocation
	}
	r.held[key] = true

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.held, key)
			r.mu.Unlock()
		})
	}
	return release, nil
}

// isHeld reports whether the lock for key is currently taken.
func (r *lockRegistry) isHeld(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.held[key]
}

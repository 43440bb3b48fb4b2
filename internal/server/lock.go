package server

import "sync"

// LockManager serializes pipeline runs per deployment target. Different
// targets may run concurrently; a second run for the same target is
// rejected while one is in flight, never queued.
type LockManager struct {
	mu    sync.Mutex             // Protects the locks map
	locks map[string]*sync.Mutex // Per-target locks
}

// NewLockManager creates a new lock manager
func NewLockManager() *LockManager {
	return &LockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

// TryLock attempts to acquire the run lock for a target, keyed as
// "namespace/deploymentName". It is non-blocking: false means a run is
// already in flight and the caller should reject, not wait.
func (lm *LockManager) TryLock(target string) bool {
	lm.mu.Lock()
	lock, exists := lm.locks[target]
	if !exists {
		lock = &sync.Mutex{}
		lm.locks[target] = lock
	}
	lm.mu.Unlock()

	return lock.TryLock()
}

// Unlock releases the run lock for a target. Safe to call for an unknown
// target (no-op).
func (lm *LockManager) Unlock(target string) {
	lm.mu.Lock()
	lock := lm.locks[target]
	lm.mu.Unlock()

	if lock != nil {
		lock.Unlock()
	}
}

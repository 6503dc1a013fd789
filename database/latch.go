package database

import "sync"

// latch is a short-lived in-memory reader-writer primitive on a node or
// cache structure. Unlike sync.RWMutex it exposes a non-blocking
// tryUpgrade so callers can retry on upgrade failure instead of
// blocking indefinitely while holding a shared hold.
type latch struct {
	mu      sync.RWMutex
	held    bool // not set by any method; exclusivity is tracked by mu
	readers int
	cond    sync.Mutex
}

func (l *latch) lockShared() {
	l.mu.RLock()
}

func (l *latch) unlockShared() {
	l.mu.RUnlock()
}

func (l *latch) lockExclusive() {
	l.mu.Lock()
}

func (l *latch) unlockExclusive() {
	l.mu.Unlock()
}

// tryLockExclusive attempts a non-blocking exclusive acquisition.
func (l *latch) tryLockExclusive() bool {
	return l.mu.TryLock()
}

func (l *latch) tryLockShared() bool {
	return l.mu.TryRLock()
}

// tryUpgrade attempts to convert a held shared latch into exclusive.
// Go's sync.RWMutex provides no atomic
// upgrade primitive, so this releases the shared hold and immediately
// attempts a non-blocking exclusive acquisition; on failure the caller
// no longer holds any latch and must restart from a known state.
func (l *latch) tryUpgrade() bool {
	l.mu.RUnlock()
	return l.mu.TryLock()
}

// downgrade converts a held exclusive latch to shared.
func (l *latch) downgrade() {
	// sync.RWMutex has no built-in downgrade, and taking the read lock
	// while still holding the write lock would block forever. Release the
	// write lock first, then take the read lock; another writer may
	// acquire the latch in between.
	l.mu.Unlock()
	l.mu.RLock()
}

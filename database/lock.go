package database

import (
	"encoding/binary"
	"hash/fnv"
	"sync"
	"time"
)

// LockMode is the three-state compatibility lattice: shared is
// compatible with shared and upgradable, upgradable is compatible with
// shared only, exclusive is compatible with nothing.
type LockMode int

const (
	LockNone LockMode = iota
	LockShared
	LockUpgradable
	LockExclusive
)

// LockUpgradeRule selects how a shared/upgradable holder may move to a
// stronger mode.
type LockUpgradeRule int

const (
	UpgradeStrict LockUpgradeRule = iota
	UpgradeLenient
	UpgradeUnchecked
)

// LockResult reports the outcome of an acquisition attempt as data:
// expected outcomes (timeout, deadlock, illegal upgrade) are fields,
// not errors.
type LockResult struct {
	Acquired       bool
	OwnedShared    bool
	OwnedUpgradable bool
	OwnedExclusive bool
	TimedOut       bool
	IllegalUpgrade bool
	Interrupted    bool
	Deadlock       *DeadlockError
}

type lockKey struct {
	treeID uint64
	key    string
}

// lockEntry is one (tree, key) lock: current mode, holders, and a FIFO
// wait queue of blocked requesters.
type lockEntry struct {
	mu        sync.Mutex
	mode      LockMode
	sharers   map[int64]bool // owning txn ids holding shared
	upgrader  int64          // txn id holding upgradable, 0 if none
	exclusive int64          // txn id holding exclusive, 0 if none
	waiters   []*lockWaiter
}

type lockWaiter struct {
	txnID int64
	mode  LockMode
	ready chan struct{}
	res   LockResult // filled under the entry latch before ready closes
}

const lockBucketCount = 256

// LockManager is a hashed-bucket map of per-key locks, each bucket with
// its own latch so unrelated keys contend only when they hash to the
// same bucket.
type LockManager struct {
	buckets [lockBucketCount]struct {
		mu      sync.Mutex
		entries map[lockKey]*lockEntry
	}
	rule LockUpgradeRule

	// waits-for graph: txnID -> the txnID it is currently blocked on.
	graphMu sync.Mutex
	waitsFor map[int64]int64
	names    map[int64]string
	metrics  *Metrics
}

func NewLockManager(rule LockUpgradeRule, m *Metrics) *LockManager {
	lm := &LockManager{rule: rule, waitsFor: make(map[int64]int64), names: make(map[int64]string), metrics: m}
	for i := range lm.buckets {
		lm.buckets[i].entries = make(map[lockKey]*lockEntry)
	}
	return lm
}

func (lm *LockManager) bucketFor(k lockKey) *struct {
	mu      sync.Mutex
	entries map[lockKey]*lockEntry
} {
	h := fnv.New64a()
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, k.treeID)
	h.Write(buf)
	h.Write([]byte(k.key))
	return &lm.buckets[h.Sum64()%lockBucketCount]
}

func (lm *LockManager) entryFor(k lockKey) *lockEntry {
	b := lm.bucketFor(k)
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[k]
	if !ok {
		e = &lockEntry{sharers: make(map[int64]bool)}
		b.entries[k] = e
	}
	return e
}

// registerName records a human-readable attachment name for a txn id,
// surfaced in DeadlockError.
func (lm *LockManager) registerName(txnID int64, name string) {
	lm.graphMu.Lock()
	lm.names[txnID] = name
	lm.graphMu.Unlock()
}

func (lm *LockManager) LockShared(treeID uint64, key []byte, txnID int64, timeout time.Duration) LockResult {
	return lm.acquire(treeID, key, txnID, LockShared, timeout)
}

func (lm *LockManager) LockUpgradable(treeID uint64, key []byte, txnID int64, timeout time.Duration) LockResult {
	return lm.acquire(treeID, key, txnID, LockUpgradable, timeout)
}

func (lm *LockManager) LockExclusive(treeID uint64, key []byte, txnID int64, timeout time.Duration) LockResult {
	return lm.acquire(treeID, key, txnID, LockExclusive, timeout)
}

func (lm *LockManager) acquire(treeID uint64, key []byte, txnID int64, want LockMode, timeout time.Duration) LockResult {
	k := lockKey{treeID: treeID, key: string(key)}
	e := lm.entryFor(k)

	e.mu.Lock()
	if res, done := lm.tryGrant(e, txnID, want); done {
		e.mu.Unlock()
		return res
	}
	if timeout == 0 {
		e.mu.Unlock()
		return LockResult{TimedOut: true}
	}

	blockerID := lm.currentBlocker(e, want)
	e.mu.Unlock()

	if blockerID != 0 && blockerID != txnID {
		if dl := lm.checkDeadlock(txnID, blockerID); dl != nil {
			if lm.metrics != nil {
				lm.metrics.deadlocks.Inc()
			}
			return LockResult{Deadlock: dl}
		}
	}

	lm.graphMu.Lock()
	lm.waitsFor[txnID] = blockerID
	lm.graphMu.Unlock()
	defer func() {
		lm.graphMu.Lock()
		delete(lm.waitsFor, txnID)
		lm.graphMu.Unlock()
	}()

	if lm.metrics != nil {
		lm.metrics.lockWaits.Inc()
	}

	w := &lockWaiter{txnID: txnID, mode: want, ready: make(chan struct{})}
	e.mu.Lock()
	e.waiters = append(e.waiters, w)
	e.mu.Unlock()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timeoutCh = timer.C
		defer timer.Stop()
	}

	select {
	case <-w.ready:
		return w.res
	case <-timeoutCh:
		removed := false
		e.mu.Lock()
		for i, ww := range e.waiters {
			if ww == w {
				e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
				removed = true
				break
			}
		}
		e.mu.Unlock()
		if !removed {
			// Granted concurrently with the timer firing; honor the grant.
			<-w.ready
			return w.res
		}
		return LockResult{TimedOut: true}
	}
}

// tryGrant attempts an immediate grant under e.mu, applying the
// configured upgrade rule when txnID already holds a weaker mode.
func (lm *LockManager) tryGrant(e *lockEntry, txnID int64, want LockMode) (LockResult, bool) {
	holdsShared := e.sharers[txnID]
	holdsUpgradable := e.upgrader == txnID
	holdsExclusive := e.exclusive == txnID

	switch want {
	case LockShared:
		if holdsShared || holdsUpgradable || holdsExclusive {
			return lm.describeOwnership(e, txnID, want), true
		}
		if e.exclusive != 0 {
			return LockResult{}, false
		}
		e.sharers[txnID] = true
		return lm.describeOwnership(e, txnID, want), true

	case LockUpgradable:
		if holdsUpgradable || holdsExclusive {
			return lm.describeOwnership(e, txnID, want), true
		}
		if e.upgrader != 0 || e.exclusive != 0 {
			return LockResult{}, false
		}
		switch lm.rule {
		case UpgradeLenient:
			if holdsShared && len(e.sharers) > 1 {
				return LockResult{IllegalUpgrade: true}, true
			}
		case UpgradeStrict, UpgradeUnchecked:
			// no extra restriction beyond the single-upgrader invariant
		}
		if holdsShared {
			delete(e.sharers, txnID)
		}
		e.upgrader = txnID
		return lm.describeOwnership(e, txnID, want), true

	case LockExclusive:
		if holdsExclusive {
			return lm.describeOwnership(e, txnID, want), true
		}
		// A fresh acquisition is not an upgrade; the rules only govern
		// moving up from an already-held shared mode.
		if holdsShared && !holdsUpgradable {
			switch lm.rule {
			case UpgradeStrict:
				return LockResult{IllegalUpgrade: true}, true
			case UpgradeLenient:
				if len(e.sharers) > 1 {
					return LockResult{IllegalUpgrade: true}, true
				}
			case UpgradeUnchecked:
			}
		}
		onlySelfShared := len(e.sharers) == 0 || (len(e.sharers) == 1 && e.sharers[txnID])
		if e.exclusive != 0 || (e.upgrader != 0 && e.upgrader != txnID) || !onlySelfShared {
			return LockResult{}, false
		}
		delete(e.sharers, txnID)
		e.upgrader = 0
		e.exclusive = txnID
		return lm.describeOwnership(e, txnID, want), true
	}
	return LockResult{}, false
}

func (lm *LockManager) describeOwnership(e *lockEntry, txnID int64, want LockMode) LockResult {
	return LockResult{
		Acquired:        true,
		OwnedShared:     e.sharers[txnID],
		OwnedUpgradable: e.upgrader == txnID,
		OwnedExclusive:  e.exclusive == txnID,
	}
}

// currentBlocker picks one txn id whose lock conflicts with want, for
// waits-for graph bookkeeping. Exclusive takes priority since it
// conflicts with everything.
func (lm *LockManager) currentBlocker(e *lockEntry, want LockMode) int64 {
	if e.exclusive != 0 {
		return e.exclusive
	}
	if want != LockShared && e.upgrader != 0 {
		return e.upgrader
	}
	for id := range e.sharers {
		return id
	}
	return 0
}

// checkDeadlock walks the waits-for graph from blocker back toward
// txnID; a cycle back to txnID means granting would deadlock.
func (lm *LockManager) checkDeadlock(txnID, blocker int64) *DeadlockError {
	lm.graphMu.Lock()
	defer lm.graphMu.Unlock()
	seen := map[int64]bool{txnID: true}
	cur := blocker
	var owners []string
	for i := 0; i < 10000 && cur != 0; i++ {
		if seen[cur] {
			if cur == txnID {
				return newDeadlockError(owners)
			}
			break
		}
		seen[cur] = true
		if name, ok := lm.names[cur]; ok {
			owners = append(owners, name)
		}
		cur = lm.waitsFor[cur]
	}
	return nil
}

// wake re-evaluates an entry's waiters after a release, FIFO-granting
// as many as are compatible.
func (lm *LockManager) wake(e *lockEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.waiters) > 0 {
		w := e.waiters[0]
		res, done := lm.tryGrant(e, w.txnID, w.mode)
		if !done {
			break
		}
		// done with Acquired=false means the waiter's request became an
		// illegal upgrade; hand that back rather than leaving it queued.
		w.res = res
		e.waiters = e.waiters[1:]
		close(w.ready)
	}
}

// Release drops every mode txnID holds on (treeID, key).
func (lm *LockManager) Release(treeID uint64, key []byte, txnID int64) {
	k := lockKey{treeID: treeID, key: string(key)}
	e := lm.entryFor(k)
	e.mu.Lock()
	delete(e.sharers, txnID)
	if e.upgrader == txnID {
		e.upgrader = 0
	}
	if e.exclusive == txnID {
		e.exclusive = 0
	}
	e.mu.Unlock()
	lm.wake(e)
}

package database

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DurabilityMode controls how aggressively a transaction's redo bytes
// are pushed to stable storage before Commit returns.
type DurabilityMode int

const (
	DurabilitySync DurabilityMode = iota
	DurabilityNoSync
	DurabilityNoFlush
	DurabilityNoRedo
)

// txnScope is one entry in a transaction's nested-scope stack; commit
// pops and keeps the changes, exit/reset roll back via the undo log.
type txnScope struct {
	undoMark int // undo log length at scope entry, for exit/reset truncation
	locks    []heldLock
}

type heldLock struct {
	treeID uint64
	key    []byte
}

// Transaction is the unit of lock ownership: it carries a durability
// mode, a lock mode for reads, a nested-scope stack, and the undo log
// that makes exit/reset possible.
type Transaction struct {
	id          int64
	db          *Database
	durability  DurabilityMode
	lockMode    LockMode // mode Index.Load acquires on reads
	lockTimeout time.Duration
	attachment  string // name surfaced in DeadlockError

	mu     sync.Mutex
	scopes []txnScope
	undo   *undoLog
	closed bool

	// precloseErr is set when the owning Database was already closed or
	// panic-closed at the moment this transaction was created; every
	// lock/commit call short-circuits with it instead of touching a torn
	// down database.
	precloseErr error
}

func newTransaction(db *Database, durability DurabilityMode, timeout time.Duration) *Transaction {
	id := atomic.AddInt64(&db.txnIDCounter, 1)
	txn := &Transaction{
		id:          id,
		db:          db,
		durability:  durability,
		lockMode:    LockShared,
		lockTimeout: timeout,
		attachment:  uuid.NewString(),
		undo:        newUndoLog(id),
	}
	txn.scopes = append(txn.scopes, txnScope{})
	db.locks.registerName(id, txn.attachment)
	if db.metrics != nil {
		db.metrics.activeTxns.Inc()
	}
	if durability != DurabilityNoRedo && db.redo != nil {
		_ = db.redo.writeRecord(redoTxnEnter, id, nil)
	}
	return txn
}

func (t *Transaction) ID() int64                          { return t.id }
func (t *Transaction) DurabilityMode() DurabilityMode     { return t.durability }
func (t *Transaction) LockMode() LockMode                 { return t.lockMode }
func (t *Transaction) LockTimeout() time.Duration         { return t.lockTimeout }
func (t *Transaction) SetDurabilityMode(m DurabilityMode) { t.durability = m }
func (t *Transaction) SetLockMode(m LockMode)             { t.lockMode = m }
func (t *Transaction) SetLockTimeout(d time.Duration)     { t.lockTimeout = d }

// Enter pushes a new nested scope.
func (t *Transaction) Enter() {
	t.mu.Lock()
	t.scopes = append(t.scopes, txnScope{undoMark: t.undo.len()})
	t.mu.Unlock()
}

// Commit pops the current scope, keeping its changes; locks acquired
// in this scope are released only if it was the outermost scope.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.precloseErr != nil {
		return t.precloseErr
	}
	if len(t.scopes) == 0 {
		return ErrInvalidArgument
	}
	top := t.scopes[len(t.scopes)-1]
	t.scopes = t.scopes[:len(t.scopes)-1]

	if len(t.scopes) == 0 {
		if t.durability != DurabilityNoRedo {
			if err := t.db.redo.writeTxnCommit(t.id); err != nil {
				// Sync mode promised confirmation; an unconfirmable commit
				// record leaves the log in an unknown state.
				if t.durability == DurabilitySync {
					t.db.panicClose(err)
				}
				return err
			}
			switch t.durability {
			case DurabilitySync:
				if err := t.db.redo.Sync(false); err != nil {
					t.db.panicClose(err)
					return err
				}
			case DurabilityNoSync:
				_ = t.db.redo.Flush()
			}
		}
		for _, l := range top.locks {
			t.db.locks.Release(l.treeID, l.key, t.id)
		}
		t.undo.truncate(0)
		t.scopes = append(t.scopes, txnScope{})
		return nil
	}
	// Non-outermost commit: fold this scope's locks into the parent so
	// they still release at final commit/reset.
	parent := &t.scopes[len(t.scopes)-1]
	parent.locks = append(parent.locks, top.locks...)
	return nil
}

// Exit rolls back only the top scope.
func (t *Transaction) Exit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.scopes) == 0 {
		return ErrInvalidArgument
	}
	top := t.scopes[len(t.scopes)-1]
	if err := t.rollbackTo(top.undoMark); err != nil {
		return err
	}
	for _, l := range top.locks {
		t.db.locks.Release(l.treeID, l.key, t.id)
	}
	if len(t.scopes) > 1 {
		t.scopes = t.scopes[:len(t.scopes)-1]
	} else {
		t.scopes[0] = txnScope{}
	}
	return nil
}

// Reset rolls back every scope.
func (t *Transaction) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.rollbackTo(0); err != nil {
		return err
	}
	for _, s := range t.scopes {
		for _, l := range s.locks {
			t.db.locks.Release(l.treeID, l.key, t.id)
		}
	}
	t.scopes = []txnScope{{}}
	return nil
}

func (t *Transaction) rollbackTo(mark int) error {
	return t.undo.rollback(t.db, mark)
}

// noteLock records an acquired lock against the current scope so
// Commit/Exit/Reset release it.
func (t *Transaction) noteLock(treeID uint64, key []byte) {
	t.mu.Lock()
	top := &t.scopes[len(t.scopes)-1]
	top.locks = append(top.locks, heldLock{treeID: treeID, key: append([]byte(nil), key...)})
	t.mu.Unlock()
}

func (t *Transaction) checkLockResult(res LockResult) error {
	if res.Deadlock != nil {
		return res.Deadlock
	}
	if res.TimedOut {
		return ErrLockTimeout
	}
	if res.IllegalUpgrade {
		return ErrIllegalUpgrade
	}
	return nil
}

// lockForWrite acquires an exclusive lock on (treeID, key) for the
// cursor write path.
func (t *Transaction) lockForWrite(treeID uint64, key []byte) error {
	return t.LockExclusive(treeID, key)
}

func (t *Transaction) LockExclusive(treeID uint64, key []byte) error {
	if t.precloseErr != nil {
		return t.precloseErr
	}
	res := t.db.locks.LockExclusive(treeID, key, t.id, t.lockTimeout)
	if err := t.checkLockResult(res); err != nil {
		return err
	}
	t.noteLock(treeID, key)
	return nil
}

func (t *Transaction) LockShared(treeID uint64, key []byte) error {
	if t.precloseErr != nil {
		return t.precloseErr
	}
	res := t.db.locks.LockShared(treeID, key, t.id, t.lockTimeout)
	if err := t.checkLockResult(res); err != nil {
		return err
	}
	t.noteLock(treeID, key)
	return nil
}

func (t *Transaction) LockUpgradable(treeID uint64, key []byte) error {
	if t.precloseErr != nil {
		return t.precloseErr
	}
	res := t.db.locks.LockUpgradable(treeID, key, t.id, t.lockTimeout)
	if err := t.checkLockResult(res); err != nil {
		return err
	}
	t.noteLock(treeID, key)
	return nil
}

// readLock acquires whatever mode the transaction's lock mode calls
// for on a read.
func (t *Transaction) readLock(treeID uint64, key []byte) error {
	switch t.lockMode {
	case LockNone:
		return nil
	case LockUpgradable:
		return t.LockUpgradable(treeID, key)
	case LockExclusive:
		return t.LockExclusive(treeID, key)
	default:
		return t.LockShared(treeID, key)
	}
}

// recordStore appends an undo record so a rollback can restore the
// prior value (or delete the key if it was absent before this store),
// and logs the new value to the redo log so recovery can replay this
// write without consulting the page store: a committed sync write must
// survive a crash even if no checkpoint has flushed its page yet.
func (t *Transaction) recordStore(treeID uint64, key, val []byte) error {
	tree := t.db.treeByID(treeID)
	if tree == nil {
		return ErrInvalidArgument
	}
	prev, existed, err := tree.Get(key)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if existed {
		t.undo.append(undoOpUpdate, treeID, key, prev)
	} else {
		t.undo.append(undoOpInsert, treeID, key, nil)
	}
	if t.durability == DurabilityNoRedo {
		return nil
	}
	return t.db.redo.writeTxnStore(t.id, treeID, key, val, false)
}

// recordDelete appends an undo record restoring key's value if the
// delete is rolled back, and logs a tombstone to the redo log.
func (t *Transaction) recordDelete(treeID uint64, key []byte) error {
	tree := t.db.treeByID(treeID)
	if tree == nil {
		return ErrInvalidArgument
	}
	prev, existed, err := tree.Get(key)
	if err != nil || !existed {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.undo.append(undoOpUpdate, treeID, key, prev)
	if t.durability == DurabilityNoRedo {
		return nil
	}
	return t.db.redo.writeTxnStore(t.id, treeID, key, nil, true)
}

// Close discards the transaction, rolling back anything not committed.
func (t *Transaction) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	err := t.Reset()
	if t.db.metrics != nil {
		t.db.metrics.activeTxns.Dec()
	}
	atomic.AddInt64(&t.db.openTxns, -1)
	return err
}

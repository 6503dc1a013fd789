package database

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Database is the top-level handle: it owns the page store, node
// cache, lock manager, redo log, and every open tree, and is the sole
// coordinator transactions and the checkpointer go through. There is no
// process-wide state; two Database instances are fully independent.
type Database struct {
	cfg *Config

	ps       *PageStore
	nm       *NodeManager
	frag     *fragmentValueStore
	registry *Registry
	locks    *LockManager
	redo     *RedoLog
	metrics  *Metrics
	workers  *WorkerPool
	log      zerolog.Logger

	lockTimeout       time.Duration
	upgradeRule       LockUpgradeRule
	defaultDurability DurabilityMode

	txnIDCounter int64 // last handed-out transaction id, resumed from the header at open

	mu         sync.Mutex
	registryTr *BTree
	openTxns   int64 // count of live (unclosed) transactions, gates Checkpoint
	closed     bool
	panicCause *PanicCause

	checkpointMu sync.Mutex

	// txnAdmission is the admission gate Checkpoint uses to exclude new
	// transactions for the duration of its flush, not just at the initial
	// drainForCheckpoint spin. NewTransaction holds it shared only for the
	// instant it takes to register the transaction and bump openTxns;
	// Checkpoint holds it exclusive from before drainForCheckpoint until
	// after the commit-state swap, so nothing can begin the window that
	// let a racing insert land in the checkpoint's dirty set with no undo
	// record to unwind it on rollback.
	txnAdmission sync.RWMutex
}

// Open opens (creating if absent) a store at cfg.BaseFile and returns a
// ready Database, replaying any redo records left by an unclean
// shutdown.
func Open(cfg *Config) (*Database, error) {
	if cfg == nil || cfg.BaseFile == "" {
		return nil, newErr(CodeInvalidArgument, "base_file is required")
	}
	if cfg.PageSize == 0 {
		def := DefaultConfig(cfg.BaseFile)
		cfg.PageSize = def.PageSize
		if cfg.MinCachedBytes == 0 {
			cfg.MinCachedBytes = def.MinCachedBytes
		}
		if cfg.MaxCachedBytes == 0 {
			cfg.MaxCachedBytes = def.MaxCachedBytes
		}
		if cfg.FlushThresholdBytes == 0 {
			cfg.FlushThresholdBytes = def.FlushThresholdBytes
		}
		if cfg.FragmentCacheShards == 0 {
			cfg.FragmentCacheShards = def.FragmentCacheShards
		}
		if cfg.MetricsNamespace == "" {
			cfg.MetricsNamespace = def.MetricsNamespace
		}
	}
	if cfg.PageSize < 512 || cfg.PageSize > 65536 || cfg.PageSize&(cfg.PageSize-1) != 0 {
		return nil, newErr(CodeInvalidArgument, "page_size must be a power of two in [512, 65536]")
	}
	dbMode, err := cfg.durabilityMode()
	if err != nil {
		return nil, err
	}
	rule, err := cfg.lockUpgradeRule()
	if err != nil {
		return nil, err
	}
	timeout, err := cfg.lockTimeout()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(cfg.BaseFile)
	if cfg.MkDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, wrapErr(CodeIOError, "mkdir base_file directory", err)
		}
	}
	dataPath := cfg.BaseFile + ".db"
	if len(cfg.DataFiles) > 0 {
		dataPath = cfg.DataFiles[0]
	}

	ps, err := OpenPageStore(dataPath, cfg.PageSize, cfg.ReadOnly)
	if err != nil {
		return nil, err
	}
	ps.SetFileSync(cfg.FileSync)

	log := cfg.Logger
	metrics := NewMetrics(cfg.Registerer, cfg.MetricsNamespace)
	nm := NewNodeManager(ps, cfg.MinCachedBytes, cfg.MaxCachedBytes, cfg.FlushThresholdBytes, cfg.FragmentCacheShards, log, metrics)
	frag := newFragmentValueStore(nm, ps)

	header := ps.ActiveHeader()

	registryTr, err := loadOrCreateRegistryTree(nm, frag, header.extra.registryRootPageID)
	if err != nil {
		ps.Close()
		return nil, err
	}
	registry := newRegistry(registryTr)
	registry.SetOpened(registryTreeID, registryTr)

	base := filepath.Base(cfg.BaseFile)
	redo, records, err := openOrRecoverRedo(dir, base, header, log, metrics)
	if err != nil {
		ps.Close()
		return nil, err
	}

	locks := NewLockManager(rule, metrics)

	db := &Database{
		cfg:               cfg,
		ps:                ps,
		nm:                nm,
		frag:              frag,
		registry:          registry,
		locks:             locks,
		redo:              redo,
		metrics:           metrics,
		workers:           NewPool(workerCountHint()),
		log:               log,
		registryTr:        registryTr,
		lockTimeout:       timeout,
		upgradeRule:       rule,
		defaultDurability: dbMode,
	}
	db.txnIDCounter = int64(header.extra.highestTxnID)

	if len(records) > 0 {
		if err := db.replay(records); err != nil {
			db.Close()
			return nil, err
		}
		// Recovery finishes with one checkpoint so the replayed segments
		// can be durably discarded.
		if !cfg.ReadOnly {
			// The checkpoint rotates off (and removes) the live segment;
			// anything numbered below it is a fully replayed leftover.
			replayedThrough := db.redo.Segment()
			if err := db.Checkpoint(); err != nil {
				db.Close()
				return nil, err
			}
			db.redo.DiscardSegmentsBelow(replayedThrough)
		}
	}

	db.resumeTrashedIndexes()

	return db, nil
}

// workerCountHint sizes the background pool from the available
// processor count.
func workerCountHint() int {
	n := runtime.NumCPU() / 2
	if n < 2 {
		n = 2
	}
	return n
}

// loadOrCreateRegistryTree returns the BTree for the reserved registry
// tree (id 0), whose root page id is persisted in the commit header's
// extra data rather than in the registry itself.
func loadOrCreateRegistryTree(nm *NodeManager, frag *fragmentValueStore, rootID uint64) (*BTree, error) {
	return newBTree(registryTreeID, nm, frag, rootID), nil
}

// checkOpen returns ErrClosedDatabase (wrapping the panic cause, if
// any) once the database has been closed or panic-closed, so every
// subsequent operation fails with the root cause attached.
func (db *Database) checkOpen() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.panicCause != nil {
		return wrapErr(CodeClosedDatabase, "database panic-closed", db.panicCause.Root)
	}
	if db.closed {
		return ErrClosedDatabase
	}
	return nil
}

// treeByID resolves a reserved or user tree id to its resident BTree
// handle, loading its root from the registry on first use. Used by
// Transaction/undo rollback and recovery replay, both of which only
// have a tree id (not a name) to work from.
func (db *Database) treeByID(id uint64) *BTree {
	if id == registryTreeID {
		return db.registryTr
	}
	if t, ok := db.registry.Opened(id); ok {
		return t
	}
	rootID, _, err := db.registry.RootOf(id)
	if err != nil {
		return nil
	}
	t := newBTree(id, db.nm, db.frag, rootID)
	db.registry.SetOpened(id, t)
	return t
}

// Index is a named, opened tree with a convenience store/load surface,
// each operation auto-committing through a private single-use
// transaction when called without an explicit one.
type Index struct {
	db     *Database
	id     uint64
	name   string
	tree   *BTree
	closed bool
}

func (ix *Index) ID() uint64   { return ix.id }
func (ix *Index) Name() string { return ix.name }

// NewCursor returns a cursor over this index scoped to txn (nil for
// auto-commit reads).
func (ix *Index) NewCursor(txn *Transaction) *Cursor {
	return ix.tree.NewCursor(txn)
}

func (ix *Index) withTxn(txn *Transaction, fn func(*Transaction) error) error {
	if ix.closed {
		return ErrClosedIndex
	}
	if err := ix.db.checkOpen(); err != nil {
		return err
	}
	if txn != nil {
		return fn(txn)
	}
	auto := ix.db.NewTransaction()
	defer auto.Close()
	if err := fn(auto); err != nil {
		return err
	}
	return auto.Commit()
}

// Load returns the value for key, or (nil, false) if absent.
func (ix *Index) Load(txn *Transaction, key []byte) ([]byte, bool, error) {
	if ix.closed {
		return nil, false, ErrClosedIndex
	}
	if err := ix.db.checkOpen(); err != nil {
		return nil, false, err
	}
	if txn != nil {
		if err := txn.readLock(ix.id, key); err != nil {
			return nil, false, err
		}
	}
	return ix.tree.Get(key)
}

// Store sets key to val unconditionally, creating the entry if absent.
func (ix *Index) Store(txn *Transaction, key, val []byte) error {
	return ix.withTxn(txn, func(t *Transaction) error {
		c := ix.tree.NewCursor(t)
		defer c.Close()
		if err := c.Find(key); err != nil {
			return err
		}
		return c.Store(val)
	})
}

// Insert stores key/val only if key is currently absent, reporting
// whether the insert happened. The exclusive lock is taken before the
// existence check so two racing inserts on the same absent key cannot
// both observe "absent" and both report success.
func (ix *Index) Insert(txn *Transaction, key, val []byte) (bool, error) {
	inserted := false
	err := ix.withTxn(txn, func(t *Transaction) error {
		if err := t.lockForWrite(ix.id, key); err != nil {
			return err
		}
		if _, ok, err := ix.tree.Get(key); err != nil {
			return err
		} else if ok {
			return nil
		}
		inserted = true
		c := ix.tree.NewCursor(t)
		defer c.Close()
		if err := c.Find(key); err != nil {
			return err
		}
		return c.Store(val)
	})
	return inserted, err
}

// Replace stores key/val only if key is currently present, reporting
// whether the replace happened. Locked before the check, like Insert.
func (ix *Index) Replace(txn *Transaction, key, val []byte) (bool, error) {
	replaced := false
	err := ix.withTxn(txn, func(t *Transaction) error {
		if err := t.lockForWrite(ix.id, key); err != nil {
			return err
		}
		if _, ok, err := ix.tree.Get(key); err != nil {
			return err
		} else if !ok {
			return nil
		}
		replaced = true
		c := ix.tree.NewCursor(t)
		defer c.Close()
		if err := c.Find(key); err != nil {
			return err
		}
		return c.Store(val)
	})
	return replaced, err
}

// Exchange stores key/val, returning whatever value was previously
// stored (nil, false if absent). Locked before the read so the
// returned prior value is exactly the one this store displaced.
func (ix *Index) Exchange(txn *Transaction, key, val []byte) ([]byte, bool, error) {
	var old []byte
	var existed bool
	err := ix.withTxn(txn, func(t *Transaction) error {
		if err := t.lockForWrite(ix.id, key); err != nil {
			return err
		}
		var err error
		old, existed, err = ix.tree.Get(key)
		if err != nil {
			return err
		}
		c := ix.tree.NewCursor(t)
		defer c.Close()
		if err := c.Find(key); err != nil {
			return err
		}
		return c.Store(val)
	})
	return old, existed, err
}

// Delete removes key, reporting whether it was present.
func (ix *Index) Delete(txn *Transaction, key []byte) (bool, error) {
	removed := false
	err := ix.withTxn(txn, func(t *Transaction) error {
		c := ix.tree.NewCursor(t)
		defer c.Close()
		if err := c.Find(key); err != nil {
			return err
		}
		var err error
		removed, err = c.Delete()
		return err
	})
	return removed, err
}

// FindIndex returns the already-registered index named name, or
// (nil, false) if no such name is registered.
func (db *Database) FindIndex(name string) (*Index, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, false, ErrClosedDatabase
	}
	id, ok, err := db.registry.FindID(name)
	if err != nil || !ok {
		return nil, false, err
	}
	return &Index{db: db, id: id, name: name, tree: db.treeByID(id)}, true, nil
}

// OpenIndex returns the index named name, creating it if it does not
// already exist.
func (db *Database) OpenIndex(name string) (*Index, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosedDatabase
	}
	id, err := db.registry.Register(name)
	if err != nil {
		return nil, err
	}
	return &Index{db: db, id: id, name: name, tree: db.treeByID(id)}, nil
}

// IndexByID returns the index known by id, or (nil, false) if id is not
// a registered user tree.
func (db *Database) IndexByID(id uint64) (*Index, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, false, ErrClosedDatabase
	}
	name, ok, err := db.registry.NameOf(id)
	if err != nil || !ok {
		return nil, false, err
	}
	return &Index{db: db, id: id, name: name, tree: db.treeByID(id)}, true, nil
}

// CursorRegistry returns the reserved internal tree cursors persist
// their positions into via Cursor.Register, for a replication layer to
// resume from.
func (db *Database) CursorRegistry() *BTree {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.treeByID(cursorRegTreeID)
}

// CompactFreeList eagerly reclaims every currently-eligible free page,
// returning how many pages moved into the immediately-reusable pool.
func (db *Database) CompactFreeList() (int, error) {
	if db.cfg.ReadOnly {
		return 0, ErrInvalidArgument
	}
	return db.ps.CompactFreeList()
}

// IndexNames lists every currently registered index name, for
// administrative inspection (cmd/tuplekv's stat command).
func (db *Database) IndexNames() ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosedDatabase
	}
	return db.registry.Names()
}

// RenameIndex atomically repoints an index's registry entry to
// newName, leaving its id, root, and contents untouched.
func (db *Database) RenameIndex(ix *Index, newName string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosedDatabase
	}
	if err := db.registry.Rename(ix.name, newName); err != nil {
		return err
	}
	ix.name = newName
	return nil
}

// BackgroundTask tracks the asynchronous drain-and-remove work started
// by DeleteIndex.
type BackgroundTask struct {
	done chan struct{}
	err  error
}

// Wait blocks until the background deletion finishes, returning
// whatever error it encountered.
func (b *BackgroundTask) Wait() error {
	<-b.done
	return b.err
}

// DeleteIndex moves ix's tree id into the trash and starts a background
// task to drain and remove it, returning immediately.
func (db *Database) DeleteIndex(ix *Index) (*BackgroundTask, error) {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, ErrClosedDatabase
	}
	if err := db.registry.MarkTrash(ix.id, ix.name); err != nil {
		db.mu.Unlock()
		return nil, err
	}
	ix.closed = true
	db.mu.Unlock()
	return db.startDeletionTask(ix.id), nil
}

// NewTransaction begins a new transaction, defaulting to the
// database-wide durability mode when none is given.
func (db *Database) NewTransaction(mode ...DurabilityMode) *Transaction {
	m := db.defaultDurability
	if len(mode) > 0 {
		m = mode[0]
	}
	// Held only long enough to register the transaction: a Checkpoint in
	// progress holds this exclusive from before its drain until after its
	// commit-state swap, so no transaction can slip into the gap between
	// drainForCheckpoint observing openTxns==0 and the dirty-node snapshot
	// that decides what this checkpoint flushes.
	db.txnAdmission.RLock()
	atomic.AddInt64(&db.openTxns, 1)
	txn := newTransaction(db, m, db.lockTimeout)
	db.txnAdmission.RUnlock()
	if err := db.checkOpen(); err != nil {
		txn.precloseErr = err
	}
	return txn
}

// Flush pushes buffered redo bytes out of process memory without
// forcing them to stable storage.
func (db *Database) Flush() error {
	return db.redo.Flush()
}

// Sync forces buffered redo bytes to stable storage.
func (db *Database) Sync() error {
	return db.redo.Sync(false)
}

// Close flushes outstanding state, stops background workers, and
// releases the underlying file. A final checkpoint runs unless the
// database is already in a panic-closed state.
func (db *Database) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	var firstErr error
	if db.panicCause == nil && !db.cfg.ReadOnly {
		if err := db.Checkpoint(); err != nil {
			firstErr = err
		}
	}
	if db.workers != nil {
		db.workers.Stop()
	}
	if db.redo != nil {
		if err := db.redo.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if db.ps != nil {
		if err := db.ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// panicClose records cause and marks the database unusable, the
// escalation path for state that cannot be trusted after a failure
// mid-mutation.
func (db *Database) panicClose(cause error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return
	}
	db.closed = true
	db.panicCause = &PanicCause{Error: newErr(CodeClosedDatabase, "panic close"), Root: cause}
	db.log.Error().Err(cause).Msg("database panic-closed")
}

func segmentExists(dir, base string, n uint64) bool {
	_, err := os.Stat(redoSegmentPath(dir, base, n))
	return err == nil
}

package database

import (
	"sync"
)

// commitCallback is invoked by PageStore.Commit with the header about to
// be written; it must ensure all dirty pages referenced by this commit
// are durable before returning so the header's pointers are valid.
type commitCallback interface {
	prepare(h *storeHeader) error
}

// PageStore layers page allocation, deletion, recycling, and the
// dual-header atomic commit protocol over a PageArray.
type PageStore struct {
	pa *PageArray

	// commitLock is a multi-reader/one-writer latch: held shared by every
	// structural mutation, exclusive briefly by the checkpointer to swap
	// the commit-state bit.
	commitLock sync.RWMutex

	mu           sync.Mutex
	headers      [2]*storeHeader
	activeSlot   int // which of headers[] is authoritative
	commitState  uint8
	nextPageID   uint64
	reservedPool []uint64 // recycle_page targets: never-committed pages
	pendingFree  []uint64 // delete_page targets: freed this epoch, deferred

	free *freeList

	readOnly bool
	fileSync bool // fsync every WritePage, not just commits
}

// SetFileSync enables or disables a metadata-less fsync after every
// WritePage call, per the config surface's file_sync knob. Off by
// default: ordinary page writes only become durable at the next
// successful Commit, which already double-syncs data then header.
func (ps *PageStore) SetFileSync(on bool) {
	ps.mu.Lock()
	ps.fileSync = on
	ps.mu.Unlock()
}

// OpenPageStore opens (or initializes) a page store at path.
func OpenPageStore(path string, pageSize int, readOnly bool) (*PageStore, error) {
	pa, err := OpenPageArray(path, pageSize, readOnly, !readOnly)
	if err != nil {
		return nil, err
	}
	ps := &PageStore{pa: pa, readOnly: readOnly, nextPageID: 2}
	ps.free = &freeList{
		read:  ps.readFreeListNode,
		alloc: ps.AllocPage,
		write: ps.writeFreeListNode,
	}

	if pa.IsEmpty() {
		if err := ps.initEmpty(); err != nil {
			pa.Close()
			return nil, err
		}
		return ps, nil
	}
	if err := ps.recoverHeaders(); err != nil {
		pa.Close()
		return nil, err
	}
	return ps, nil
}

func (ps *PageStore) initEmpty() error {
	if err := ps.pa.SetPageCount(2); err != nil {
		return err
	}
	h := &storeHeader{pageSize: uint32(ps.pa.PageSize()), commitNumber: 0}
	h.sub.pageCount = 2
	buf := make([]byte, ps.pa.PageSize())
	h.encode(buf)
	if err := ps.pa.WritePageDurably(0, buf); err != nil {
		return err
	}
	// The inactive slot starts one commit behind so the two valid
	// headers never tie (a tie on open is treated as corruption).
	prev := &storeHeader{pageSize: h.pageSize, commitNumber: ^uint32(0)}
	prev.sub.pageCount = 2
	bufPrev := make([]byte, ps.pa.PageSize())
	prev.encode(bufPrev)
	if err := ps.pa.WritePageDurably(1, bufPrev); err != nil {
		return err
	}
	if err := ps.pa.Sync(true); err != nil {
		return err
	}
	ps.headers[0] = h
	ps.headers[1] = prev
	ps.activeSlot = 0
	ps.commitState = 0
	ps.nextPageID = 2
	return nil
}

// recoverHeaders validates both 512-byte header slots and selects the
// authoritative one by modulo-2^32 commit number comparison.
func (ps *PageStore) recoverHeaders() error {
	buf0 := make([]byte, headerSize)
	buf1 := make([]byte, headerSize)
	if err := ps.pa.ReadPage(0, buf0); err != nil {
		return err
	}
	if err := ps.pa.ReadPage(1, buf1); err != nil {
		return err
	}
	h0, err0 := decodeHeader(buf0)
	h1, err1 := decodeHeader(buf1)
	switch {
	case err0 != nil && err1 != nil:
		return newErr(CodeCorruptStore, "both header slots invalid")
	case err0 != nil:
		ps.headers[0], ps.headers[1] = h1, h1
		ps.activeSlot = 1
	case err1 != nil:
		ps.headers[0], ps.headers[1] = h0, h0
		ps.activeSlot = 0
	default:
		if h0.pageSize != h1.pageSize {
			return newErr(CodeCorruptStore, "page size mismatch between headers")
		}
		ps.headers[0], ps.headers[1] = h0, h1
		if commitNumberNewer(h0.commitNumber, h1.commitNumber) {
			ps.activeSlot = 0
		} else if commitNumberNewer(h1.commitNumber, h0.commitNumber) {
			ps.activeSlot = 1
		} else {
			return newErr(CodeCorruptStore, "ambiguous header commit numbers")
		}
	}
	active := ps.headers[ps.activeSlot]
	ps.nextPageID = active.sub.pageCount
	ps.free.Load(active.sub.freeListHead)
	ps.commitState = uint8(active.commitNumber % 2)
	return nil
}

func (ps *PageStore) ActiveHeader() *storeHeader {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	h := *ps.headers[ps.activeSlot]
	return &h
}

func (ps *PageStore) PageSize() int { return ps.pa.PageSize() }

// FreeListTotal reports how many pages the free list currently tracks,
// for administrative inspection (cmd/tuplekv's compact-free-list).
func (ps *PageStore) FreeListTotal() uint64 {
	ps.commitLock.RLock()
	defer ps.commitLock.RUnlock()
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.free.Total()
}

func (ps *PageStore) CommitState() uint8 {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.commitState
}

// AllocPage reserves a page id without writing to it. Reserved ids come
// from the in-memory recycle pool first, then the on-disk free list,
// then by extending the file.
func (ps *PageStore) AllocPage() (uint64, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if n := len(ps.reservedPool); n > 0 {
		id := ps.reservedPool[n-1]
		ps.reservedPool = ps.reservedPool[:n-1]
		return id, nil
	}
	if id := ps.free.Pop(ps.headers[ps.activeSlot].commitNumber); id != 0 {
		return id, nil
	}
	id := ps.nextPageID
	ps.nextPageID++
	if err := ps.pa.SetPageCount(ps.nextPageID); err != nil {
		ps.nextPageID--
		return 0, wrapErr(CodeStoreFull, "extend store", err)
	}
	return id, nil
}

// WritePage writes a reserved page's contents (not yet durable unless
// file_sync is enabled).
func (ps *PageStore) WritePage(id uint64, buf []byte) error {
	if err := ps.pa.WritePage(id, buf); err != nil {
		return err
	}
	if ps.fileSync {
		return ps.pa.Sync(false)
	}
	return nil
}

func (ps *PageStore) ReadPage(id uint64, buf []byte) error {
	return ps.pa.ReadPage(id, buf)
}

// DeletePage schedules id to be freed after the next successful commit,
// so an in-flight rollback can still reference it.
func (ps *PageStore) DeletePage(id uint64) {
	ps.mu.Lock()
	ps.pendingFree = append(ps.pendingFree, id)
	ps.mu.Unlock()
}

// RecyclePage marks id immediately reusable; only valid for a page that
// was reserved but never referenced by a durable commit.
func (ps *PageStore) RecyclePage(id uint64) {
	ps.mu.Lock()
	ps.reservedPool = append(ps.reservedPool, id)
	ps.mu.Unlock()
}

// CompactFreeList eagerly pops every currently-eligible free page into
// the in-memory reserved pool, so subsequent AllocPage calls reuse them
// without re-checking the two-checkpoint delay. The chain's own node
// pages shrink at the next commit, when the remaining queue is
// re-serialized.
func (ps *PageStore) CompactFreeList() (int, error) {
	ps.commitLock.RLock()
	defer ps.commitLock.RUnlock()
	ps.mu.Lock()
	defer ps.mu.Unlock()
	commit := ps.headers[ps.activeSlot].commitNumber
	n := 0
	for {
		id := ps.free.Pop(commit)
		if id == 0 {
			break
		}
		ps.reservedPool = append(ps.reservedPool, id)
		n++
	}
	return n, nil
}

// Commit performs the dual-header atomic commit protocol.
// callback.prepare populates the inactive header slot's extra commit
// data and must ensure all referenced dirty pages are written before
// this returns; Commit itself issues the data sync, the durable header
// write, and the header sync. A torn or partial commit leaves the older
// header valid.
func (ps *PageStore) Commit(cb commitCallback) error {
	ps.commitLock.Lock()
	defer ps.commitLock.Unlock()

	ps.mu.Lock()
	targetSlot := (ps.activeSlot + 1) % 2
	prevCommit := ps.headers[ps.activeSlot].commitNumber
	newHeader := &storeHeader{
		pageSize:     uint32(ps.pa.PageSize()),
		commitNumber: prevCommit + 1,
	}
	ps.mu.Unlock()

	if err := cb.prepare(newHeader); err != nil {
		return err
	}

	// Pages freed by the flush above join the queue stamped with the new
	// commit number, then the remaining queue is serialized so entries
	// consumed since the last commit stay consumed after a reopen.
	ps.mu.Lock()
	pendingFree := ps.pendingFree
	ps.pendingFree = nil
	ps.free.Add(newHeader.commitNumber, pendingFree)
	ps.mu.Unlock()

	if err := ps.free.persist(ps.pa.PageSize(), newHeader.commitNumber); err != nil {
		return err
	}
	newHeader.sub.freeListHead = ps.free.headPageID
	newHeader.sub.freeListSize = ps.free.Total()
	ps.mu.Lock()
	newHeader.sub.pageCount = ps.nextPageID
	ps.mu.Unlock()

	if err := ps.pa.Sync(false); err != nil {
		return wrapErr(CodeIOError, "sync data pages before header commit", err)
	}

	buf := make([]byte, ps.pa.PageSize())
	newHeader.encode(buf)
	if err := ps.pa.WritePageDurably(uint64(targetSlot), buf); err != nil {
		return wrapErr(CodeIOError, "write commit header", err)
	}
	if err := ps.pa.Sync(false); err != nil {
		return wrapErr(CodeIOError, "sync commit header", err)
	}

	ps.mu.Lock()
	ps.headers[targetSlot] = newHeader
	ps.activeSlot = targetSlot
	ps.commitState = uint8(newHeader.commitNumber % 2)
	ps.mu.Unlock()
	return nil
}

func (ps *PageStore) readFreeListNode(id uint64) *Node {
	n := newNode(id, ps.pa.PageSize(), nodeTypeFreeList)
	_ = ps.pa.ReadPage(id, n.data)
	return n
}

func (ps *PageStore) writeFreeListNode(id uint64, n *Node) error {
	return ps.pa.WritePage(id, n.data)
}

func (ps *PageStore) Close() error {
	return ps.pa.Close()
}

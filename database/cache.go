package database

import (
	"sync"

	"github.com/rs/zerolog"
)

// NodeManager owns a bounded pool of Node objects with a two-zone LRU,
// a flush barrier, and a per-shard fragment cache.
type NodeManager struct {
	ps *PageStore

	mu       sync.Mutex
	byID     map[uint64]*Node
	mru, lru *Node
	barrier  *Node // partitions safe zone (MRU..barrier) from flush zone
	count    int
	maxNodes int
	minNodes int

	barrierDistance int // target node-count distance of barrier from MRU

	fragCache *fragmentCache

	commitState uint8 // mirrors PageStore.CommitState(), refreshed on checkpoint swap

	log     zerolog.Logger
	metrics *Metrics
}

// NewNodeManager sizes the pool from the configured
// min_cached_bytes/max_cached_bytes byte budget.
func NewNodeManager(ps *PageStore, minBytes, maxBytes int64, flushThresholdBytes int64, shardFactor int, log zerolog.Logger, m *Metrics) *NodeManager {
	pageSize := int64(ps.PageSize())
	minNodes := int(minBytes / pageSize)
	maxNodes := int(maxBytes / pageSize)
	if minNodes < 3 {
		minNodes = 3 // one root + two for eviction headroom
	}
	if maxNodes < minNodes {
		maxNodes = minNodes
	}
	barrierDist := maxNodes
	if flushThresholdBytes >= 0 {
		barrierDist = int(flushThresholdBytes / pageSize)
		if barrierDist < 1 {
			barrierDist = 1
		}
	}
	nm := &NodeManager{
		ps:              ps,
		byID:            make(map[uint64]*Node),
		maxNodes:        maxNodes,
		minNodes:        minNodes,
		barrierDistance: barrierDist,
		fragCache:       newFragmentCache(shardFactor),
		commitState:     ps.CommitState(),
		log:             log,
		metrics:         m,
	}
	return nm
}

// lruPushFront inserts n at the MRU end. Caller holds nm.mu.
func (nm *NodeManager) lruPushFront(n *Node) {
	n.lruPrev = nil
	n.lruNext = nm.mru
	if nm.mru != nil {
		nm.mru.lruPrev = n
	}
	nm.mru = n
	if nm.lru == nil {
		nm.lru = n
	}
	nm.repositionBarrier()
}

func (nm *NodeManager) lruRemove(n *Node) {
	if n.lruPrev != nil {
		n.lruPrev.lruNext = n.lruNext
	} else if nm.mru == n {
		nm.mru = n.lruNext
	}
	if n.lruNext != nil {
		n.lruNext.lruPrev = n.lruPrev
	} else if nm.lru == n {
		nm.lru = n.lruPrev
	}
	if nm.barrier == n {
		nm.barrier = n.lruNext
	}
	n.lruPrev, n.lruNext = nil, nil
}

// repositionBarrier walks from MRU barrierDistance nodes in, moving the
// flush barrier toward LRU as the list grows.
func (nm *NodeManager) repositionBarrier() {
	n := nm.mru
	for i := 0; i < nm.barrierDistance && n != nil; i++ {
		n = n.lruNext
	}
	nm.barrier = n
}

// Used marks a node most-recently-used; best-effort under contention.
func (nm *NodeManager) Used(n *Node) {
	if !nm.mu.TryLock() {
		return
	}
	defer nm.mu.Unlock()
	if nm.mru == n {
		return
	}
	nm.lruRemove(n)
	nm.lruPushFront(n)
}

// AllocLatched returns a brand-new, exclusively-latched, clean node with
// id 0, growing the pool until maxNodes and evicting beyond that.
func (nm *NodeManager) AllocLatched(typ nodeType) (*Node, error) {
	nm.mu.Lock()
	if nm.count < nm.maxNodes {
		nm.count++
		nm.mu.Unlock()
		n := newNode(0, nm.ps.PageSize(), typ)
		n.latch.lockExclusive()
		nm.mu.Lock()
		nm.lruPushFront(n)
		nm.mu.Unlock()
		return n, nil
	}
	nm.mu.Unlock()
	n, err := nm.evictOne()
	if err != nil {
		return nil, err
	}
	n.id = 0
	n.typ = typ
	n.state = stateClean
	for i := range n.data {
		n.data[i] = 0
	}
	nm.mu.Lock()
	nm.lruPushFront(n)
	nm.mu.Unlock()
	return n, nil
}

// evictOne walks LRU->MRU up to a bounded number of attempts looking for
// an evictable node.
func (nm *NodeManager) evictOne() (*Node, error) {
	const maxAttempts = 1000
	nm.mu.Lock()
	cand := nm.lru
	attempts := 0
	for cand != nil && attempts < maxAttempts {
		attempts++
		if cand.pinned {
			cand = cand.lruPrev
			continue
		}
		if !cand.latch.tryLockExclusive() {
			cand = cand.lruPrev
			continue
		}
		if !nm.evictable(cand) {
			cand.latch.unlockExclusive()
			cand = cand.lruPrev
			continue
		}
		nm.lruRemove(cand)
		delete(nm.byID, cand.id)
		nm.mu.Unlock()
		if nm.metrics != nil {
			nm.metrics.cacheEvictions.Inc()
		}
		return cand, nil
	}
	nm.mu.Unlock()
	return nil, ErrCacheExhausted
}

func (nm *NodeManager) evictable(n *Node) bool {
	if n.pinned || n.typ == nodeTypeStub {
		return false
	}
	// A dirty node's bytes exist nowhere else until the checkpointer
	// flushes them; evicting one would have to write its page outside the
	// commit lock's ordering. A cache full of dirty nodes surfaces as
	// CacheExhausted instead.
	if n.state.isDirty() {
		return false
	}
	return n.evictable
}

// LoadFragment returns a shared-latched node for id, reading from the
// page store if not resident.
func (nm *NodeManager) LoadFragment(id uint64) (*Node, error) {
	return nm.load(id, false)
}

// LoadFragmentExclusive returns an exclusively-latched node for id. The
// read flag is not consulted: a page that is not resident is always
// read from the page store, whatever the flag says.
func (nm *NodeManager) LoadFragmentExclusive(id uint64, read bool) (*Node, error) {
	return nm.load(id, true)
}

func (nm *NodeManager) load(id uint64, exclusive bool) (*Node, error) {
	nm.mu.Lock()
	if n, ok := nm.byID[id]; ok {
		nm.mu.Unlock()
		if exclusive {
			n.latch.lockExclusive()
		} else {
			n.latch.lockShared()
		}
		nm.Used(n)
		if nm.metrics != nil {
			nm.metrics.cacheHits.Inc()
		}
		return n, nil
	}
	nm.mu.Unlock()

	if nm.metrics != nil {
		nm.metrics.cacheMisses.Inc()
	}
	n, err := nm.AllocLatched(nodeTypeStub)
	if err != nil {
		return nil, err
	}
	n.id = id
	if err := nm.ps.ReadPage(id, n.data); err != nil {
		n.latch.unlockExclusive()
		return nil, wrapErr(CodeIOError, "load page", err)
	}
	n.typ = n.nodeType()
	n.state = stateClean

	nm.mu.Lock()
	nm.byID[id] = n
	nm.mu.Unlock()

	if !exclusive {
		n.latch.downgrade()
	}
	return n, nil
}

// MakeDirty ensures n is dirty with respect to the current checkpoint
// generation, allocating a fresh page id if needed. The
// caller must hold n's exclusive latch. Returns the old page id when a
// reassignment happened so the caller (the B+tree, for a root node) can
// update the registry.
func (nm *NodeManager) MakeDirty(n *Node) (oldID uint64, changed bool, err error) {
	want := dirtyStateFor(nm.commitState)
	if n.state == want {
		return 0, false, nil
	}
	if n.state.isFlushed() && n.state.redirty() == want {
		// Still resident with the same generation's page id: flip the
		// bit back without reallocating (Design Notes §9).
		n.state = want
		return 0, false, nil
	}

	newID, err := nm.ps.AllocPage()
	if err != nil {
		return 0, false, err
	}
	oldID = n.id
	if oldID != 0 {
		if n.state.isDirty() {
			// Never committed: safe to recycle immediately.
			nm.ps.RecyclePage(oldID)
		} else {
			// Possibly still referenced by the durable header: defer.
			nm.ps.DeletePage(oldID)
		}
	}

	nm.mu.Lock()
	delete(nm.byID, oldID)
	n.id = newID
	nm.byID[newID] = n
	nm.mu.Unlock()

	n.state = want
	return oldID, true, nil
}

// DeleteNode removes n from the tree's reachable set, freeing its page
// id via recycle (never committed) or deferred delete (committed).
func (nm *NodeManager) DeleteNode(n *Node) {
	if n.state.isDirty() {
		nm.ps.RecyclePage(n.id)
	} else {
		nm.ps.DeletePage(n.id)
	}
	nm.mu.Lock()
	delete(nm.byID, n.id)
	nm.lruRemove(n)
	nm.count--
	nm.mu.Unlock()
}

// flushDirty walks every node currently flagged dirty under
// previousState and writes it to the page store, transitioning it to
// flushed (kept resident). Once the header commits, swapCommitState
// drops flushed nodes to Clean, so a later touch reallocates a page id.
// Invoked by the checkpointer.
func (nm *NodeManager) flushDirty(previousState uint8, nodes []*Node) error {
	for _, n := range nodes {
		n.latch.lockExclusive()
		if belongsToPreviousCheckpoint(n.state, nm.commitState) || n.state == dirtyStateFor(previousState) {
			if err := nm.ps.WritePage(n.id, n.data); err != nil {
				n.latch.unlockExclusive()
				return wrapErr(CodeIOError, "flush dirty node", err)
			}
			n.state = n.state.flushed()
		}
		n.latch.unlockExclusive()
	}
	return nil
}

// swapCommitState is called by the checkpointer once the new header has
// been durably committed. Every flushed node's bytes are now both on
// disk and referenced by the durable header, so their generation tags
// drop to Clean here; a later touch reallocates a fresh page id.
func (nm *NodeManager) swapCommitState(newState uint8) {
	for _, n := range nm.snapshotResidentNodes() {
		n.latch.lockExclusive()
		if n.state.isFlushed() {
			n.state = stateClean
		}
		n.latch.unlockExclusive()
	}
	nm.mu.Lock()
	nm.commitState = newState
	nm.mu.Unlock()
}

// hasDirtyNodes reports whether any resident node carries changes not
// yet captured by a durable commit: dirty under commitState's
// generation, or flushed under it but not yet committed. Used by the
// checkpointer to decide whether a checkpoint has anything to do at
// all.
func (nm *NodeManager) hasDirtyNodes(commitState uint8) bool {
	want := dirtyStateFor(commitState)
	for _, n := range nm.snapshotResidentNodes() {
		n.latch.lockShared()
		pending := n.state == want || n.state == want.flushed()
		n.latch.unlockShared()
		if pending {
			return true
		}
	}
	return false
}

// snapshotResidentNodes returns all resident nodes, used by the
// checkpointer to find dirty ones across every open tree.
func (nm *NodeManager) snapshotResidentNodes() []*Node {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	out := make([]*Node, 0, len(nm.byID))
	for _, n := range nm.byID {
		out = append(out, n)
	}
	return out
}

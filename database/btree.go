package database

import (
	"bytes"
	"sync"
)

// Size limits a single key/value pair must respect so any entry fits on
// one page alongside copy-on-write headroom. Values above the inline
// threshold are fragmented instead (see fragment.go) and the leaf
// stores a descriptor.
const (
	maxKeySize         = 2000
	maxInlineValueSize = 3000

	// entryOverhead is the per-entry fixed cost on a page: child pointer
	// (8) + offset slot (2) + key/value length prefixes (2+2).
	entryOverhead = 14
)

// BTree is a single copy-on-write B+tree index. All node access is
// driven through a NodeManager so caching, latching, and dirty-state
// tracking apply uniformly across every open index sharing one page
// store.
type BTree struct {
	id   uint64 // registry tree id, 0 for the registry tree itself
	nm   *NodeManager
	frag *fragmentValueStore

	mu   sync.RWMutex
	root uint64 // 0 means empty tree
}

func newBTree(id uint64, nm *NodeManager, frag *fragmentValueStore, root uint64) *BTree {
	return &BTree{id: id, nm: nm, frag: frag, root: root}
}

// Root returns the current root page id, for persisting into the
// registry or commit header.
func (t *BTree) Root() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

func (t *BTree) setRoot(id uint64) {
	t.mu.Lock()
	t.root = id
	t.mu.Unlock()
}

// keyLimit bounds key length so a key plus a fragment descriptor always
// fits a single page; maxKeySize caps it for large page sizes.
func (t *BTree) keyLimit() int {
	lim := t.nm.ps.PageSize() - 320
	if lim > maxKeySize {
		lim = maxKeySize
	}
	return lim
}

func (t *BTree) checkKey(key []byte) error {
	if len(key) == 0 || len(key) > t.keyLimit() {
		return ErrLargeKey
	}
	return nil
}

// Get returns the value for key, fully materializing fragmented values.
func (t *BTree) Get(key []byte) ([]byte, bool, error) {
	if err := t.checkKey(key); err != nil {
		return nil, false, err
	}
	root := t.Root()
	if root == 0 {
		return nil, false, nil
	}
	n, err := t.nm.LoadFragment(root)
	if err != nil {
		return nil, false, err
	}
	for {
		if n.isLeaf() {
			idx := n.lookupLE(key)
			if n.nKeys() > 0 && idx < n.nKeys() && bytes.Equal(n.getKey(idx), key) {
				val, err := t.materializeValue(n.getVal(idx))
				n.latch.unlockShared()
				return val, true, err
			}
			n.latch.unlockShared()
			return nil, false, nil
		}
		idx := n.lookupLE(key)
		childID := n.getPtr(idx)
		child, err := t.nm.LoadFragment(childID)
		n.latch.unlockShared()
		if err != nil {
			return nil, false, err
		}
		n = child
	}
}

func (t *BTree) materializeValue(stored []byte) ([]byte, error) {
	if len(stored) < 1 {
		return []byte{}, nil
	}
	if stored[0]&fragFlagFragmented == 0 {
		return append([]byte(nil), stored[1:]...), nil
	}
	desc := stored[1:]
	fullLen, err := t.frag.Length(desc)
	if err != nil {
		return nil, err
	}
	out := make([]byte, fullLen)
	if _, err := t.frag.Read(desc, 0, out); err != nil {
		return nil, err
	}
	return out, nil
}

// fragFlagFragmented tags a leaf value as a fragment descriptor rather
// than inline bytes; it is the leading byte of the stored value, kept
// distinct from fragDescriptor's own header byte (fragment.go) so a
// leaf scan can tell inline and fragmented entries apart in O(1).
const fragFlagFragmented = 0x80

// encodeValue inlines small values and fragments everything whose leaf
// entry would exceed three quarters of a page.
func (t *BTree) encodeValue(key, val []byte) ([]byte, error) {
	inlineCap := (t.nm.ps.PageSize() * 3) / 4
	if len(val) <= maxInlineValueSize && entryOverhead+len(key)+1+len(val) <= inlineCap {
		out := make([]byte, 1+len(val))
		out[0] = 0
		copy(out[1:], val)
		return out, nil
	}
	desc, err := t.frag.Write(val)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(desc))
	out[0] = fragFlagFragmented
	copy(out[1:], desc)
	return out, nil
}

// Insert stores key/val, replacing any existing value. Every node
// touched for modification goes through MakeDirty, so page reallocation
// and deferred-delete bookkeeping happen automatically.
func (t *BTree) Insert(key, val []byte) error {
	if err := t.checkKey(key); err != nil {
		return err
	}
	// Structural changes hold the commit lock shared so the
	// checkpointer's exclusive hold fences them out while the
	// commit-state bit swaps.
	t.nm.ps.commitLock.RLock()
	defer t.nm.ps.commitLock.RUnlock()
	encoded, err := t.encodeValue(key, val)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root == 0 {
		root, err := t.nm.AllocLatched(nodeTypeLeaf)
		if err != nil {
			return err
		}
		root.setHeader(nodeTypeLeaf, 2)
		root.appendKV(0, 0, nil, nil) // sentinel covering the whole key space
		root.appendKV(1, 0, key, encoded)
		if _, _, err := t.nm.MakeDirty(root); err != nil {
			root.latch.unlockExclusive()
			return err
		}
		root.latch.unlockExclusive()
		t.root = root.id
		return nil
	}

	newRootID, splits, err := t.insertInto(t.root, key, encoded)
	if err != nil {
		return err
	}
	if splits == nil {
		t.root = newRootID
		return nil
	}
	// Root split: build new internal roots over the pieces until one
	// level fits a single page.
	pageSize := t.nm.ps.PageSize()
	for {
		working := newNode(0, 2*pageSize, nodeTypeInternal)
		working.setHeader(nodeTypeInternal, uint16(len(splits)))
		for i, s := range splits {
			id, err := t.writeNewNode(s)
			if err != nil {
				return err
			}
			working.appendKV(uint16(i), id, s.getKey(0), nil)
		}
		parts := t.splitNode(working, pageSize)
		if len(parts) == 1 {
			id, err := t.writeNewNode(parts[0])
			if err != nil {
				return err
			}
			t.root = id
			return nil
		}
		splits = parts
	}
}

// insertInto performs the recursive copy-on-write insert. It returns
// the id of the (possibly new) node occupying nodeID's old slot, or the
// split pieces if the node overflowed (caller must link every piece
// into its parent, or grow a new root if nodeID was the tree root).
func (t *BTree) insertInto(nodeID uint64, key, encoded []byte) (uint64, []*Node, error) {
	n, err := t.nm.LoadFragmentExclusive(nodeID, true)
	if err != nil {
		return 0, nil, err
	}
	defer n.latch.unlockExclusive()

	idx := n.lookupLE(key)

	if n.isLeaf() {
		exists := n.nKeys() > 0 && idx < n.nKeys() && bytes.Equal(n.getKey(idx), key)
		working := newNode(0, 2*len(n.data), nodeTypeLeaf)
		if exists {
			t.freeStoredValue(n.getVal(idx))
			working.setHeader(nodeTypeLeaf, n.nKeys())
			working.appendRange(n, 0, 0, idx)
			working.appendKV(idx, 0, key, encoded)
			working.appendRange(n, idx+1, idx+1, n.nKeys()-idx-1)
		} else {
			// Not a match: key sorts strictly after idx (lookupLE found
			// only a predecessor), so the new entry lands at idx+1.
			working.setHeader(nodeTypeLeaf, n.nKeys()+1)
			working.appendRange(n, 0, 0, idx+1)
			working.appendKV(idx+1, 0, key, encoded)
			working.appendRange(n, idx+2, idx+1, n.nKeys()-idx-1)
		}
		return t.finishNodeWrite(n, working)
	}

	childID := n.getPtr(idx)
	newChildID, childSplits, err := t.insertInto(childID, key, encoded)
	if err != nil {
		return 0, nil, err
	}

	working := newNode(0, 2*len(n.data), nodeTypeInternal)
	if childSplits == nil {
		working.setHeader(nodeTypeInternal, n.nKeys())
		working.appendRange(n, 0, 0, idx)
		working.appendKV(idx, newChildID, n.getKey(idx), nil)
		working.appendRange(n, idx+1, idx+1, n.nKeys()-idx-1)
	} else {
		working.setHeader(nodeTypeInternal, n.nKeys()+uint16(len(childSplits))-1)
		working.appendRange(n, 0, 0, idx)
		for i, s := range childSplits {
			id, err := t.writeNewNode(s)
			if err != nil {
				return 0, nil, err
			}
			working.appendKV(idx+uint16(i), id, s.getKey(0), nil)
		}
		working.appendRange(n, idx+uint16(len(childSplits)), idx+1, n.nKeys()-idx-1)
	}
	return t.finishNodeWrite(n, working)
}

// finishNodeWrite commits working in old's place when it fits a page,
// or splits it into pieces and retires old (the pieces are linked into
// the parent by the caller).
func (t *BTree) finishNodeWrite(old, working *Node) (uint64, []*Node, error) {
	pageSize := len(old.data)
	if int(working.nbytes()) <= pageSize {
		working.data = working.data[:pageSize]
		id, err := t.replaceNode(old, working)
		return id, nil, err
	}
	parts := t.splitNode(working, pageSize)
	t.retireNode(old)
	return 0, parts, nil
}

// splitNode cuts an overflowing working node into page-sized pieces:
// the longest prefix that fits becomes one piece, the remainder is cut
// the same way. Splitting by byte budget rather than entry count means
// uneven key/value sizes cannot overflow a half.
func (t *BTree) splitNode(working *Node, pageSize int) []*Node {
	n := working.nKeys()
	if int(working.nbytes()) <= pageSize {
		out := newNode(0, pageSize, working.typ)
		out.setHeader(working.typ, n)
		out.appendRange(working, 0, 0, n)
		return []*Node{out}
	}
	nleft := uint16(1)
	for nleft+1 < n && t.prefixBytes(working, nleft+1) <= pageSize {
		nleft++
	}
	left := newNode(0, pageSize, working.typ)
	left.setHeader(working.typ, nleft)
	left.appendRange(working, 0, 0, nleft)

	rest := newNode(0, 2*pageSize, working.typ)
	rest.setHeader(working.typ, n-nleft)
	rest.appendRange(working, 0, nleft, n-nleft)
	return append([]*Node{left}, t.splitNode(rest, pageSize)...)
}

// prefixBytes is the on-page size of working's first count entries once
// rebuilt as their own node.
func (t *BTree) prefixBytes(working *Node, count uint16) int {
	return nodeHeaderSize + 10*int(count) + int(working.getOffset(count))
}

// replaceNode writes working's bytes into a freshly made-dirty copy of
// old (reusing old's page id arrangement via MakeDirty's bookkeeping)
// and returns the surviving page id.
func (t *BTree) replaceNode(old, working *Node) (uint64, error) {
	_, _, err := t.nm.MakeDirty(old)
	if err != nil {
		return 0, err
	}
	copy(old.data, working.data)
	return old.id, nil
}

// retireNode frees old's page id without writing new content, used
// when a node is being replaced by a split (fresh nodes instead).
func (t *BTree) retireNode(old *Node) {
	t.nm.DeleteNode(old)
}

// freeStoredValue reclaims the fragment pages behind a leaf value about
// to be deleted or overwritten; inline values own no pages.
func (t *BTree) freeStoredValue(stored []byte) {
	if len(stored) > 0 && stored[0]&fragFlagFragmented != 0 {
		t.frag.free(stored[1:])
	}
}

// writeNewNode materializes a node built in memory (a split piece or a
// new root) as a resident dirty node with its own page id.
func (t *BTree) writeNewNode(n *Node) (uint64, error) {
	fresh, err := t.nm.AllocLatched(n.typ)
	if err != nil {
		return 0, err
	}
	copy(fresh.data, n.data)
	fresh.setHeader(n.typ, n.nKeys())
	if _, _, err := t.nm.MakeDirty(fresh); err != nil {
		fresh.latch.unlockExclusive()
		return 0, err
	}
	id := fresh.id
	fresh.latch.unlockExclusive()
	return id, nil
}

// Delete removes key, returning whether it was present.
func (t *BTree) Delete(key []byte) (bool, error) {
	if err := t.checkKey(key); err != nil {
		return false, err
	}
	t.nm.ps.commitLock.RLock()
	defer t.nm.ps.commitLock.RUnlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.root == 0 {
		return false, nil
	}
	newRoot, found, err := t.deleteFrom(t.root, key)
	if err != nil || !found {
		return found, err
	}
	t.root = newRoot
	return true, nil
}

// deleteFrom returns the replacement id for nodeID after key is
// removed, or found=false if key was absent (no change made).
func (t *BTree) deleteFrom(nodeID uint64, key []byte) (uint64, bool, error) {
	n, err := t.nm.LoadFragmentExclusive(nodeID, true)
	if err != nil {
		return 0, false, err
	}
	defer n.latch.unlockExclusive()

	idx := n.lookupLE(key)

	if n.isLeaf() {
		if n.nKeys() == 0 || idx >= n.nKeys() || !bytes.Equal(n.getKey(idx), key) {
			return 0, false, nil
		}
		t.freeStoredValue(n.getVal(idx))
		working := newNode(0, len(n.data), nodeTypeLeaf)
		working.setHeader(nodeTypeLeaf, n.nKeys()-1)
		working.appendRange(n, 0, 0, idx)
		working.appendRange(n, idx, idx+1, n.nKeys()-idx-1)
		working.data = working.data[:len(n.data)]
		id, err := t.replaceNode(n, working)
		return id, true, err
	}

	childID := n.getPtr(idx)
	newChildID, found, err := t.deleteFrom(childID, key)
	if err != nil || !found {
		return 0, found, err
	}

	dir, sibID, shouldMerge, err := t.shouldMerge(n, idx, newChildID)
	if err != nil {
		return 0, false, err
	}

	if !shouldMerge {
		working := newNode(0, len(n.data), nodeTypeInternal)
		working.setHeader(nodeTypeInternal, n.nKeys())
		working.appendRange(n, 0, 0, idx)
		childKey, err := t.firstKeyOf(newChildID)
		if err != nil {
			return 0, false, err
		}
		working.appendKV(idx, newChildID, childKey, nil)
		working.appendRange(n, idx+1, idx+1, n.nKeys()-idx-1)
		id, err := t.replaceNode(n, working)
		return id, true, err
	}

	// dir<0: sibling precedes the updated child at idx-1; dir>0: sibling
	// follows at idx+1. Either way the pair collapses into one slot.
	var leftID, rightID uint64
	var replaceIdx uint16
	if dir < 0 {
		leftID, rightID, replaceIdx = sibID, newChildID, idx-1
	} else {
		leftID, rightID, replaceIdx = newChildID, sibID, idx
	}
	merged, mergedID, err := t.mergePages(leftID, rightID)
	if err != nil {
		return 0, false, err
	}

	working := newNode(0, len(n.data), nodeTypeInternal)
	working.setHeader(nodeTypeInternal, n.nKeys()-1)
	working.appendRange(n, 0, 0, replaceIdx)
	working.appendKV(replaceIdx, mergedID, merged.getKey(0), nil)
	working.appendRange(n, replaceIdx+1, replaceIdx+2, n.nKeys()-replaceIdx-2)

	if working.nKeys() == 1 && t.root == n.id {
		t.nm.DeleteNode(n)
		return working.getPtr(0), true, nil
	}
	id, err := t.replaceNode(n, working)
	return id, true, err
}

// shouldMerge reports whether an updated child shrunk under a quarter
// page should merge, picking whichever
// neighbor keeps the result under one page. Returns the sibling's page
// id directly (not an index) since the parent's layout may shift
// before the caller acts on it.
func (t *BTree) shouldMerge(parent *Node, idx uint16, updatedChildID uint64) (dir int, siblingID uint64, merge bool, err error) {
	child, err := t.nm.LoadFragment(updatedChildID)
	if err != nil {
		return 0, 0, false, err
	}
	defer child.latch.unlockShared()
	pageSize := len(parent.data)
	if int(child.nbytes()) > pageSize/4 {
		return 0, 0, false, nil
	}
	if idx > 0 {
		sibID := parent.getPtr(idx - 1)
		sib, err := t.nm.LoadFragment(sibID)
		if err != nil {
			return 0, 0, false, err
		}
		fits := int(sib.nbytes())+int(child.nbytes())-nodeHeaderSize <= pageSize
		sib.latch.unlockShared()
		if fits {
			return -1, sibID, true, nil
		}
	}
	if int(idx)+1 < int(parent.nKeys()) {
		sibID := parent.getPtr(idx + 1)
		sib, err := t.nm.LoadFragment(sibID)
		if err != nil {
			return 0, 0, false, err
		}
		fits := int(sib.nbytes())+int(child.nbytes())-nodeHeaderSize <= pageSize
		sib.latch.unlockShared()
		if fits {
			return 1, sibID, true, nil
		}
	}
	return 0, 0, false, nil
}

// mergePages combines the two (already up-to-date) node pages in
// left-then-right key order into a single new page, freeing both
// originals through DeleteNode (recycled if never committed, deferred
// delete otherwise).
func (t *BTree) mergePages(leftID, rightID uint64) (*Node, uint64, error) {
	left, err := t.nm.LoadFragmentExclusive(leftID, true)
	if err != nil {
		return nil, 0, err
	}
	right, err := t.nm.LoadFragmentExclusive(rightID, true)
	if err != nil {
		left.latch.unlockExclusive()
		return nil, 0, err
	}

	merged := newNode(0, len(left.data), left.typ)
	merged.setHeader(left.typ, left.nKeys()+right.nKeys())
	merged.appendRange(left, 0, 0, left.nKeys())
	merged.appendRange(right, left.nKeys(), 0, right.nKeys())

	id, err := t.writeNewNode(merged)
	left.latch.unlockExclusive()
	right.latch.unlockExclusive()
	t.nm.DeleteNode(left)
	t.nm.DeleteNode(right)
	return merged, id, err
}

// firstKeyOf returns the separator key for nodeID, i.e. its first
// entry's key (used as the new parent separator after a merge or
// replacement).
func (t *BTree) firstKeyOf(nodeID uint64) ([]byte, error) {
	n, err := t.nm.LoadFragment(nodeID)
	if err != nil {
		return nil, err
	}
	defer n.latch.unlockShared()
	return append([]byte(nil), n.getKey(0)...), nil
}

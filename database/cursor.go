package database

import (
	"bytes"

	"github.com/google/uuid"
)

// cursorFrame is one (node, position) pair on a Cursor's path from the
// tree root to its current leaf.
type cursorFrame struct {
	nodeID uint64
	pos    uint16
}

// Cursor walks a BTree in key order. It holds no latches between
// operations: every step re-reads its frames' nodes by page id, and
// tree mutations are serialized under the tree's own lock, so a cursor
// can never observe a half-linked split.
type Cursor struct {
	tree *BTree
	txn  *Transaction

	frames []cursorFrame
	key    []byte // the sought or current key; survives landing on an absent entry
	found  bool

	regID          string // non-empty once Register has been called
	cursorRegistry *BTree
}

// NewCursor returns an unpositioned cursor over tree scoped to txn
// (nil for an auto-commit cursor).
func (t *BTree) NewCursor(txn *Transaction) *Cursor {
	return &Cursor{tree: t, txn: txn}
}

func (c *Cursor) reset() {
	c.frames = c.frames[:0]
	c.key = nil
	c.found = false
}

func (c *Cursor) unposition() {
	c.frames = c.frames[:0]
	c.found = false
}

// descend walks from the root to the leaf containing (or bounding) key,
// recording frames. The sought key is remembered so Store can create
// the entry even when the tree is empty or the key absent.
func (c *Cursor) descend(key []byte) error {
	c.reset()
	c.key = append([]byte(nil), key...)
	root := c.tree.Root()
	if root == 0 {
		return nil
	}
	id := root
	for {
		n, err := c.tree.nm.LoadFragment(id)
		if err != nil {
			return err
		}
		idx := n.lookupLE(key)
		c.frames = append(c.frames, cursorFrame{nodeID: id, pos: idx})
		if n.isLeaf() {
			c.found = n.nKeys() > 0 && idx < n.nKeys() && bytes.Equal(n.getKey(idx), key)
			n.latch.unlockShared()
			return nil
		}
		nextID := n.getPtr(idx)
		n.latch.unlockShared()
		id = nextID
	}
}

// currentLeafKey reads the key under the cursor's leaf frame, found or
// not. The empty key is the leftmost leaf's sentinel, never a user key.
func (c *Cursor) currentLeafKey() ([]byte, error) {
	n, err := c.leafNode()
	if err != nil {
		return nil, err
	}
	defer n.latch.unlockShared()
	top := c.frames[len(c.frames)-1]
	if top.pos >= n.nKeys() {
		return nil, ErrUnpositionedCursor
	}
	return append([]byte(nil), n.getKey(top.pos)...), nil
}

// Find positions the cursor at key, or at the bounding entry if absent.
func (c *Cursor) Find(key []byte) error {
	if err := c.tree.checkKey(key); err != nil {
		return err
	}
	return c.descend(key)
}

// FindGe positions at the first key >= target.
func (c *Cursor) FindGe(key []byte) error {
	if err := c.descend(key); err != nil {
		return err
	}
	if len(c.frames) == 0 {
		return nil // empty tree: stay unpositioned
	}
	if c.found {
		return nil
	}
	// descend lands on the last key <= target; advance once when that
	// key is strictly less (the sentinel always is).
	cur, err := c.currentLeafKey()
	if err != nil {
		return err
	}
	if bytes.Compare(cur, key) < 0 {
		return c.Next()
	}
	return nil
}

// FindGt positions at the first key > target.
func (c *Cursor) FindGt(key []byte) error {
	if err := c.FindGe(key); err != nil {
		return err
	}
	if c.found {
		saved := append([]byte(nil), key...)
		cur, err := c.Key()
		if err != nil {
			return err
		}
		if bytes.Equal(cur, saved) {
			return c.Next()
		}
	}
	return nil
}

// FindLe positions at the last key <= target.
func (c *Cursor) FindLe(key []byte) error {
	if err := c.descend(key); err != nil {
		return err
	}
	return c.adoptFloor()
}

// FindLt positions at the last key < target.
func (c *Cursor) FindLt(key []byte) error {
	if err := c.descend(key); err != nil {
		return err
	}
	if c.found {
		return c.Previous()
	}
	return c.adoptFloor()
}

// adoptFloor marks the floor entry descend landed on as the cursor's
// current position, unless it is the sentinel (no user key <= target).
func (c *Cursor) adoptFloor() error {
	if c.found || len(c.frames) == 0 {
		return nil
	}
	cur, err := c.currentLeafKey()
	if err != nil {
		if err == ErrUnpositionedCursor {
			c.unposition()
			return nil
		}
		return err
	}
	if len(cur) == 0 {
		c.unposition()
		return nil
	}
	c.found = true
	c.key = cur
	return nil
}

// FindNearby re-positions relative to the cursor's current location,
// which is cheaper than a fresh root-to-leaf descent when the new key
// is close to the old one. This implementation always
// re-descends; the optimization is left as a possible follow-up, noted
// rather than faked.
func (c *Cursor) FindNearby(key []byte) error {
	return c.Find(key)
}

func (c *Cursor) leafNode() (*Node, error) {
	if len(c.frames) == 0 {
		return nil, ErrUnpositionedCursor
	}
	return c.tree.nm.LoadFragment(c.frames[len(c.frames)-1].nodeID)
}

// First positions at the smallest key in the tree, skipping the
// leftmost leaf's sentinel entry.
func (c *Cursor) First() error {
	c.reset()
	root := c.tree.Root()
	if root == 0 {
		return nil
	}
	id := root
	for {
		n, err := c.tree.nm.LoadFragment(id)
		if err != nil {
			return err
		}
		c.frames = append(c.frames, cursorFrame{nodeID: id, pos: 0})
		if n.isLeaf() {
			c.found = n.nKeys() > 0
			n.latch.unlockShared()
			break
		}
		nextID := n.getPtr(0)
		n.latch.unlockShared()
		id = nextID
	}
	if !c.found {
		c.unposition()
		return nil
	}
	cur, err := c.currentLeafKey()
	if err != nil {
		return err
	}
	if len(cur) == 0 {
		return c.Next() // step over the sentinel
	}
	c.key = cur
	return nil
}

// Last positions at the largest key in the tree.
func (c *Cursor) Last() error {
	c.reset()
	root := c.tree.Root()
	if root == 0 {
		return nil
	}
	id := root
	for {
		n, err := c.tree.nm.LoadFragment(id)
		if err != nil {
			return err
		}
		last := uint16(0)
		if n.nKeys() > 0 {
			last = n.nKeys() - 1
		}
		c.frames = append(c.frames, cursorFrame{nodeID: id, pos: last})
		if n.isLeaf() {
			c.found = n.nKeys() > 0
			n.latch.unlockShared()
			break
		}
		nextID := n.getPtr(last)
		n.latch.unlockShared()
		id = nextID
	}
	if !c.found {
		c.unposition()
		return nil
	}
	cur, err := c.currentLeafKey()
	if err != nil {
		return err
	}
	if len(cur) == 0 {
		// Only the sentinel remains: the tree has no user entries.
		c.unposition()
		return nil
	}
	c.key = cur
	return nil
}

// Next advances to the next key in order, walking back up frames and
// across to a sibling subtree as needed.
func (c *Cursor) Next() error {
	if len(c.frames) == 0 {
		return ErrUnpositionedCursor
	}
	for i := len(c.frames) - 1; i >= 0; i-- {
		n, err := c.tree.nm.LoadFragment(c.frames[i].nodeID)
		if err != nil {
			return err
		}
		if c.frames[i].pos+1 < n.nKeys() {
			c.frames[i].pos++
			n.latch.unlockShared()
			return c.descendToLeaf(i, 1)
		}
		n.latch.unlockShared()
	}
	c.unposition()
	return nil
}

// Previous is Next's mirror image; the sentinel entry ends reverse
// iteration the way running off the last leaf ends forward iteration.
func (c *Cursor) Previous() error {
	if len(c.frames) == 0 {
		return ErrUnpositionedCursor
	}
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].pos > 0 {
			c.frames[i].pos--
			if err := c.descendToLeaf(i, -1); err != nil {
				return err
			}
			if !c.found {
				return nil
			}
			cur, err := c.currentLeafKey()
			if err != nil {
				return err
			}
			if len(cur) == 0 {
				c.unposition()
				return nil
			}
			c.key = cur
			return nil
		}
	}
	c.unposition()
	return nil
}

// descendToLeaf re-enters the tree from frame index i downward,
// following the leftmost (dir > 0) or rightmost (dir < 0) child at each
// level.
func (c *Cursor) descendToLeaf(i int, dir int) error {
	c.frames = c.frames[:i+1]
	n, err := c.tree.nm.LoadFragment(c.frames[i].nodeID)
	if err != nil {
		return err
	}
	if n.isLeaf() {
		c.found = c.frames[i].pos < n.nKeys()
		n.latch.unlockShared()
		return c.adoptCurrentKey()
	}
	id := n.getPtr(c.frames[i].pos)
	n.latch.unlockShared()
	for {
		child, err := c.tree.nm.LoadFragment(id)
		if err != nil {
			return err
		}
		pos := uint16(0)
		if dir < 0 && child.nKeys() > 0 {
			pos = child.nKeys() - 1
		}
		c.frames = append(c.frames, cursorFrame{nodeID: id, pos: pos})
		if child.isLeaf() {
			c.found = child.nKeys() > 0
			child.latch.unlockShared()
			return c.adoptCurrentKey()
		}
		nextID := child.getPtr(pos)
		child.latch.unlockShared()
		id = nextID
	}
}

func (c *Cursor) adoptCurrentKey() error {
	if !c.found {
		return nil
	}
	cur, err := c.currentLeafKey()
	if err != nil {
		return err
	}
	c.key = cur
	return nil
}

// Load returns the value at the cursor's current position.
func (c *Cursor) Load() ([]byte, error) {
	if !c.found {
		return nil, ErrUnpositionedCursor
	}
	n, err := c.leafNode()
	if err != nil {
		return nil, err
	}
	defer n.latch.unlockShared()
	top := c.frames[len(c.frames)-1]
	return c.tree.materializeValue(n.getVal(top.pos))
}

// Key returns the key at the cursor's current position.
func (c *Cursor) Key() ([]byte, error) {
	if !c.found {
		return nil, ErrUnpositionedCursor
	}
	return c.currentLeafKey()
}

// Store writes val at the cursor's current key (the sought key after a
// Find on an absent entry), recording an undo record against txn so the
// change can be rolled back.
func (c *Cursor) Store(val []byte) error {
	key, err := c.currentOrPendingKey()
	if err != nil {
		return err
	}
	if c.txn != nil {
		if err := c.txn.lockForWrite(c.tree.id, key); err != nil {
			return err
		}
		if err := c.txn.recordStore(c.tree.id, key, val); err != nil {
			return err
		}
	}
	if err := c.tree.Insert(key, val); err != nil {
		return err
	}
	return c.descend(key)
}

// Commit stores val and commits the current transaction's top scope.
func (c *Cursor) Commit(val []byte) error {
	if err := c.Store(val); err != nil {
		return err
	}
	if c.txn == nil {
		return nil
	}
	return c.txn.Commit()
}

// Delete removes the entry at the cursor's current key.
func (c *Cursor) Delete() (bool, error) {
	key, err := c.currentOrPendingKey()
	if err != nil {
		return false, err
	}
	if c.txn != nil {
		if err := c.txn.lockForWrite(c.tree.id, key); err != nil {
			return false, err
		}
		if err := c.txn.recordDelete(c.tree.id, key); err != nil {
			return false, err
		}
	}
	ok, err := c.tree.Delete(key)
	if err != nil {
		return false, err
	}
	return ok, c.descend(key)
}

func (c *Cursor) currentOrPendingKey() ([]byte, error) {
	if c.key != nil {
		return c.key, nil
	}
	return c.Key()
}

// ValueLength returns the logical length of the current entry's value,
// fully resolving fragment descriptors without reading their bytes.
func (c *Cursor) ValueLength() (int64, error) {
	if !c.found {
		return 0, ErrUnpositionedCursor
	}
	n, err := c.leafNode()
	if err != nil {
		return 0, err
	}
	defer n.latch.unlockShared()
	top := c.frames[len(c.frames)-1]
	stored := n.getVal(top.pos)
	if len(stored) < 1 || stored[0]&fragFlagFragmented == 0 {
		return int64(len(stored) - 1), nil
	}
	l, err := c.tree.frag.Length(stored[1:])
	return int64(l), err
}

// ValueRead reads up to len(buf) bytes from the current entry's value
// starting at pos.
func (c *Cursor) ValueRead(pos int64, buf []byte) (int, error) {
	if !c.found {
		return 0, ErrUnpositionedCursor
	}
	n, err := c.leafNode()
	if err != nil {
		return 0, err
	}
	defer n.latch.unlockShared()
	top := c.frames[len(c.frames)-1]
	stored := n.getVal(top.pos)
	if len(stored) < 1 || stored[0]&fragFlagFragmented == 0 {
		inline := stored[1:]
		if pos >= int64(len(inline)) {
			return 0, nil
		}
		return copy(buf, inline[pos:]), nil
	}
	return c.tree.frag.Read(stored[1:], pos, buf)
}

// ValueWrite overwrites len(val) bytes of the current entry's value
// starting at pos, re-encoding the whole value through BTree.Insert
// since the node layout is immutable copy-on-write.
func (c *Cursor) ValueWrite(pos int64, val []byte) error {
	cur, err := c.loadOrEmpty()
	if err != nil {
		return err
	}
	need := pos + int64(len(val))
	if need > int64(len(cur)) {
		grown := make([]byte, need)
		copy(grown, cur)
		cur = grown
	}
	copy(cur[pos:], val)
	return c.Store(cur)
}

// ValueSetLength truncates or zero-extends the current entry's value.
func (c *Cursor) ValueSetLength(length int64) error {
	cur, err := c.loadOrEmpty()
	if err != nil {
		return err
	}
	if int64(len(cur)) == length {
		return nil
	}
	out := make([]byte, length)
	copy(out, cur)
	return c.Store(out)
}

// ValueClear zero-fills [pos, pos+length) of the current entry.
func (c *Cursor) ValueClear(pos, length int64) error {
	cur, err := c.loadOrEmpty()
	if err != nil {
		return err
	}
	end := pos + length
	if end > int64(len(cur)) {
		grown := make([]byte, end)
		copy(grown, cur)
		cur = grown
	}
	for i := pos; i < end; i++ {
		cur[i] = 0
	}
	return c.Store(cur)
}

// loadOrEmpty treats an absent entry as a zero-length value so a value
// accessor positioned by Find on a fresh key creates it (sparse-value
// semantics).
func (c *Cursor) loadOrEmpty() ([]byte, error) {
	if !c.found {
		if c.key == nil {
			return nil, ErrUnpositionedCursor
		}
		return nil, nil
	}
	return c.Load()
}

// Reset releases the cursor's position without affecting the
// transaction.
func (c *Cursor) Reset() {
	c.reset()
}

// Close releases the cursor; an unregistered cursor is simply dropped.
func (c *Cursor) Close() error {
	if c.regID != "" {
		return c.Unregister()
	}
	c.reset()
	return nil
}

// Register assigns this cursor a durable id in the cursor-registry
// tree so a replication layer can resume it. The id is a UUID rather
// than a process-local counter so registrations from different
// processes never collide.
func (c *Cursor) Register(cursorRegistry *BTree) error {
	id := uuid.NewString()
	key, err := c.Key()
	if err != nil {
		key = nil
	}
	if err := cursorRegistry.Insert([]byte(id), key); err != nil {
		return err
	}
	c.regID = id
	c.cursorRegistry = cursorRegistry
	return nil
}

// Unregister removes this cursor's registry entry.
func (c *Cursor) Unregister() error {
	if c.regID == "" || c.cursorRegistry == nil {
		return nil
	}
	_, err := c.cursorRegistry.Delete([]byte(c.regID))
	c.regID = ""
	return err
}

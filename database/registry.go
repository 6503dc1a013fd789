package database

import (
	"encoding/binary"
	"sync"
)

// Reserved internal tree ids; ids below 256 never name user trees.
// registryTreeID is the root tree whose own root page id lives in the
// commit header's extra data rather than in the registry itself.
const (
	registryTreeID    uint64 = 0
	nameMapTreeID     uint64 = 1
	fragTrashTreeID   uint64 = 2
	cursorRegTreeID   uint64 = 3
	handlerRegTreeID  uint64 = 4
	firstUserTreeID   uint64 = 256
)

// registry key-map type tags, distinguishing name->id, id->name, and
// trash entries sharing one underlying BTree keyspace.
const (
	regTagNameToID byte = 1
	regTagIDToName byte = 2
	regTagTrash    byte = 3
	regTagRootID   byte = 4
	regTagNextID   byte = 5
)

var regNextIDKey = []byte{regTagNextID}

// Registry owns the name<->id mapping tree and the trash bookkeeping
// for indexes pending background deletion.
type Registry struct {
	tree *BTree

	mu      sync.Mutex
	nextID  uint64
	opened  map[uint64]*BTree // resident user/internal trees by id
}

func newRegistry(tree *BTree) *Registry {
	r := &Registry{tree: tree, nextID: firstUserTreeID, opened: make(map[uint64]*BTree)}
	if val, ok, err := tree.Get(regNextIDKey); err == nil && ok {
		r.nextID = binary.BigEndian.Uint64(val)
	}
	return r
}

// persistNextID durably records the id allocation counter so a reopened
// store resumes allocation past every id already handed out. Called
// with r.mu held.
func (r *Registry) persistNextID() error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, r.nextID)
	return r.tree.Insert(regNextIDKey, buf)
}

func regNameKey(name string) []byte {
	return append([]byte{regTagNameToID}, []byte(name)...)
}

func regIDKey(tag byte, id uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = tag
	binary.BigEndian.PutUint64(buf[1:], id)
	return buf
}

// FindID returns the tree id registered under name, if any.
func (r *Registry) FindID(name string) (uint64, bool, error) {
	val, ok, err := r.tree.Get(regNameKey(name))
	if err != nil || !ok {
		return 0, false, err
	}
	return binary.BigEndian.Uint64(val), true, nil
}

// Register creates (or reuses) a name->id mapping, allocating a fresh
// id from the monotonic user-tree id space when name is unseen.
func (r *Registry) Register(name string) (uint64, error) {
	if id, ok, err := r.FindID(name); err != nil {
		return 0, err
	} else if ok {
		return id, nil
	}
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	perr := r.persistNextID()
	r.mu.Unlock()
	if perr != nil {
		return 0, perr
	}

	idBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(idBuf, id)
	if err := r.tree.Insert(regNameKey(name), idBuf); err != nil {
		return 0, err
	}
	if err := r.tree.Insert(regIDKey(regTagIDToName, id), []byte(name)); err != nil {
		return 0, err
	}
	return id, nil
}

// NameOf returns the name registered for id, if any.
func (r *Registry) NameOf(id uint64) (string, bool, error) {
	val, ok, err := r.tree.Get(regIDKey(regTagIDToName, id))
	if err != nil || !ok {
		return "", false, err
	}
	return string(val), true, nil
}

// Rename atomically repoints the name->id entry for oldName to
// newName, leaving the id and its opened tree untouched.
func (r *Registry) Rename(oldName, newName string) error {
	id, ok, err := r.FindID(oldName)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidArgument
	}
	if _, err := r.tree.Delete(regNameKey(oldName)); err != nil {
		return err
	}
	idBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(idBuf, id)
	if err := r.tree.Insert(regNameKey(newName), idBuf); err != nil {
		return err
	}
	return r.tree.Insert(regIDKey(regTagIDToName, id), []byte(newName))
}

// MarkTrash moves id's name mapping into the trash prefix so a
// background task (see deletion.go) can drain and remove the tree; a
// tree found in the trash at startup is resumed the same way.
func (r *Registry) MarkTrash(id uint64, name string) error {
	if _, err := r.tree.Delete(regNameKey(name)); err != nil {
		return err
	}
	if _, err := r.tree.Delete(regIDKey(regTagIDToName, id)); err != nil {
		return err
	}
	return r.tree.Insert(regIDKey(regTagTrash, id), []byte(name))
}

// Unmark removes id's trash entry once the background task has
// finished draining and discarding the tree.
func (r *Registry) Unmark(id uint64) error {
	_, err := r.tree.Delete(regIDKey(regTagTrash, id))
	return err
}

// Names lists every currently registered index name by walking the
// name->id keyspace with a cursor, used by administrative tooling
// (cmd/tuplekv) to report on a store without needing to know names in
// advance.
func (r *Registry) Names() ([]string, error) {
	c := r.tree.NewCursor(nil)
	defer c.Close()
	var names []string
	if err := c.FindGe([]byte{regTagNameToID}); err != nil {
		return nil, err
	}
	for {
		key, err := c.Key()
		if err != nil {
			if err == ErrUnpositionedCursor {
				break
			}
			return nil, err
		}
		if len(key) == 0 || key[0] != regTagNameToID {
			break
		}
		names = append(names, string(key[1:]))
		if err := c.Next(); err != nil {
			return nil, err
		}
	}
	return names, nil
}

// TrashedIDs lists every tree id currently awaiting background
// deletion, scanned at startup to resume interrupted drains.
func (r *Registry) TrashedIDs() ([]uint64, error) {
	var ids []uint64
	for id := uint64(0); id < r.nextID; id++ {
		if _, ok, err := r.tree.Get(regIDKey(regTagTrash, id)); err != nil {
			return nil, err
		} else if ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// RootOf returns the persisted root page id for tree id, as of the last
// checkpoint.
func (r *Registry) RootOf(id uint64) (uint64, bool, error) {
	val, ok, err := r.tree.Get(regIDKey(regTagRootID, id))
	if err != nil || !ok {
		return 0, false, err
	}
	return binary.BigEndian.Uint64(val), true, nil
}

// SetRoot persists id's current root page id. The checkpointer calls
// this for every dirty root it flushes.
func (r *Registry) SetRoot(id, rootPageID uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, rootPageID)
	return r.tree.Insert(regIDKey(regTagRootID, id), buf)
}

// NextIDHint returns the smallest id not yet handed out, so startup can
// resume id allocation after reopening an existing store.
func (r *Registry) NextIDHint() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextID
}

// AdvanceNextID raises the next-id counter if id already names a tree
// at or beyond it, used while loading persisted trees at open time.
func (r *Registry) AdvanceNextID(id uint64) {
	r.mu.Lock()
	if id >= r.nextID {
		r.nextID = id + 1
	}
	r.mu.Unlock()
}

// Opened returns the in-memory BTree handle for id if one has already
// been resolved this session, for reuse by Database.treeByID.
func (r *Registry) Opened(id uint64) (*BTree, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.opened[id]
	return t, ok
}

// SetOpened records the resident handle for id.
func (r *Registry) SetOpened(id uint64, t *BTree) {
	r.mu.Lock()
	r.opened[id] = t
	r.mu.Unlock()
}

// Forget drops id's resident tree handle, used once a tree has been
// drained and discarded so Opened and AllOpened no longer return it.
func (r *Registry) Forget(id uint64) {
	r.mu.Lock()
	delete(r.opened, id)
	r.mu.Unlock()
}

// AllOpened returns every resident tree handle, used by the
// checkpointer to walk every open tree for dirty roots.
func (r *Registry) AllOpened() []*BTree {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*BTree, 0, len(r.opened))
	for _, t := range r.opened {
		out = append(out, t)
	}
	return out
}

package database

import "encoding/binary"

// freeList is the persistent free-page-id queue. Entries are tagged
// with the commit number at which they were freed and only released for
// reuse once two full checkpoints have passed, so pages freed in
// different checkpoints never alias until both checkpoints are durable.
//
// The in-memory entry queue is authoritative; persist serializes the
// remaining queue into the on-disk chain on every commit, so entries
// consumed between commits stay consumed across a reopen.
type freeList struct {
	headPageID uint64
	pages      []uint64  // chain page ids, head first
	entries    []flEntry // oldest first

	read  func(uint64) *Node
	alloc func() (uint64, error)
	write func(uint64, *Node) error
}

type flEntry struct {
	id      uint64
	freedAt uint32
}

const (
	freeListHeaderSize = nodeHeaderSize + 8 + 8 // type+nkeys | total | next
	freeListEntrySize  = 16                     // pageID(8) + freedAtCommit(8)
)

func freeListCap(pageSize int) int {
	return (pageSize - freeListHeaderSize) / freeListEntrySize
}

// Load rebuilds the in-memory queue from the chain rooted at head.
func (fl *freeList) Load(head uint64) {
	fl.headPageID = head
	fl.pages = nil
	fl.entries = nil
	for id := head; id != 0; {
		n := fl.read(id)
		fl.pages = append(fl.pages, id)
		cnt := flSize(n)
		for i := 0; i < cnt; i++ {
			ptr, freedAt := flReadEntry(n, i)
			fl.entries = append(fl.entries, flEntry{id: ptr, freedAt: uint32(freedAt)})
		}
		id = flNext(n)
	}
}

// Pop removes and returns one page id that was freed at least two
// checkpoints ago, relative to currentCommit. Returns 0 if none are
// eligible; the queue is oldest-first, so an ineligible head means
// nothing later is eligible either.
func (fl *freeList) Pop(currentCommit uint32) uint64 {
	if len(fl.entries) == 0 {
		return 0
	}
	e := fl.entries[0]
	if !commitNumberNewer(currentCommit, e.freedAt+1) {
		// Freed too recently; the page might still be referenced by the
		// previous, not-yet-superseded header.
		return 0
	}
	fl.entries = fl.entries[1:]
	return e.id
}

// Add schedules freed page ids, stamped with the commit number they
// were freed under, to become eligible for Pop two checkpoints from
// now.
func (fl *freeList) Add(freedAtCommit uint32, ids []uint64) {
	for _, id := range ids {
		fl.entries = append(fl.entries, flEntry{id: id, freedAt: freedAtCommit})
	}
}

// Total counts every entry currently queued, eligible or not.
func (fl *freeList) Total() uint64 {
	return uint64(len(fl.entries))
}

// persist writes the remaining queue into a freshly allocated chain.
// The previous chain's pages are never rewritten in place: the old
// header keeps referencing a consistent chain if this commit tears, and
// the old pages re-enter the queue stamped with the new commit number
// so they only recirculate once both headers have moved past them.
func (fl *freeList) persist(pageSize int, newCommit uint32) error {
	cap := freeListCap(pageSize)
	oldPages := fl.pages
	fl.pages = nil
	for _, id := range oldPages {
		fl.entries = append(fl.entries, flEntry{id: id, freedAt: newCommit})
	}
	for {
		// A trailing chain page left empty when alloc pops entries below a
		// page boundary is harmless; it recirculates on the next commit.
		needed := (len(fl.entries) + cap - 1) / cap
		if len(fl.pages) >= needed {
			break
		}
		// alloc may itself Pop an eligible entry, so needed is
		// re-evaluated each pass.
		id, err := fl.alloc()
		if err != nil {
			return err
		}
		fl.pages = append(fl.pages, id)
	}

	for i := range fl.pages {
		start := i * cap
		if start > len(fl.entries) {
			start = len(fl.entries)
		}
		end := start + cap
		if end > len(fl.entries) {
			end = len(fl.entries)
		}
		next := uint64(0)
		if i+1 < len(fl.pages) {
			next = fl.pages[i+1]
		}
		n := newNode(fl.pages[i], pageSize, nodeTypeFreeList)
		flSetHeader(n, uint16(end-start), next)
		for j := start; j < end; j++ {
			flSetEntry(n, j-start, fl.entries[j].id, uint64(fl.entries[j].freedAt))
		}
		if err := fl.write(fl.pages[i], n); err != nil {
			return err
		}
	}
	if len(fl.pages) > 0 {
		fl.headPageID = fl.pages[0]
	} else {
		fl.headPageID = 0
	}
	return nil
}

func flReadEntry(n *Node, offset int) (uint64, uint64) {
	pos := freeListHeaderSize + offset*freeListEntrySize
	ptr := binary.LittleEndian.Uint64(n.data[pos:])
	freedAt := binary.LittleEndian.Uint64(n.data[pos+8:])
	return ptr, freedAt
}

func flSetEntry(n *Node, idx int, ptr, freedAt uint64) {
	pos := freeListHeaderSize + idx*freeListEntrySize
	binary.LittleEndian.PutUint64(n.data[pos:], ptr)
	binary.LittleEndian.PutUint64(n.data[pos+8:], freedAt)
}

func flSize(n *Node) int {
	return int(n.nKeys())
}

func flNext(n *Node) uint64 {
	return binary.LittleEndian.Uint64(n.data[nodeHeaderSize+8:])
}

func flSetHeader(n *Node, size uint16, next uint64) {
	n.setHeader(nodeTypeFreeList, size)
	binary.LittleEndian.PutUint64(n.data[nodeHeaderSize:], uint64(size))
	binary.LittleEndian.PutUint64(n.data[nodeHeaderSize+8:], next)
}

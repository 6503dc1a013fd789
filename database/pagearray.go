package database

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// PageArray provides raw positioned reads and writes of fixed-size
// pages on a single file, backed by a growable set of mmap'd chunks so
// the store can grow past one mapping without remapping the whole file.
type PageArray struct {
	path     string
	pageSize int
	fp       *os.File
	readOnly bool
	locked   bool

	mu    sync.Mutex
	file  int      // file size in bytes, possibly smaller than mmap total
	total int      // total bytes mapped
	pages [][]byte // chunks, each a multiple of pageSize
}

// OpenPageArray opens or creates path and memory maps it. pageSize must
// be an even value in [512, 65536].
func OpenPageArray(path string, pageSize int, readOnly bool, exclusiveLock bool) (*PageArray, error) {
	if pageSize < 512 || pageSize > 65536 || pageSize%2 != 0 {
		return nil, newErr(CodeInvalidArgument, "page size out of range")
	}
	flags := os.O_RDWR | os.O_CREATE
	if readOnly {
		flags = os.O_RDONLY
	}
	fp, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, wrapErr(CodeIOError, "open page file", err)
	}
	pa := &PageArray{path: path, pageSize: pageSize, fp: fp, readOnly: readOnly}

	if exclusiveLock && !readOnly {
		if err := lockFileExclusive(fp.Fd()); err != nil {
			fp.Close()
			return nil, wrapErr(CodeIOError, "lock page file", err)
		}
		pa.locked = true
	}

	if err := pa.mapInitial(); err != nil {
		pa.Close()
		return nil, err
	}
	return pa, nil
}

func (pa *PageArray) mapInitial() error {
	fi, err := pa.fp.Stat()
	if err != nil {
		return wrapErr(CodeIOError, "stat page file", err)
	}
	size := fi.Size()
	if size%int64(pa.pageSize) != 0 {
		return newErr(CodeCorruptStore, "file size is not a multiple of page size")
	}
	mapSize := 64 << 20
	for int64(mapSize) < size {
		mapSize *= 2
	}
	if mapSize == 0 {
		mapSize = pa.pageSize
	}
	chunk, err := mmapFile(pa.fp.Fd(), 0, mapSize, pa.mmapProt(), 0x1)
	if err != nil {
		return wrapErr(CodeIOError, "mmap page file", err)
	}
	pa.file = int(size)
	pa.total = len(chunk)
	pa.pages = [][]byte{chunk}
	return nil
}

// mmapProt matches the mapping's protection to the fd's open mode:
// PROT_READ|PROT_WRITE normally, PROT_READ alone for a read-only open
// (a writable shared mapping over an O_RDONLY descriptor is refused).
func (pa *PageArray) mmapProt() int {
	if pa.readOnly {
		return 0x1
	}
	return 0x1 | 0x2
}

func (pa *PageArray) PageSize() int { return pa.pageSize }

func (pa *PageArray) IsEmpty() bool {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.file == 0
}

func (pa *PageArray) PageCount() uint64 {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return uint64(pa.file / pa.pageSize)
}

// locate returns the byte slice for page id within the mapped chunks.
// Bounded by the file's page count, not the mapping: the mmap runs well
// past EOF for growth headroom and touching that tail would fault.
func (pa *PageArray) locate(id uint64) ([]byte, error) {
	if id >= uint64(pa.file/pa.pageSize) {
		return nil, newErr(CodeInvalidArgument, fmt.Sprintf("page id %d out of range", id))
	}
	start := uint64(0)
	for _, chunk := range pa.pages {
		end := start + uint64(len(chunk))/uint64(pa.pageSize)
		if id < end {
			offset := uint64(pa.pageSize) * (id - start)
			return chunk[offset : offset+uint64(pa.pageSize)], nil
		}
		start = end
	}
	return nil, newErr(CodeInvalidArgument, fmt.Sprintf("page id %d out of range", id))
}

// ReadPage copies the current contents of page id into buf.
func (pa *PageArray) ReadPage(id uint64, buf []byte) error {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	src, err := pa.locate(id)
	if err != nil {
		return err
	}
	copy(buf, src)
	return nil
}

// WritePage copies buf into the mapped region for page id. The write is
// visible to subsequent ReadPage calls immediately but is not durable
// until Sync.
func (pa *PageArray) WritePage(id uint64, buf []byte) error {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	dst, err := pa.locate(id)
	if err != nil {
		return err
	}
	copy(dst, buf)
	return nil
}

// WritePageDurably writes via pwrite, which on every supported platform
// bypasses the page-cache copy made by the mmap write path as much as
// the OS allows, and keeps the mmap'd view coherent.
func (pa *PageArray) WritePageDurably(id uint64, buf []byte) error {
	if err := pa.WritePage(id, buf); err != nil {
		return err
	}
	off := int64(id) * int64(pa.pageSize)
	if _, err := pwriteFile(pa.fp.Fd(), buf, off); err != nil {
		return wrapErr(CodeIOError, "durable page write", err)
	}
	return nil
}

// Sync flushes pending writes to stable storage. metadata additionally
// forces filesystem metadata (size, etc.) to be durable.
func (pa *PageArray) Sync(metadata bool) error {
	if metadata {
		if err := pa.fp.Sync(); err != nil {
			return wrapErr(CodeIOError, "fsync", err)
		}
		return nil
	}
	if err := syncRange(pa.fp.Fd()); err != nil {
		return wrapErr(CodeIOError, "fdatasync", err)
	}
	return nil
}

// SetPageCount grows the backing file and, if needed, the mmap region to
// hold at least n pages.
func (pa *PageArray) SetPageCount(n uint64) error {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.growLocked(n)
}

func (pa *PageArray) growLocked(n uint64) error {
	wantBytes := int(n) * pa.pageSize
	if wantBytes <= pa.file {
		return nil
	}
	// Grow in increments (1/8th headroom) so the free-list never
	// deadlocks waiting for file growth during its own page allocation.
	filePages := pa.file / pa.pageSize
	target := int(n)
	for filePages < target {
		inc := filePages / 8
		if inc < 1 {
			inc = 1
		}
		filePages += inc
	}
	fileSize := filePages * pa.pageSize
	if err := fallocateFile(pa.fp.Fd(), 0, int64(fileSize)); err != nil {
		if err := pa.fp.Truncate(int64(fileSize)); err != nil {
			return wrapErr(CodeStoreFull, "extend page file", err)
		}
	}
	pa.file = fileSize

	if pa.total < fileSize {
		addSize := pa.total
		if addSize < fileSize-pa.total {
			addSize = fileSize - pa.total
		}
		chunk, err := mmapFile(pa.fp.Fd(), int64(pa.total), addSize, pa.mmapProt(), 0x1)
		if err != nil {
			return wrapErr(CodeIOError, "extend mmap", err)
		}
		pa.total += addSize
		pa.pages = append(pa.pages, chunk)
	}
	return nil
}

// Truncate shrinks the logical page count. The engine never truncates
// below the two header pages.
func (pa *PageArray) Truncate(n uint64) error {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	if n < 2 {
		return newErr(CodeInvalidArgument, "cannot truncate below header pages")
	}
	fileSize := int(n) * pa.pageSize
	if fileSize > pa.file {
		return errors.New("truncate target larger than current file")
	}
	if err := pa.fp.Truncate(int64(fileSize)); err != nil {
		return wrapErr(CodeIOError, "truncate page file", err)
	}
	pa.file = fileSize
	return nil
}

func (pa *PageArray) Close() error {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	var firstErr error
	for _, chunk := range pa.pages {
		if len(chunk) == 0 {
			continue
		}
		if err := unmapFile(chunk); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if pa.locked {
		_ = unlockFile(pa.fp.Fd())
	}
	if err := pa.fp.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

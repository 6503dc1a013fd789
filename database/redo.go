package database

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// redoOpcode tags a redo record. The writer currently emits the
// transaction lifecycle and store opcodes; the rest of the vocabulary
// is reserved for a future replication layer.
type redoOpcode byte

const (
	redoTimestamp redoOpcode = iota + 1
	redoShutdown
	redoClose
	redoEndFile
	redoReset
	redoTxnEnter
	redoTxnRollback
	redoTxnRollbackFinal
	redoTxnCommit
	redoTxnCommitFinal
	redoTxnStore
	redoStoreNoLock
	redoRenameIndex
	redoDeleteIndex
	redoCursorRegister
	redoCursorUnregister
)

// redoRecord is one decoded entry from a segment file.
type redoRecord struct {
	op       redoOpcode
	txnID    int64
	payload  []byte
	position int64
}

// RedoLog is the segmented, append-only write-ahead log: files named
// "<base>.redo.<N>", each record self-delimiting and carrying an
// implicit monotonic byte position used as its identity.
type RedoLog struct {
	dir  string
	base string

	mu       sync.Mutex
	segNum   uint64
	f        *os.File
	position int64

	log     zerolog.Logger
	metrics *Metrics
}

func redoSegmentPath(dir, base string, n uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s.redo.%d", base, n))
}

// OpenRedoLog opens (creating if needed) the current segment, starting
// a fresh one at segNum if none exist yet.
func OpenRedoLog(dir, base string, segNum uint64, log zerolog.Logger, m *Metrics) (*RedoLog, error) {
	r := &RedoLog{dir: dir, base: base, segNum: segNum, log: log, metrics: m}
	if err := r.openSegment(segNum); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RedoLog) openSegment(n uint64) error {
	path := redoSegmentPath(r.dir, r.base, n)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return wrapErr(CodeIOError, "open redo segment", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return wrapErr(CodeIOError, "stat redo segment", err)
	}
	r.f = f
	r.segNum = n
	r.position = info.Size()
	return nil
}

func (r *RedoLog) writeRecord(op redoOpcode, txnID int64, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := make([]byte, 1+8+4+len(payload))
	buf[0] = byte(op)
	binary.LittleEndian.PutUint64(buf[1:], uint64(txnID))
	binary.LittleEndian.PutUint32(buf[9:], uint32(len(payload)))
	copy(buf[13:], payload)

	n, err := r.f.Write(buf)
	if err != nil {
		return wrapErr(CodeIOError, "write redo record", err)
	}
	r.position += int64(n)
	if r.metrics != nil {
		r.metrics.redoBytesWritten.Add(float64(n))
	}
	return nil
}

func (r *RedoLog) writeTxnEnter(txnID int64) error {
	return r.writeRecord(redoTxnEnter, txnID, nil)
}

// writeTxnStore logs a single key mutation against treeID so recovery
// can replay it without consulting the page store: isDelete distinguishes
// a tombstone from a value write, and val is nil for a delete.
//
// payload: treeID(8) | isDelete(1) | keyLen(4) | key | val
func (r *RedoLog) writeTxnStore(txnID int64, treeID uint64, key, val []byte, isDelete bool) error {
	payload := make([]byte, 8+1+4+len(key)+len(val))
	binary.LittleEndian.PutUint64(payload, treeID)
	if isDelete {
		payload[8] = 1
	}
	binary.LittleEndian.PutUint32(payload[9:], uint32(len(key)))
	copy(payload[13:], key)
	copy(payload[13+len(key):], val)
	return r.writeRecord(redoTxnStore, txnID, payload)
}

// decodeTxnStorePayload reverses writeTxnStore's encoding, used by
// recovery replay.
func decodeTxnStorePayload(payload []byte) (treeID uint64, key, val []byte, isDelete bool, err error) {
	if len(payload) < 13 {
		return 0, nil, nil, false, newErr(CodeCorruptStore, "truncated txnStore redo payload")
	}
	treeID = binary.LittleEndian.Uint64(payload)
	isDelete = payload[8] != 0
	klen := int(binary.LittleEndian.Uint32(payload[9:]))
	if 13+klen > len(payload) {
		return 0, nil, nil, false, newErr(CodeCorruptStore, "truncated txnStore redo key")
	}
	key = append([]byte(nil), payload[13:13+klen]...)
	val = append([]byte(nil), payload[13+klen:]...)
	return treeID, key, val, isDelete, nil
}

func (r *RedoLog) writeTxnCommit(txnID int64) error {
	return r.writeRecord(redoTxnCommitFinal, txnID, nil)
}

func (r *RedoLog) writeTxnRollback(txnID int64) error {
	return r.writeRecord(redoTxnRollbackFinal, txnID, nil)
}

// Flush pushes buffered bytes out of the process. A no-op here: every
// write is already a syscall with no userspace buffering in between.
func (r *RedoLog) Flush() error {
	return nil
}

func (r *RedoLog) Sync(metadata bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.redoSyncTotal.Inc()
	}
	if err := r.f.Sync(); err != nil {
		return wrapErr(CodeIOError, "sync redo segment", err)
	}
	return nil
}

// Position returns the current write position in the live segment, used
// by Checkpoint to decide whether any redo activity has happened since
// the last checkpoint.
func (r *RedoLog) Position() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.position
}

// CheckpointPrepare may create the next segment ahead of the switch so
// writers never block on file creation during the swap.
func (r *RedoLog) CheckpointPrepare() (nextSegment uint64, err error) {
	r.mu.Lock()
	next := r.segNum + 1
	r.mu.Unlock()
	return next, nil
}

// checkpointState is recorded atomically in the commit header's extra
// data by the checkpointer.
type checkpointState struct {
	segNum   uint64
	position int64
	txnID    int64
}

// CheckpointSwitch rotates onto nextSegment and returns the state to
// persist in the commit header.
func (r *RedoLog) CheckpointSwitch(nextSegment uint64) (checkpointState, error) {
	r.mu.Lock()
	prevSeg, prevPos := r.segNum, r.position
	r.mu.Unlock()

	if err := r.openSegment(nextSegment); err != nil {
		return checkpointState{}, err
	}
	return checkpointState{segNum: prevSeg, position: prevPos}, nil
}

// CheckpointFinished discards the now-superseded segment once the new
// commit header referencing the rotation point is durable.
func (r *RedoLog) CheckpointFinished(oldSegment uint64) error {
	path := redoSegmentPath(r.dir, r.base, oldSegment)
	if oldSegment == r.segNum {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		r.log.Warn().Err(err).Str("path", path).Msg("failed to discard old redo segment")
	}
	return nil
}

// Segment returns the live segment number.
func (r *RedoLog) Segment() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.segNum
}

// DiscardSegmentsBelow removes every segment numbered below n, walking
// downward until the first gap. Used after recovery has replayed and
// checkpointed past a run of leftover segments.
func (r *RedoLog) DiscardSegmentsBelow(n uint64) {
	for seg := n; seg > 0; {
		seg--
		path := redoSegmentPath(r.dir, r.base, seg)
		if err := os.Remove(path); err != nil {
			if !os.IsNotExist(err) {
				r.log.Warn().Err(err).Str("path", path).Msg("failed to discard replayed redo segment")
			}
			return
		}
	}
}

func (r *RedoLog) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}

// replaySegment decodes every record in segment n starting at
// startPos, used by recovery (checkpoint.go).
func replaySegment(dir, base string, n uint64, startPos int64) ([]redoRecord, error) {
	path := redoSegmentPath(dir, base, n)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, wrapErr(CodeIOError, "read redo segment", err)
	}
	var records []redoRecord
	pos := startPos
	for pos+13 <= int64(len(data)) {
		op := redoOpcode(data[pos])
		txnID := int64(binary.LittleEndian.Uint64(data[pos+1:]))
		plen := int64(binary.LittleEndian.Uint32(data[pos+9:]))
		start := pos + 13
		end := start + plen
		if end > int64(len(data)) {
			break // torn trailing record from a crash mid-write
		}
		records = append(records, redoRecord{
			op: op, txnID: txnID,
			payload:  append([]byte(nil), data[start:end]...),
			position: pos,
		})
		pos = end
	}
	return records, nil
}

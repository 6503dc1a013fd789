package database

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCachedStateFlushRedirtyRoundTrip(t *testing.T) {
	require.True(t, stateDirtyA.isDirty())
	require.True(t, stateDirtyB.isDirty())
	require.False(t, stateFlushedA.isDirty())
	require.False(t, stateClean.isDirty())

	require.Equal(t, stateFlushedA, stateDirtyA.flushed())
	require.Equal(t, stateFlushedB, stateDirtyB.flushed())
	require.Equal(t, stateDirtyA, stateFlushedA.redirty())
	require.Equal(t, stateDirtyB, stateFlushedB.redirty())

	// Clean has no dirty/flushed counterpart; both transitions are no-ops.
	require.Equal(t, stateClean, stateClean.flushed())
	require.Equal(t, stateClean, stateClean.redirty())
}

func TestCachedStateGeneration(t *testing.T) {
	require.Equal(t, uint8(0), stateDirtyA.generation())
	require.Equal(t, uint8(0), stateFlushedA.generation())
	require.Equal(t, uint8(1), stateDirtyB.generation())
	require.Equal(t, uint8(1), stateFlushedB.generation())
}

func TestDirtyStateForAlternatesByCommitState(t *testing.T) {
	require.Equal(t, stateDirtyA, dirtyStateFor(0))
	require.Equal(t, stateDirtyB, dirtyStateFor(1))
}

func TestBelongsToPreviousCheckpoint(t *testing.T) {
	require.True(t, belongsToPreviousCheckpoint(stateDirtyA, 1))
	require.False(t, belongsToPreviousCheckpoint(stateDirtyA, 0))
	require.False(t, belongsToPreviousCheckpoint(stateFlushedA, 1))
	require.False(t, belongsToPreviousCheckpoint(stateClean, 1))
}

func TestNodeAppendKVAndLookup(t *testing.T) {
	n := newNode(1, 4096, nodeTypeLeaf)
	n.setHeader(nodeTypeLeaf, 3)
	n.appendKV(0, 0, []byte("aaa"), []byte("1"))
	n.appendKV(1, 0, []byte("bbb"), []byte("2"))
	n.appendKV(2, 0, []byte("ccc"), []byte("3"))

	require.True(t, n.isLeaf())
	require.Equal(t, uint16(3), n.nKeys())
	require.Equal(t, []byte("aaa"), n.getKey(0))
	require.Equal(t, []byte("bbb"), n.getKey(1))
	require.Equal(t, []byte("2"), n.getVal(1))

	require.Equal(t, uint16(0), n.lookupLE([]byte("aaa")))
	require.Equal(t, uint16(1), n.lookupLE([]byte("bbb")))
	require.Equal(t, uint16(2), n.lookupLE([]byte("zzz")))
}

func TestNodeAppendRangeCopiesKVsAndOffsets(t *testing.T) {
	src := newNode(1, 4096, nodeTypeLeaf)
	src.setHeader(nodeTypeLeaf, 2)
	src.appendKV(0, 10, []byte("k1"), []byte("v1"))
	src.appendKV(1, 20, []byte("k2"), []byte("v2"))

	dst := newNode(2, 4096, nodeTypeLeaf)
	dst.setHeader(nodeTypeLeaf, 2)
	dst.appendRange(src, 0, 0, 2)

	require.Equal(t, uint64(10), dst.getPtr(0))
	require.Equal(t, uint64(20), dst.getPtr(1))
	require.Equal(t, []byte("k1"), dst.getKey(0))
	require.Equal(t, []byte("v2"), dst.getVal(1))
}

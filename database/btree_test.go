package database

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestBTree(t *testing.T) *BTree {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	ps, err := OpenPageStore(path, 4096, false)
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })

	m := NewMetrics(nil, "test")
	nm := NewNodeManager(ps, 64*4096, 64*4096, -1, 4, zerolog.Nop(), m)
	frag := newFragmentValueStore(nm, ps)
	return newBTree(1, nm, frag, 0)
}

func TestBTreeGetOnEmptyTree(t *testing.T) {
	tree := newTestBTree(t)
	_, ok, err := tree.Get([]byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBTreeInsertAndGet(t *testing.T) {
	tree := newTestBTree(t)
	require.NoError(t, tree.Insert([]byte("a"), []byte("1")))
	require.NoError(t, tree.Insert([]byte("b"), []byte("2")))

	v, ok, err := tree.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	v, ok, err = tree.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)

	_, ok, err = tree.Get([]byte("c"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBTreeInsertOverwritesExistingKey(t *testing.T) {
	tree := newTestBTree(t)
	require.NoError(t, tree.Insert([]byte("k"), []byte("first")))
	require.NoError(t, tree.Insert([]byte("k"), []byte("second")))

	v, ok, err := tree.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("second"), v)
}

func TestBTreeDeleteRemovesKey(t *testing.T) {
	tree := newTestBTree(t)
	require.NoError(t, tree.Insert([]byte("k"), []byte("v")))

	found, err := tree.Delete([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)

	_, ok, err := tree.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBTreeDeleteMissingKeyReportsNotFound(t *testing.T) {
	tree := newTestBTree(t)
	found, err := tree.Delete([]byte("nope"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestBTreeSurvivesManyInsertsAcrossSplits(t *testing.T) {
	tree := newTestBTree(t)
	const n = 500
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		val := []byte(fmt.Sprintf("val-%05d", i))
		require.NoError(t, tree.Insert(key, val))
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		want := []byte(fmt.Sprintf("val-%05d", i))
		got, ok, err := tree.Get(key)
		require.NoError(t, err)
		require.True(t, ok, "key %s missing", key)
		require.Equal(t, want, got)
	}
}

func TestBTreeDeleteAcrossManyKeysMergesBack(t *testing.T) {
	tree := newTestBTree(t)
	const n = 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		require.NoError(t, tree.Insert(key, []byte("v")))
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		found, err := tree.Delete(key)
		require.NoError(t, err)
		require.True(t, found)
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		_, ok, err := tree.Get(key)
		require.NoError(t, err)
		require.False(t, ok)
	}
}

func TestBTreeRejectsOversizeKey(t *testing.T) {
	tree := newTestBTree(t)
	big := make([]byte, maxKeySize+1)
	_, _, err := tree.Get(big)
	require.ErrorIs(t, err, ErrLargeKey)
	err = tree.Insert(big, []byte("v"))
	require.ErrorIs(t, err, ErrLargeKey)
}

func TestBTreeLargeValueIsFragmented(t *testing.T) {
	tree := newTestBTree(t)
	big := make([]byte, maxInlineValueSize+500)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, tree.Insert([]byte("bigkey"), big))

	got, ok, err := tree.Get([]byte("bigkey"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, big, got)
}

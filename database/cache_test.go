package database

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestNodeManager(t *testing.T, maxNodes int) (*NodeManager, *PageStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	ps, err := OpenPageStore(path, 4096, false)
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })

	m := NewMetrics(nil, "test")
	nm := NewNodeManager(ps, int64(maxNodes*4096), int64(maxNodes*4096), -1, 4, zerolog.Nop(), m)
	return nm, ps
}

func TestNodeManagerAllocLatchedGrowsUpToMax(t *testing.T) {
	nm, _ := newTestNodeManager(t, 3)
	n1, err := nm.AllocLatched(nodeTypeLeaf)
	require.NoError(t, err)
	n1.latch.unlockExclusive()

	n2, err := nm.AllocLatched(nodeTypeLeaf)
	require.NoError(t, err)
	n2.latch.unlockExclusive()

	require.NotEqual(t, n1, n2)
}

func TestNodeManagerLoadCachesAndReportsMetrics(t *testing.T) {
	nm, ps := newTestNodeManager(t, 5)
	id, err := ps.AllocPage()
	require.NoError(t, err)
	buf := make([]byte, 4096)
	newNode(id, 4096, nodeTypeLeaf).setHeader(nodeTypeLeaf, 0)
	require.NoError(t, ps.WritePage(id, buf))

	n, err := nm.LoadFragment(id)
	require.NoError(t, err)
	n.latch.unlockShared()

	// Second load should be a cache hit, not a second page read.
	n2, err := nm.LoadFragment(id)
	require.NoError(t, err)
	n2.latch.unlockShared()
	require.Same(t, n, n2)
}

func TestNodeManagerMakeDirtyAllocatesOnFirstTouch(t *testing.T) {
	nm, _ := newTestNodeManager(t, 5)
	n, err := nm.AllocLatched(nodeTypeLeaf)
	require.NoError(t, err)
	defer n.latch.unlockExclusive()

	require.Equal(t, stateClean, n.state)
	_, changed, err := nm.MakeDirty(n)
	require.NoError(t, err)
	require.True(t, changed)
	require.True(t, n.state.isDirty())

	// Touching again under the same checkpoint generation is a no-op.
	oldID, changed2, err := nm.MakeDirty(n)
	require.NoError(t, err)
	require.False(t, changed2)
	require.Equal(t, uint64(0), oldID)
}

func TestNodeManagerDeleteNodeRemovesFromResidentSet(t *testing.T) {
	nm, _ := newTestNodeManager(t, 5)
	n, err := nm.AllocLatched(nodeTypeLeaf)
	require.NoError(t, err)
	_, _, err = nm.MakeDirty(n)
	require.NoError(t, err)
	id := n.id
	n.latch.unlockExclusive()

	n, err = nm.LoadFragmentExclusive(id, true)
	require.NoError(t, err)
	nm.DeleteNode(n)
	n.latch.unlockExclusive()

	snap := nm.snapshotResidentNodes()
	for _, r := range snap {
		require.NotEqual(t, id, r.id)
	}
}

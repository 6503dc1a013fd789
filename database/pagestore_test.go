package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type noopCommit struct{}

func (noopCommit) prepare(h *storeHeader) error { return nil }

func TestOpenPageStoreInitializesFreshFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	ps, err := OpenPageStore(path, 4096, false)
	require.NoError(t, err)
	defer ps.Close()

	h := ps.ActiveHeader()
	require.Equal(t, uint32(0), h.commitNumber)
	require.Equal(t, uint32(4096), h.pageSize)
}

func TestPageStoreAllocWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	ps, err := OpenPageStore(path, 4096, false)
	require.NoError(t, err)
	defer ps.Close()

	id, err := ps.AllocPage()
	require.NoError(t, err)
	require.Greater(t, id, uint64(1)) // pages 0/1 reserved for headers

	want := make([]byte, 4096)
	copy(want, []byte("payload"))
	require.NoError(t, ps.WritePage(id, want))

	got := make([]byte, 4096)
	require.NoError(t, ps.ReadPage(id, got))
	require.Equal(t, want, got)
}

func TestPageStoreFileSyncWritesPageWithoutCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	ps, err := OpenPageStore(path, 4096, false)
	require.NoError(t, err)
	defer ps.Close()
	ps.SetFileSync(true)

	id, err := ps.AllocPage()
	require.NoError(t, err)
	want := make([]byte, 4096)
	copy(want, []byte("fsynced"))
	require.NoError(t, ps.WritePage(id, want))

	got := make([]byte, 4096)
	require.NoError(t, ps.ReadPage(id, got))
	require.Equal(t, want, got)
}

func TestPageStoreCommitAdvancesCommitNumberAndFlipsHeaderSlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	ps, err := OpenPageStore(path, 4096, false)
	require.NoError(t, err)
	defer ps.Close()

	before := ps.ActiveHeader()
	beforeSlot := ps.activeSlot
	require.NoError(t, ps.Commit(noopCommit{}))
	after := ps.ActiveHeader()

	require.True(t, commitNumberNewer(after.commitNumber, before.commitNumber))
	require.NotEqual(t, beforeSlot, ps.activeSlot)
}

func TestPageStoreRecyclePageIsImmediatelyReusable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	ps, err := OpenPageStore(path, 4096, false)
	require.NoError(t, err)
	defer ps.Close()

	id, err := ps.AllocPage()
	require.NoError(t, err)
	ps.RecyclePage(id)

	again, err := ps.AllocPage()
	require.NoError(t, err)
	require.Equal(t, id, again)
}

func TestPageStoreDeletePageIsDeferredUntilEligible(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	ps, err := OpenPageStore(path, 4096, false)
	require.NoError(t, err)
	defer ps.Close()

	id, err := ps.AllocPage()
	require.NoError(t, err)
	ps.DeletePage(id)

	// One commit schedules it into the free list; it isn't eligible yet
	// because of the two-checkpoint delay.
	require.NoError(t, ps.Commit(noopCommit{}))
	require.Equal(t, uint64(1), ps.FreeListTotal())

	// Two more commits should make it eligible for reuse.
	require.NoError(t, ps.Commit(noopCommit{}))
	require.NoError(t, ps.Commit(noopCommit{}))

	reused, err := ps.AllocPage()
	require.NoError(t, err)
	require.Equal(t, id, reused)
}

func TestPageStoreRecoversActiveHeaderAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	ps, err := OpenPageStore(path, 4096, false)
	require.NoError(t, err)
	require.NoError(t, ps.Commit(noopCommit{}))
	require.NoError(t, ps.Commit(noopCommit{}))
	wantCommit := ps.ActiveHeader().commitNumber
	require.NoError(t, ps.Close())

	ps2, err := OpenPageStore(path, 4096, false)
	require.NoError(t, err)
	defer ps2.Close()
	require.Equal(t, wantCommit, ps2.ActiveHeader().commitNumber)
}

func TestPageStoreFreePageConsumptionSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	ps, err := OpenPageStore(path, 4096, false)
	require.NoError(t, err)

	id, err := ps.AllocPage()
	require.NoError(t, err)
	ps.DeletePage(id)
	require.NoError(t, ps.Commit(noopCommit{}))
	require.NoError(t, ps.Commit(noopCommit{}))
	require.NoError(t, ps.Commit(noopCommit{}))

	reused, err := ps.AllocPage()
	require.NoError(t, err)
	require.Equal(t, id, reused)

	// The pop must be durable with the next commit: after a reopen the
	// same id must not be handed out a second time while still in use.
	require.NoError(t, ps.Commit(noopCommit{}))
	require.NoError(t, ps.Close())

	ps2, err := OpenPageStore(path, 4096, false)
	require.NoError(t, err)
	defer ps2.Close()
	for i := 0; i < 64; i++ {
		next, err := ps2.AllocPage()
		require.NoError(t, err)
		require.NotEqual(t, id, next)
	}
}

func TestPageStoreCompactFreeListReportsCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	ps, err := OpenPageStore(path, 4096, false)
	require.NoError(t, err)
	defer ps.Close()

	id, err := ps.AllocPage()
	require.NoError(t, err)
	ps.DeletePage(id)
	require.NoError(t, ps.Commit(noopCommit{}))
	require.NoError(t, ps.Commit(noopCommit{}))
	require.NoError(t, ps.Commit(noopCommit{}))

	n, err := ps.CompactFreeList()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

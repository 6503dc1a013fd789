package database

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenRejectsMissingBaseFile(t *testing.T) {
	_, err := Open(&Config{})
	require.Error(t, err)
}

func TestOpenCreatesStoreAndCloseIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
}

func TestOpenIndexCreatesOnFirstCallAndReusesAfter(t *testing.T) {
	db := openTestDB(t)
	ix1, err := db.OpenIndex("people")
	require.NoError(t, err)
	ix2, err := db.OpenIndex("people")
	require.NoError(t, err)
	require.Equal(t, ix1.ID(), ix2.ID())
}

func TestFindIndexReportsAbsence(t *testing.T) {
	db := openTestDB(t)
	_, ok, err := db.FindIndex("nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIndexStoreLoadInsertReplaceExchangeDelete(t *testing.T) {
	db := openTestDB(t)
	ix, err := db.OpenIndex("people")
	require.NoError(t, err)

	inserted, err := ix.Insert(nil, []byte("k"), []byte("1"))
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = ix.Insert(nil, []byte("k"), []byte("2"))
	require.NoError(t, err)
	require.False(t, inserted)

	v, ok, err := ix.Load(nil, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	replaced, err := ix.Replace(nil, []byte("k"), []byte("3"))
	require.NoError(t, err)
	require.True(t, replaced)

	replaced, err = ix.Replace(nil, []byte("missing"), []byte("x"))
	require.NoError(t, err)
	require.False(t, replaced)

	old, existed, err := ix.Exchange(nil, []byte("k"), []byte("4"))
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, []byte("3"), old)

	require.NoError(t, ix.Store(nil, []byte("k2"), []byte("v2")))
	v, ok, err = ix.Load(nil, []byte("k2"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)

	removed, err := ix.Delete(nil, []byte("k"))
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = ix.Delete(nil, []byte("k"))
	require.NoError(t, err)
	require.False(t, removed)
}

func TestIndexInsertIsAtomicUnderConcurrentCallers(t *testing.T) {
	db := openTestDB(t)
	ix, err := db.OpenIndex("people")
	require.NoError(t, err)

	const callers = 8
	var wins int32
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		val := []byte{byte(i)}
		go func() {
			defer wg.Done()
			inserted, err := ix.Insert(nil, []byte("contested"), val)
			errs <- err
			if inserted {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Exactly one caller may observe "absent" and win.
	require.Equal(t, int32(1), atomic.LoadInt32(&wins))
	_, ok, err := ix.Load(nil, []byte("contested"))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestIndexOperationsParticipateInExplicitTransaction(t *testing.T) {
	db := openTestDB(t)
	ix, err := db.OpenIndex("people")
	require.NoError(t, err)

	txn := db.NewTransaction()
	require.NoError(t, ix.Store(txn, []byte("k"), []byte("v")))
	require.NoError(t, txn.Exit())
	require.NoError(t, txn.Close())

	_, ok, err := ix.Load(nil, []byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRenameIndexRepointsNameKeepingContents(t *testing.T) {
	db := openTestDB(t)
	ix, err := db.OpenIndex("old")
	require.NoError(t, err)
	require.NoError(t, ix.Store(nil, []byte("k"), []byte("v")))

	require.NoError(t, db.RenameIndex(ix, "new"))
	require.Equal(t, "new", ix.Name())

	_, ok, err := db.FindIndex("old")
	require.NoError(t, err)
	require.False(t, ok)

	renamed, ok, err := db.FindIndex("new")
	require.NoError(t, err)
	require.True(t, ok)
	v, ok, err := renamed.Load(nil, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
}

func TestIndexNamesListsEveryRegisteredIndex(t *testing.T) {
	db := openTestDB(t)
	_, err := db.OpenIndex("a")
	require.NoError(t, err)
	_, err = db.OpenIndex("b")
	require.NoError(t, err)

	names, err := db.IndexNames()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, names)
}

func TestDeleteIndexDrainsInBackgroundAndRemovesFromRegistry(t *testing.T) {
	db := openTestDB(t)
	ix, err := db.OpenIndex("gone")
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, ix.Store(nil, []byte{byte(i)}, []byte("v")))
	}

	task, err := db.DeleteIndex(ix)
	require.NoError(t, err)
	require.NoError(t, task.Wait())

	_, ok, err := db.FindIndex("gone")
	require.NoError(t, err)
	require.False(t, ok)

	ids, err := db.registry.TrashedIDs()
	require.NoError(t, err)
	require.NotContains(t, ids, ix.ID())
}

func TestIndexOperationsRejectClosedIndex(t *testing.T) {
	db := openTestDB(t)
	ix, err := db.OpenIndex("gone")
	require.NoError(t, err)

	task, err := db.DeleteIndex(ix)
	require.NoError(t, err)
	require.NoError(t, task.Wait())

	_, _, err = ix.Load(nil, []byte("k"))
	require.ErrorIs(t, err, ErrClosedIndex)
}

func TestCursorRegistryTracksRegisteredCursors(t *testing.T) {
	db := openTestDB(t)
	ix, err := db.OpenIndex("people")
	require.NoError(t, err)
	require.NoError(t, ix.Store(nil, []byte("k"), []byte("v")))

	c := ix.NewCursor(nil)
	require.NoError(t, c.Find([]byte("k")))
	require.NoError(t, c.Register(db.CursorRegistry()))

	probe := db.CursorRegistry().NewCursor(nil)
	require.NoError(t, probe.First())
	pos, err := probe.Load()
	require.NoError(t, err)
	require.Equal(t, []byte("k"), pos)

	require.NoError(t, c.Close()) // unregisters
	require.NoError(t, probe.First())
	_, err = probe.Key()
	require.ErrorIs(t, err, ErrUnpositionedCursor)
}

func TestCompactFreeListRejectsReadOnly(t *testing.T) {
	base := t.TempDir() + "/store"
	cfg := DefaultConfig(base)
	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	roCfg := DefaultConfig(base)
	roCfg.ReadOnly = true
	roDB, err := Open(roCfg)
	require.NoError(t, err)
	defer roDB.Close()

	_, err = roDB.CompactFreeList()
	require.Error(t, err)
}

func TestOperationsRejectClosedDatabase(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Close())

	_, err := db.OpenIndex("x")
	require.ErrorIs(t, err, ErrClosedDatabase)

	_, _, err = db.FindIndex("x")
	require.ErrorIs(t, err, ErrClosedDatabase)

	_, err = db.IndexNames()
	require.ErrorIs(t, err, ErrClosedDatabase)
}

func TestHandlesObtainedBeforeCloseFailClosedAfterward(t *testing.T) {
	db := openTestDB(t)
	ix, err := db.OpenIndex("x")
	require.NoError(t, err)
	require.NoError(t, ix.Store(nil, []byte("k"), []byte("v")))

	require.NoError(t, db.Close())

	_, _, err = ix.Load(nil, []byte("k"))
	require.ErrorIs(t, err, ErrClosedDatabase)
	require.Error(t, ix.Store(nil, []byte("k2"), []byte("v2")))

	txn := db.NewTransaction()
	require.ErrorIs(t, txn.Commit(), ErrClosedDatabase)
	require.Error(t, txn.LockShared(ix.ID(), []byte("k")))
}

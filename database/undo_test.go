package database

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUndoLogAppendAndTruncate(t *testing.T) {
	u := newUndoLog(1)
	u.append(undoOpInsert, 5, []byte("k1"), nil)
	u.append(undoOpUpdate, 5, []byte("k2"), []byte("old"))
	require.Equal(t, 2, u.len())

	u.truncate(1)
	require.Equal(t, 1, u.len())
}

func TestUndoLogRollbackUndoesInsertByDeleting(t *testing.T) {
	db := openTestDB(t)
	ix, err := db.OpenIndex("idx")
	require.NoError(t, err)

	u := newUndoLog(1)
	require.NoError(t, ix.tree.Insert([]byte("k"), []byte("v")))
	u.append(undoOpInsert, ix.id, []byte("k"), nil)

	require.NoError(t, u.rollback(db, 0))

	_, ok, err := ix.tree.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 0, u.len())
}

func TestUndoLogRollbackUndoesUpdateByRestoringPreviousValue(t *testing.T) {
	db := openTestDB(t)
	ix, err := db.OpenIndex("idx")
	require.NoError(t, err)
	require.NoError(t, ix.tree.Insert([]byte("k"), []byte("old")))

	u := newUndoLog(1)
	require.NoError(t, ix.tree.Insert([]byte("k"), []byte("new")))
	u.append(undoOpUpdate, ix.id, []byte("k"), []byte("old"))

	require.NoError(t, u.rollback(db, 0))

	v, ok, err := ix.tree.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("old"), v)
}

func TestUndoLogRollbackRespectsMark(t *testing.T) {
	db := openTestDB(t)
	ix, err := db.OpenIndex("idx")
	require.NoError(t, err)

	u := newUndoLog(1)
	require.NoError(t, ix.tree.Insert([]byte("a"), []byte("1")))
	u.append(undoOpInsert, ix.id, []byte("a"), nil)
	mark := u.len()
	require.NoError(t, ix.tree.Insert([]byte("b"), []byte("2")))
	u.append(undoOpInsert, ix.id, []byte("b"), nil)

	require.NoError(t, u.rollback(db, mark))

	_, ok, err := ix.tree.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = ix.tree.Get([]byte("b"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMasterUndoLogRollbackAllRollsBackEveryHead(t *testing.T) {
	db := openTestDB(t)
	ix, err := db.OpenIndex("idx")
	require.NoError(t, err)
	require.NoError(t, ix.tree.Insert([]byte("k"), []byte("v")))

	u := newUndoLog(1)
	u.append(undoOpInsert, ix.id, []byte("k"), nil)

	m := newMasterUndoLog()
	m.record(1, u)
	require.NoError(t, m.rollbackAll(db))

	_, ok, err := ix.tree.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)

	m.forget(1)
	require.Empty(t, m.heads)
}

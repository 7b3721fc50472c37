package boltdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gridtokenx/gridtokenx/util"
)

func initBoltDB(t *testing.T) *BoltDB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "bolt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func TestBoltDB_ReadWriteDelete(t *testing.T) {
	db := initBoltDB(t)

	var value uint64
	found, err := db.Read([]byte("key"), &value)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, db.Write([]byte("key"), uint64(42)))
	found, err = db.Read([]byte("key"), &value)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 42, value)

	require.NoError(t, db.Delete([]byte("key")))
	found, err = db.Read([]byte("key"), &value)
	require.NoError(t, err)
	require.False(t, found)
}

func TestBoltDB_InvalidInput(t *testing.T) {
	db := initBoltDB(t)
	require.Error(t, db.Write(nil, uint64(1)))
	require.Error(t, db.Write([]byte("key"), nil))
	require.Error(t, db.Delete(nil))
	var value uint64
	_, err := db.Read(nil, &value)
	require.Error(t, err)
}

func TestBoltDB_Iterate(t *testing.T) {
	db := initBoltDB(t)
	for i := uint64(0); i < 5; i++ {
		require.NoError(t, db.Write(util.Uint64ToBytes(i), i))
	}
	it := db.First()
	var i uint64
	for ; it.Valid(); it.Next() {
		require.Equal(t, util.Uint64ToBytes(i), it.Key())
		var value uint64
		require.NoError(t, it.Value(&value))
		require.Equal(t, i, value)
		i++
	}
	require.NoError(t, it.Close())
	require.EqualValues(t, 5, i)

	last := db.Last()
	require.True(t, last.Valid())
	require.Equal(t, util.Uint64ToBytes(4), last.Key())
	require.NoError(t, last.Close())

	find := db.Find(util.Uint64ToBytes(3))
	require.True(t, find.Valid())
	require.Equal(t, util.Uint64ToBytes(3), find.Key())
	require.NoError(t, find.Close())
}

func TestBoltDB_TxCommitAndRollback(t *testing.T) {
	db := initBoltDB(t)
	require.NoError(t, db.Write([]byte("key"), uint64(1)))

	tx, err := db.StartTx()
	require.NoError(t, err)
	require.NoError(t, tx.Write([]byte("key"), uint64(2)))
	var value uint64
	found, err := tx.Read([]byte("key"), &value)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 2, value)
	require.NoError(t, tx.Rollback())

	found, err = db.Read([]byte("key"), &value)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 1, value)

	tx, err = db.StartTx()
	require.NoError(t, err)
	require.NoError(t, tx.Write([]byte("key"), uint64(2)))
	require.NoError(t, tx.Commit())

	found, err = db.Read([]byte("key"), &value)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 2, value)
}

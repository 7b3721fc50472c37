package memorydb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gridtokenx/gridtokenx/keyvaluedb"
	"github.com/gridtokenx/gridtokenx/util"
)

func TestMemoryDB_ReadWriteDelete(t *testing.T) {
	db := New()
	require.True(t, db.Empty())

	var value uint64
	found, err := db.Read([]byte("key"), &value)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, db.Write([]byte("key"), uint64(42)))
	found, err = db.Read([]byte("key"), &value)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 42, value)
	require.False(t, db.Empty())

	require.NoError(t, db.Delete([]byte("key")))
	found, err = db.Read([]byte("key"), &value)
	require.NoError(t, err)
	require.False(t, found)
}

func TestMemoryDB_InvalidInput(t *testing.T) {
	db := New()
	require.Error(t, db.Write(nil, uint64(1)))
	require.Error(t, db.Write([]byte("key"), nil))
	require.Error(t, db.Delete(nil))
	var value uint64
	_, err := db.Read(nil, &value)
	require.Error(t, err)
	_, err = db.Read([]byte("key"), nil)
	require.Error(t, err)
}

func TestMemoryDB_Limiter(t *testing.T) {
	db := NewWithLimiter(1)
	require.NoError(t, db.Write([]byte("a"), uint64(1)))
	require.ErrorContains(t, db.Write([]byte("b"), uint64(2)), "disk is full")
}

func TestMemoryDB_WriteError(t *testing.T) {
	db := New()
	db.SetWriteError(errors.New("no spoon"))
	require.ErrorContains(t, db.Write([]byte("a"), uint64(1)), "no spoon")
}

func TestMemoryDB_Iterate(t *testing.T) {
	db := New()
	for i := uint64(0); i < 5; i++ {
		require.NoError(t, db.Write(util.Uint64ToBytes(i), i))
	}
	it := db.First()
	defer func() { require.NoError(t, it.Close()) }()
	var i uint64
	for ; it.Valid(); it.Next() {
		require.Equal(t, util.Uint64ToBytes(i), it.Key())
		var value uint64
		require.NoError(t, it.Value(&value))
		require.Equal(t, i, value)
		i++
	}
	require.EqualValues(t, 5, i)
}

func TestMemoryDB_IterateReverse(t *testing.T) {
	db := New()
	for i := uint64(0); i < 5; i++ {
		require.NoError(t, db.Write(util.Uint64ToBytes(i), i))
	}
	it := db.Last()
	defer func() { require.NoError(t, it.Close()) }()
	i := uint64(4)
	for ; it.Valid(); it.Prev() {
		require.Equal(t, util.Uint64ToBytes(i), it.Key())
		i--
	}
}

func TestMemoryDB_Find(t *testing.T) {
	db := New()
	for _, i := range []uint64{1, 3, 5} {
		require.NoError(t, db.Write(util.Uint64ToBytes(i), i))
	}
	it := db.Find(util.Uint64ToBytes(2))
	defer func() { require.NoError(t, it.Close()) }()
	require.True(t, it.Valid())
	require.Equal(t, util.Uint64ToBytes(3), it.Key())

	past := db.Find(util.Uint64ToBytes(6))
	defer func() { require.NoError(t, past.Close()) }()
	require.False(t, past.Valid())
}

func TestMemoryDB_TxCommitAndRollback(t *testing.T) {
	db := New()
	require.NoError(t, db.Write([]byte("key"), uint64(1)))

	tx, err := db.StartTx()
	require.NoError(t, err)
	require.NoError(t, tx.Write([]byte("key"), uint64(2)))
	require.NoError(t, tx.Rollback())

	var value uint64
	found, err := db.Read([]byte("key"), &value)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 1, value)

	tx, err = db.StartTx()
	require.NoError(t, err)
	require.NoError(t, tx.Write([]byte("key"), uint64(2)))
	require.NoError(t, tx.Delete([]byte("other")))
	require.NoError(t, tx.Commit())

	found, err = db.Read([]byte("key"), &value)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 2, value)
}

func TestIsEmpty(t *testing.T) {
	db := New()
	empty, err := keyvaluedb.IsEmpty(db)
	require.NoError(t, err)
	require.True(t, empty)

	require.NoError(t, db.Write([]byte("key"), uint64(1)))
	empty, err = keyvaluedb.IsEmpty(db)
	require.NoError(t, err)
	require.False(t, empty)

	_, err = keyvaluedb.IsEmpty(nil)
	require.Error(t, err)
}

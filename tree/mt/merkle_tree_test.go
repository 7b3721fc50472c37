package mt

import (
	"crypto"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type TestData struct {
	hash []byte
}

func (t *TestData) Hash(hash crypto.Hash) []byte {
	return t.hash
}

func TestNewMTWithEmptyData(t *testing.T) {
	tree := New(crypto.SHA256, []Data{})
	require.NotNil(t, tree)
	require.Nil(t, tree.GetRootHash())
}

func TestNewMTWithSingleNode(t *testing.T) {
	data := []Data{&TestData{hash: make([]byte, 32)}}
	tree := New(crypto.SHA256, data)
	require.NotNil(t, tree)
	require.NotNil(t, tree.GetRootHash())
	require.Equal(t, data[0].Hash(crypto.SHA256), tree.GetRootHash())
}

func TestNewMTWithOddNumberOfLeaves(t *testing.T) {
	var data = make([]Data, 7)
	for i := 0; i < len(data); i++ {
		data[i] = &TestData{hash: makeData(byte(i))}
	}
	tree := New(crypto.SHA256, data)
	require.NotNil(t, tree)
	require.EqualValues(t, "47A288CB996BFAAA0703D976C338841884F938C06E62A161E4772D6FB68A4A69", fmt.Sprintf("%X", tree.GetRootHash()))
}

func TestNewMTWithEvenNumberOfLeaves(t *testing.T) {
	var data = make([]Data, 8)
	for i := 0; i < len(data); i++ {
		data[i] = &TestData{hash: makeData(byte(i))}
	}
	tree := New(crypto.SHA256, data)
	require.NotNil(t, tree)
	require.EqualValues(t, "89A0F1577268CC19B0A39C7A69F804FD140640C699585EB635EBB03C06154CCE", fmt.Sprintf("%X", tree.GetRootHash()))
}

func TestMerklePathRoundtrip(t *testing.T) {
	var data = make([]Data, 5)
	for i := 0; i < len(data); i++ {
		data[i] = &TestData{hash: makeData(byte(i))}
	}
	tree := New(crypto.SHA256, data)
	for i := 0; i < len(data); i++ {
		path, err := tree.GetMerklePath(i)
		require.NoError(t, err)
		require.Equal(t, tree.GetRootHash(), EvalMerklePath(path, data[i], crypto.SHA256))
	}

	_, err := tree.GetMerklePath(len(data))
	require.ErrorIs(t, err, ErrIndexOutOfBounds)
}

func TestHibitFunction_NormalInput(t *testing.T) {
	tests := []struct {
		name string
		m    int
		n    int
	}{
		{name: "input zero", m: 0, n: 0},
		{name: "input positive 1", m: 1, n: 1},
		{name: "input positive 25", m: 25, n: 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.n, hibit(tt.m))
		})
	}
}

func makeData(firstByte byte) []byte {
	data := make([]byte, 32)
	data[0] = firstByte
	return data
}

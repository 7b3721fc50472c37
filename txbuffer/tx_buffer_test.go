package txbuffer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gridtokenx/gridtokenx/observability"
	"github.com/gridtokenx/gridtokenx/types"
)

type okValidator struct{}

func (okValidator) Validate(*types.Transaction) error { return nil }

type failValidator struct{ err error }

func (v failValidator) Validate(*types.Transaction) error { return v.err }

func testTx(id string, fee uint64) *types.Transaction {
	return &types.Transaction{Payload: &types.Payload{
		Kind:   types.KindTransfer,
		ID:     id,
		Sender: types.NewAddress([]byte(id)),
		Nonce:  1,
		Fee:    fee,
	}}
}

func newTestBuffer(t *testing.T, maxSize uint, validator TxValidator) *TxBuffer {
	t.Helper()
	buf, err := New(maxSize, validator, observability.NOP())
	require.NoError(t, err)
	return buf
}

func TestNew_InvalidArguments(t *testing.T) {
	_, err := New(0, okValidator{}, observability.NOP())
	require.ErrorContains(t, err, "buffer max size")
	_, err = New(10, nil, observability.NOP())
	require.ErrorContains(t, err, "validator is nil")
}

func TestAdd(t *testing.T) {
	buf := newTestBuffer(t, 10, okValidator{})

	require.ErrorIs(t, buf.Add(context.Background(), nil), ErrTxIsNil)

	require.NoError(t, buf.Add(context.Background(), testTx("a", 1)))
	require.EqualValues(t, 1, buf.Count())

	require.ErrorIs(t, buf.Add(context.Background(), testTx("a", 1)), ErrTxInBuffer)
	require.EqualValues(t, 1, buf.Count())
}

func TestAdd_ValidatorRejects(t *testing.T) {
	boom := errors.New("boom")
	buf := newTestBuffer(t, 10, failValidator{err: boom})
	require.ErrorIs(t, buf.Add(context.Background(), testTx("a", 1)), boom)
	require.Zero(t, buf.Count())
}

func TestAdd_EvictsLowestFeeWhenFull(t *testing.T) {
	buf := newTestBuffer(t, 2, okValidator{})
	require.NoError(t, buf.Add(context.Background(), testTx("low", 1)))
	require.NoError(t, buf.Add(context.Background(), testTx("high", 10)))

	// candidate pays more than the cheapest buffered tx, eviction
	require.NoError(t, buf.Add(context.Background(), testTx("mid", 5)))
	require.EqualValues(t, 2, buf.Count())

	// candidate pays less than anything buffered, rejection
	require.ErrorIs(t, buf.Add(context.Background(), testTx("cheap", 1)), ErrTxBufferFull)

	selected := buf.SelectForBlock(context.Background(), 10, 1<<20)
	require.Len(t, selected, 2)
	require.Equal(t, "high", selected[0].ID())
	require.Equal(t, "mid", selected[1].ID())
}

func TestSelectForBlock_Ordering(t *testing.T) {
	buf := newTestBuffer(t, 10, okValidator{})
	require.NoError(t, buf.Add(context.Background(), testTx("b", 5)))
	require.NoError(t, buf.Add(context.Background(), testTx("a", 5)))
	require.NoError(t, buf.Add(context.Background(), testTx("c", 7)))

	selected := buf.SelectForBlock(context.Background(), 10, 1<<20)
	require.Len(t, selected, 3)
	// fee desc, then arrival asc
	require.Equal(t, "c", selected[0].ID())
	require.Equal(t, "b", selected[1].ID())
	require.Equal(t, "a", selected[2].ID())
}

func TestSelectForBlock_Limits(t *testing.T) {
	buf := newTestBuffer(t, 10, okValidator{})
	for i := 0; i < 5; i++ {
		require.NoError(t, buf.Add(context.Background(), testTx(fmt.Sprintf("tx-%d", i), uint64(10-i))))
	}

	selected := buf.SelectForBlock(context.Background(), 2, 1<<20)
	require.Len(t, selected, 2)

	// size limit: single tx encodes to a few dozen bytes
	buf.Restore(context.Background(), []string{selected[0].ID(), selected[1].ID()})
	selected = buf.SelectForBlock(context.Background(), 10, 10)
	require.Empty(t, selected)
}

func TestSelectForBlock_InFlightNotReselected(t *testing.T) {
	buf := newTestBuffer(t, 10, okValidator{})
	require.NoError(t, buf.Add(context.Background(), testTx("a", 1)))

	first := buf.SelectForBlock(context.Background(), 10, 1<<20)
	require.Len(t, first, 1)
	require.Empty(t, buf.SelectForBlock(context.Background(), 10, 1<<20))

	// in-flight txs still count as duplicates
	require.ErrorIs(t, buf.Add(context.Background(), testTx("a", 1)), ErrTxInBuffer)

	// failed round restores, successful round removes
	buf.Restore(context.Background(), []string{"a"})
	again := buf.SelectForBlock(context.Background(), 10, 1<<20)
	require.Len(t, again, 1)

	buf.Remove(context.Background(), []string{"a"})
	require.Zero(t, buf.Count())
	require.NoError(t, buf.Add(context.Background(), testTx("a", 1)))
}

func TestAdd_InFlightNotEvicted(t *testing.T) {
	buf := newTestBuffer(t, 1, okValidator{})
	require.NoError(t, buf.Add(context.Background(), testTx("a", 1)))
	require.Len(t, buf.SelectForBlock(context.Background(), 10, 1<<20), 1)

	// the only buffered tx is in-flight, the better-paying candidate
	// cannot evict it
	require.ErrorIs(t, buf.Add(context.Background(), testTx("b", 100)), ErrTxBufferFull)
}

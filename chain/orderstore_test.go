package chain

import (
	"context"
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gridtokenx/gridtokenx/keyvaluedb/memorydb"
	"github.com/gridtokenx/gridtokenx/logger"
	"github.com/gridtokenx/gridtokenx/market"
	"github.com/gridtokenx/gridtokenx/types"
)

var _ market.OrderJournal = (*OrderStore)(nil)

func storedOrder(id string, zone string, windowStart int64, status types.OrderStatus) *types.EnergyOrder {
	trader := sha256.Sum256([]byte(id))
	return &types.EnergyOrder{
		ID:          id,
		Trader:      types.Address(fmt.Sprintf("%x", trader[:20])),
		Side:        types.Buy,
		Kind:        types.LimitOrder,
		AmountWh:    1000,
		RemainingWh: 1000,
		PriceMilli:  1500,
		Location:    types.GridLocation{Zone: zone},
		Window:      types.DeliveryWindow{Start: windowStart, End: windowStart + 1800},
		Status:      status,
		CreatedAt:   windowStart - 3600,
		ExpiresAt:   windowStart,
	}
}

func newOrderStore(t *testing.T) *OrderStore {
	t.Helper()
	s, err := NewOrderStore(memorydb.New(), logger.NOP())
	require.NoError(t, err)
	return s
}

func TestOrderStore(t *testing.T) {
	const windowStart = int64(1_700_003_600)

	t.Run("put and get round trip", func(t *testing.T) {
		s := newOrderStore(t)
		o := storedOrder("o1", "zone-A", windowStart, types.OrderPending)
		require.NoError(t, s.Put(o))
		got, err := s.Get("o1")
		require.NoError(t, err)
		require.Equal(t, o, got)
	})

	t.Run("unknown order", func(t *testing.T) {
		s := newOrderStore(t)
		_, err := s.Get("missing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("rejects invalid orders", func(t *testing.T) {
		s := newOrderStore(t)
		require.ErrorContains(t, s.Put(&types.EnergyOrder{}), "order identifier is missing")
	})

	t.Run("scans one market and status", func(t *testing.T) {
		s := newOrderStore(t)
		bucket := types.DeliveryWindow{Start: windowStart}.Bucket()
		require.NoError(t, s.Put(storedOrder("o1", "zone-A", windowStart, types.OrderPending)))
		require.NoError(t, s.Put(storedOrder("o2", "zone-A", windowStart, types.OrderPending)))
		require.NoError(t, s.Put(storedOrder("o3", "zone-A", windowStart, types.OrderFilled)))
		require.NoError(t, s.Put(storedOrder("o4", "zone-B", windowStart, types.OrderPending)))
		require.NoError(t, s.Put(storedOrder("o5", "zone-A", windowStart+7200, types.OrderPending)))

		open, err := s.Orders("zone-A", bucket, types.OrderPending)
		require.NoError(t, err)
		require.Len(t, open, 2)
		require.Equal(t, "o1", open[0].ID)
		require.Equal(t, "o2", open[1].ID)

		filled, err := s.Orders("zone-A", bucket, types.OrderFilled)
		require.NoError(t, err)
		require.Len(t, filled, 1)
		require.Equal(t, "o3", filled[0].ID)
	})

	t.Run("status change moves the index entry", func(t *testing.T) {
		s := newOrderStore(t)
		bucket := types.DeliveryWindow{Start: windowStart}.Bucket()
		o := storedOrder("o1", "zone-A", windowStart, types.OrderPending)
		require.NoError(t, s.Put(o))

		o.Status = types.OrderPartial
		o.RemainingWh = 400
		require.NoError(t, s.Put(o))

		pending, err := s.Orders("zone-A", bucket, types.OrderPending)
		require.NoError(t, err)
		require.Empty(t, pending)
		partial, err := s.Orders("zone-A", bucket, types.OrderPartial)
		require.NoError(t, err)
		require.Len(t, partial, 1)
		require.EqualValues(t, 400, partial[0].RemainingWh)
	})

	t.Run("journal records order changes", func(t *testing.T) {
		s := newOrderStore(t)
		o := storedOrder("o1", "zone-A", windowStart, types.OrderPending)
		s.OrderChanged(context.Background(), o)
		got, err := s.Get("o1")
		require.NoError(t, err)
		require.Equal(t, o, got)
	})
}

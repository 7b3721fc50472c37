package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeliveryWindowBucket(t *testing.T) {
	start := time.Date(2026, time.March, 1, 14, 25, 13, 0, time.UTC)
	w := DeliveryWindow{Start: start.Unix(), End: start.Add(30 * time.Minute).Unix()}
	require.Equal(t, time.Date(2026, time.March, 1, 14, 0, 0, 0, time.UTC).Unix(), w.Bucket())

	// orders inside the same hour share a market
	w2 := DeliveryWindow{Start: start.Add(10 * time.Minute).Unix(), End: start.Add(40 * time.Minute).Unix()}
	require.Equal(t, w.Bucket(), w2.Bucket())
}

func TestDeliveryWindowOverlaps(t *testing.T) {
	w := DeliveryWindow{Start: 100, End: 200}
	require.True(t, w.Overlaps(DeliveryWindow{Start: 150, End: 250}))
	require.True(t, w.Overlaps(DeliveryWindow{Start: 100, End: 200}))
	require.False(t, w.Overlaps(DeliveryWindow{Start: 200, End: 300}))
	require.False(t, w.Overlaps(DeliveryWindow{Start: 10, End: 100}))
}

func TestEnergyOrderIsValid(t *testing.T) {
	valid := func() *EnergyOrder {
		return &EnergyOrder{
			ID:          "order-1",
			Trader:      NewAddress([]byte{1}),
			Side:        Buy,
			Kind:        LimitOrder,
			AmountWh:    100_000,
			RemainingWh: 100_000,
			PriceMilli:  4500,
			Source:      SourceSolar,
			Location:    GridLocation{Zone: "zone-x", Substation: "sub-1"},
			Window:      DeliveryWindow{Start: 1_750_000_000, End: 1_750_003_600},
			Status:      OrderPending,
		}
	}
	require.NoError(t, valid().IsValid())

	t.Run("zero amount", func(t *testing.T) {
		o := valid()
		o.AmountWh = 0
		require.ErrorContains(t, o.IsValid(), "amount must be positive")
	})
	t.Run("limit order without price", func(t *testing.T) {
		o := valid()
		o.PriceMilli = 0
		require.ErrorContains(t, o.IsValid(), "price must be positive")
	})
	t.Run("market order without price is fine", func(t *testing.T) {
		o := valid()
		o.Kind = MarketOrder
		o.PriceMilli = 0
		require.NoError(t, o.IsValid())
	})
	t.Run("missing zone", func(t *testing.T) {
		o := valid()
		o.Location.Zone = ""
		require.ErrorContains(t, o.IsValid(), "grid zone is missing")
	})
	t.Run("inverted window", func(t *testing.T) {
		o := valid()
		o.Window = DeliveryWindow{Start: 200, End: 100}
		require.ErrorContains(t, o.IsValid(), "end must be after start")
	})
}

func TestOrderStatusTerminal(t *testing.T) {
	require.False(t, OrderPending.Terminal())
	require.False(t, OrderPartial.Terminal())
	require.True(t, OrderFilled.Terminal())
	require.True(t, OrderCancelled.Terminal())
	require.True(t, OrderExpired.Terminal())
}

package types

import (
	"errors"
	"fmt"
	"time"
)

type (
	OrderSide uint8
	OrderKind uint8
	// OrderStatus is the lifecycle state of an energy order. Filled,
	// Cancelled and Expired are terminal.
	OrderStatus uint8
)

const (
	Buy OrderSide = iota + 1
	Sell
)

const (
	LimitOrder OrderKind = iota + 1
	MarketOrder
)

const (
	OrderPending OrderStatus = iota + 1
	OrderPartial
	OrderFilled
	OrderCancelled
	OrderExpired
)

// WindowBucketDuration is the granularity of delivery window buckets. One
// market exists per (zone, bucket), orders never match across buckets.
const WindowBucketDuration = time.Hour

type (
	// DeliveryWindow is the interval during which the traded energy must be
	// physically delivered. Start and End are unix seconds.
	DeliveryWindow struct {
		_ struct{} `cbor:",toarray"`

		Start int64
		End   int64
	}

	GridLocation struct {
		_ struct{} `cbor:",toarray"`

		Zone       string
		Substation string
	}

	// EnergyOrder is owned by the order book; only the matching engine and
	// order cancellation mutate it.
	EnergyOrder struct {
		_ struct{} `cbor:",toarray"`

		ID            string
		Trader        Address
		Side          OrderSide
		Kind          OrderKind
		AmountWh      uint64 // original amount
		RemainingWh   uint64
		PriceMilli    uint64 // milli-tokens per kWh; zero for market orders
		Source        EnergySource
		Location      GridLocation
		Window        DeliveryWindow
		RenewableOnly bool
		Status        OrderStatus
		CreatedAt     int64
		ExpiresAt     int64
	}

	// MarketID keys one order book instance.
	MarketID struct {
		Zone   string
		Bucket int64 // delivery window bucket, unix seconds
	}
)

func (w DeliveryWindow) IsValid() error {
	if w.Start <= 0 || w.End <= 0 {
		return errors.New("delivery window bounds must be set")
	}
	if w.End <= w.Start {
		return errors.New("delivery window end must be after start")
	}
	return nil
}

// Bucket truncates the window start down to the market bucket granularity.
func (w DeliveryWindow) Bucket() int64 {
	d := int64(WindowBucketDuration / time.Second)
	return w.Start - w.Start%d
}

// Overlaps reports whether the two windows share any time.
func (w DeliveryWindow) Overlaps(o DeliveryWindow) bool {
	return w.Start < o.End && o.Start < w.End
}

func (o *EnergyOrder) IsValid() error {
	if o == nil {
		return errors.New("order is nil")
	}
	if o.ID == "" {
		return errors.New("order identifier is missing")
	}
	if err := o.Trader.IsValid(); err != nil {
		return fmt.Errorf("invalid trader address: %w", err)
	}
	if o.Side != Buy && o.Side != Sell {
		return fmt.Errorf("unknown order side %d", o.Side)
	}
	if o.Kind != LimitOrder && o.Kind != MarketOrder {
		return fmt.Errorf("unknown order kind %d", o.Kind)
	}
	if o.AmountWh == 0 {
		return errors.New("order amount must be positive")
	}
	if o.Kind == LimitOrder && o.PriceMilli == 0 {
		return errors.New("limit order price must be positive")
	}
	if o.Location.Zone == "" {
		return errors.New("order grid zone is missing")
	}
	if err := o.Window.IsValid(); err != nil {
		return fmt.Errorf("invalid delivery window: %w", err)
	}
	return nil
}

func (o *EnergyOrder) MarketID() MarketID {
	return MarketID{Zone: o.Location.Zone, Bucket: o.Window.Bucket()}
}

// Terminal reports whether the order can no longer change state.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderExpired:
		return true
	default:
		return false
	}
}

func (s OrderStatus) String() string {
	switch s {
	case OrderPending:
		return "pending"
	case OrderPartial:
		return "partial"
	case OrderFilled:
		return "filled"
	case OrderCancelled:
		return "cancelled"
	case OrderExpired:
		return "expired"
	default:
		return fmt.Sprintf("orderStatus(%d)", uint8(s))
	}
}

func (s OrderSide) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return fmt.Sprintf("orderSide(%d)", uint8(s))
	}
}

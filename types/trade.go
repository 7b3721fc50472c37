package types

import (
	"github.com/shopspring/decimal"
)

type SettlementStatus uint8

const (
	SettlementPending SettlementStatus = iota + 1
	SettlementSettled
	SettlementFailed
)

// Trade is one match produced by the matching engine. It becomes an
// EnergyTrade transaction and is immutable once settled.
type Trade struct {
	_ struct{} `cbor:",toarray"`

	ID          string
	BuyOrderID  string
	SellOrderID string
	Buyer       Address
	Seller      Address
	AmountWh    uint64
	// PriceMilli is the clearing price in milli-tokens per kWh, always the
	// resting order's price.
	PriceMilli uint64
	ValueMilli uint64
	Zone       string
	Source     EnergySource
	Window     DeliveryWindow
	MatchedAt  int64
	Settlement SettlementStatus
}

// TradeValueMilli converts a matched amount and clearing price into the token
// value moved between the parties. Prices are per kWh while amounts are in
// Wh, the division result is truncated so both legs use the identical value.
func TradeValueMilli(amountWh, priceMilli uint64) uint64 {
	v := decimal.NewFromInt(int64(amountWh)).
		Mul(decimal.NewFromInt(int64(priceMilli))).
		Div(decimal.NewFromInt(1000))
	return uint64(v.IntPart())
}

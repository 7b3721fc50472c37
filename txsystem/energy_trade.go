package txsystem

import (
	"fmt"

	"github.com/gridtokenx/gridtokenx/state"
	"github.com/gridtokenx/gridtokenx/types"
)

// maxTradeCongestion is the congestion level (0..10 scale reported by grid
// state updates) above which trade settlement is refused.
const maxTradeCongestion uint8 = 8

func (m *TxSystem) validateEnergyTrade(tx *types.Transaction) error {
	var attr types.EnergyTradeAttributes
	if err := tx.UnmarshalAttributes(&attr); err != nil {
		return fmt.Errorf("decoding energy trade attributes: %w", err)
	}
	// settlement transactions are submitted by the block proposer
	if _, err := m.senderAuthority(tx.Payload.Sender); err != nil {
		return err
	}
	if attr.AmountWh == 0 {
		return fmt.Errorf("trade amount is zero")
	}
	if err := attr.Buyer.IsValid(); err != nil {
		return fmt.Errorf("invalid buyer: %w", err)
	}
	if err := attr.Seller.IsValid(); err != nil {
		return fmt.Errorf("invalid seller: %w", err)
	}
	if attr.Buyer == attr.Seller {
		return fmt.Errorf("buyer and seller are the same")
	}
	if attr.WindowEnd <= attr.WindowStart {
		return fmt.Errorf("invalid delivery window")
	}
	if grid := m.state.GridStatus(); grid.CongestionLevel > maxTradeCongestion {
		return fmt.Errorf("%w: congestion level %d", ErrGridConstraint, grid.CongestionLevel)
	}

	if m.tradeSource != nil {
		trade, ok := m.tradeSource.Trade(attr.TradeID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTrade, attr.TradeID)
		}
		if trade.BuyOrderID != attr.BuyOrderID || trade.SellOrderID != attr.SellOrderID ||
			trade.AmountWh != attr.AmountWh || trade.PriceMilli != attr.PriceMilli {
			return fmt.Errorf("%w: attributes do not match trade %s", ErrUnknownTrade, attr.TradeID)
		}
	}

	value := types.TradeValueMilli(attr.AmountWh, attr.PriceMilli)
	buyer, ok := m.state.GetAccount(attr.Buyer, false)
	if !ok || buyer.Balance < value {
		return fmt.Errorf("%w: buyer cannot cover trade value %d", ErrInsufficientBalance, value)
	}
	seller, ok := m.state.GetAccount(attr.Seller, false)
	if !ok || seller.EnergyCredits < attr.AmountWh {
		return fmt.Errorf("%w: seller cannot cover %d Wh", ErrInsufficientEnergy, attr.AmountWh)
	}
	return nil
}

// executeEnergyTrade moves the trade value buyer to seller and the energy
// credits seller to buyer. Token and energy totals are conserved, only the
// fee is burned.
func (m *TxSystem) executeEnergyTrade(tx *types.Transaction) error {
	var attr types.EnergyTradeAttributes
	if err := tx.UnmarshalAttributes(&attr); err != nil {
		return fmt.Errorf("decoding energy trade attributes: %w", err)
	}
	value := types.TradeValueMilli(attr.AmountWh, attr.PriceMilli)
	return m.state.Apply(
		m.chargeFee(tx),
		state.UpdateAccount(attr.Buyer, func(acc *types.AccountState) error {
			if acc.Balance < value {
				return ErrInsufficientBalance
			}
			acc.Balance -= value
			acc.EnergyCredits += attr.AmountWh
			return nil
		}),
		state.UpdateAccount(attr.Seller, func(acc *types.AccountState) error {
			if acc.EnergyCredits < attr.AmountWh {
				return ErrEnergyConservation
			}
			acc.EnergyCredits -= attr.AmountWh
			acc.Balance += value
			return nil
		}),
	)
}

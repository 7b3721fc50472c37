package txsystem

import (
	"fmt"

	"github.com/gridtokenx/gridtokenx/state"
	"github.com/gridtokenx/gridtokenx/types"
)

func (m *TxSystem) validateTransfer(tx *types.Transaction, acc *types.AccountState) error {
	var attr types.TransferAttributes
	if err := tx.UnmarshalAttributes(&attr); err != nil {
		return fmt.Errorf("decoding transfer attributes: %w", err)
	}
	if err := attr.Recipient.IsValid(); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	if attr.Recipient == tx.Payload.Sender {
		return fmt.Errorf("sender and recipient are the same")
	}
	if attr.Amount == 0 && attr.EnergyCredits == 0 {
		return fmt.Errorf("transfer of nothing")
	}
	total, err := addWithFee(attr.Amount, tx.Payload.Fee)
	if err != nil {
		return err
	}
	if acc.Balance < total {
		return fmt.Errorf("%w: need %d, have %d", ErrInsufficientBalance, total, acc.Balance)
	}
	if acc.EnergyCredits < attr.EnergyCredits {
		return fmt.Errorf("%w: need %d, have %d", ErrInsufficientEnergy, attr.EnergyCredits, acc.EnergyCredits)
	}
	return nil
}

func (m *TxSystem) executeTransfer(tx *types.Transaction) error {
	var attr types.TransferAttributes
	if err := tx.UnmarshalAttributes(&attr); err != nil {
		return fmt.Errorf("decoding transfer attributes: %w", err)
	}
	return m.state.Apply(
		state.EnsureAccount(attr.Recipient),
		m.chargeFee(tx),
		state.UpdateAccount(tx.Payload.Sender, func(acc *types.AccountState) error {
			if acc.Balance < attr.Amount {
				return ErrInsufficientBalance
			}
			if acc.EnergyCredits < attr.EnergyCredits {
				return ErrInsufficientEnergy
			}
			acc.Balance -= attr.Amount
			acc.EnergyCredits -= attr.EnergyCredits
			return nil
		}),
		state.UpdateAccount(attr.Recipient, func(acc *types.AccountState) error {
			acc.Balance += attr.Amount
			acc.EnergyCredits += attr.EnergyCredits
			return nil
		}),
	)
}

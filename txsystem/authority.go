package txsystem

import (
	"fmt"

	"github.com/gridtokenx/gridtokenx/state"
	"github.com/gridtokenx/gridtokenx/types"
)

func (m *TxSystem) validateAuthority(tx *types.Transaction) error {
	var attr types.AuthorityAttributes
	if err := tx.UnmarshalAttributes(&attr); err != nil {
		return fmt.Errorf("decoding authority attributes: %w", err)
	}
	authority, err := m.senderAuthority(tx.Payload.Sender)
	if err != nil {
		return err
	}
	switch attr.Action {
	case types.AuthorityActionMint:
		if authority.Tier != types.TierPrimary {
			return fmt.Errorf("%w: minting requires %s tier, sender is %s",
				ErrUnauthorizedAuthority, types.TierPrimary, authority.Tier)
		}
		if err := attr.Target.IsValid(); err != nil {
			return fmt.Errorf("invalid mint target: %w", err)
		}
		if attr.Amount == 0 {
			return fmt.Errorf("mint amount is zero")
		}
	case types.AuthorityActionGridState:
		if authority.Tier == types.TierEmergency {
			return fmt.Errorf("%w: %s tier cannot update grid state",
				ErrUnauthorizedAuthority, authority.Tier)
		}
		if len(attr.GridStateHash) == 0 {
			return fmt.Errorf("grid state hash is missing")
		}
	case types.AuthorityActionEmergencyHalt, types.AuthorityActionResume:
		if authority.Tier != types.TierPrimary && authority.Tier != types.TierEmergency {
			return fmt.Errorf("%w: halt control requires %s or %s tier",
				ErrUnauthorizedAuthority, types.TierPrimary, types.TierEmergency)
		}
	default:
		return fmt.Errorf("unknown authority action %d", attr.Action)
	}
	return nil
}

func (m *TxSystem) executeAuthority(tx *types.Transaction) error {
	var attr types.AuthorityAttributes
	if err := tx.UnmarshalAttributes(&attr); err != nil {
		return fmt.Errorf("decoding authority attributes: %w", err)
	}
	actions := []state.Action{m.chargeFee(tx)}
	switch attr.Action {
	case types.AuthorityActionMint:
		actions = append(actions,
			state.EnsureAccount(attr.Target),
			state.UpdateAccount(attr.Target, func(acc *types.AccountState) error {
				acc.Balance += attr.Amount
				return nil
			}),
		)
	case types.AuthorityActionGridState:
		actions = append(actions, state.UpdateGridStatus(func(g *state.GridStatus) error {
			g.GridStateHash = attr.GridStateHash
			g.CongestionLevel = attr.CongestionLevel
			return nil
		}))
	case types.AuthorityActionEmergencyHalt:
		actions = append(actions, state.UpdateGridStatus(func(g *state.GridStatus) error {
			g.EmergencyHalt = true
			return nil
		}))
	case types.AuthorityActionResume:
		actions = append(actions, state.UpdateGridStatus(func(g *state.GridStatus) error {
			g.EmergencyHalt = false
			return nil
		}))
	default:
		return fmt.Errorf("unknown authority action %d", attr.Action)
	}
	return m.state.Apply(actions...)
}

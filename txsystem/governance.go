package txsystem

import (
	"fmt"

	"github.com/gridtokenx/gridtokenx/state"
	"github.com/gridtokenx/gridtokenx/types"
)

func (m *TxSystem) validateGovernance(tx *types.Transaction) error {
	var attr types.GovernanceAttributes
	if err := tx.UnmarshalAttributes(&attr); err != nil {
		return fmt.Errorf("decoding governance attributes: %w", err)
	}
	authority, err := m.senderAuthority(tx.Payload.Sender)
	if err != nil {
		return err
	}
	if authority.Tier != types.TierPrimary {
		return fmt.Errorf("%w: governance requires %s tier, sender is %s",
			ErrUnauthorizedAuthority, types.TierPrimary, authority.Tier)
	}
	registry := m.state.Registry(false)
	target := registry.Find(attr.AuthorityID)
	switch attr.Action {
	case types.GovernanceActionRegister:
		if target != nil {
			return fmt.Errorf("authority %s is already registered", attr.AuthorityID)
		}
		candidate := &types.Authority{
			ID:     attr.AuthorityID,
			NodeID: attr.NodeID,
			Tier:   attr.Tier,
			PubKey: attr.PubKey,
			Zones:  attr.Zones,
		}
		if err := candidate.IsValid(); err != nil {
			return fmt.Errorf("invalid authority registration: %w", err)
		}
	case types.GovernanceActionActivate:
		if target == nil {
			return fmt.Errorf("authority %s not found", attr.AuthorityID)
		}
		if target.Status != types.AuthorityPending {
			return fmt.Errorf("authority %s is not pending activation", attr.AuthorityID)
		}
	case types.GovernanceActionRevoke:
		if target == nil {
			return fmt.Errorf("authority %s not found", attr.AuthorityID)
		}
		if target.Status == types.AuthorityRevoked {
			return fmt.Errorf("authority %s is already revoked", attr.AuthorityID)
		}
	case types.GovernanceActionSetTier:
		if target == nil {
			return fmt.Errorf("authority %s not found", attr.AuthorityID)
		}
		if attr.Tier < types.TierPrimary || attr.Tier > types.TierEmergency {
			return fmt.Errorf("unknown authority tier %d", attr.Tier)
		}
	default:
		return fmt.Errorf("unknown governance action %d", attr.Action)
	}
	return nil
}

// executeGovernance mutates the authority registry. The resulting registry
// version is bound to the height of the block executing the transaction.
func (m *TxSystem) executeGovernance(tx *types.Transaction) error {
	var attr types.GovernanceAttributes
	if err := tx.UnmarshalAttributes(&attr); err != nil {
		return fmt.Errorf("decoding governance attributes: %w", err)
	}
	height := m.currentHeight
	return m.state.Apply(
		m.chargeFee(tx),
		state.UpdateRegistry(func(r *types.AuthorityRegistry) error {
			switch attr.Action {
			case types.GovernanceActionRegister:
				r.Authorities = append(r.Authorities, &types.Authority{
					ID:       attr.AuthorityID,
					NodeID:   attr.NodeID,
					Tier:     attr.Tier,
					PubKey:   attr.PubKey,
					Zones:    attr.Zones,
					Status:   types.AuthorityPending,
					JoinedAt: height,
				})
			case types.GovernanceActionActivate:
				target := r.Find(attr.AuthorityID)
				if target == nil {
					return fmt.Errorf("authority %s not found", attr.AuthorityID)
				}
				target.Status = types.AuthorityActive
			case types.GovernanceActionRevoke:
				target := r.Find(attr.AuthorityID)
				if target == nil {
					return fmt.Errorf("authority %s not found", attr.AuthorityID)
				}
				target.Status = types.AuthorityRevoked
			case types.GovernanceActionSetTier:
				target := r.Find(attr.AuthorityID)
				if target == nil {
					return fmt.Errorf("authority %s not found", attr.AuthorityID)
				}
				target.Tier = attr.Tier
			default:
				return fmt.Errorf("unknown governance action %d", attr.Action)
			}
			r.Version = height
			return nil
		}),
	)
}

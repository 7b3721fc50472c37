package txsystem

import (
	"fmt"

	gtxcrypto "github.com/gridtokenx/gridtokenx/crypto"
	"github.com/gridtokenx/gridtokenx/types"
	"github.com/gridtokenx/gridtokenx/util"
)

// Validate checks a transaction against the current uncommitted state:
// owner proof over the canonical payload bytes, nonce continuity, balance
// and energy credit sufficiency including the fee, and the kind specific
// rules. It does not mutate the state.
func (m *TxSystem) Validate(tx *types.Transaction) error {
	if err := tx.IsValid(); err != nil {
		return err
	}
	if err := m.verifyOwnerProof(tx); err != nil {
		return err
	}

	if m.state.GridStatus().EmergencyHalt && !isResume(tx) {
		return ErrEmergencyHalt
	}

	acc, _ := m.state.GetAccount(tx.Payload.Sender, false)
	if acc == nil {
		acc = &types.AccountState{Address: tx.Payload.Sender}
	}
	if tx.Payload.Nonce != acc.Nonce+1 {
		return fmt.Errorf("%w: expected %d, got %d", ErrInvalidNonce, acc.Nonce+1, tx.Payload.Nonce)
	}
	if acc.Balance < tx.Payload.Fee {
		return fmt.Errorf("%w: fee %d exceeds balance %d", ErrInsufficientBalance, tx.Payload.Fee, acc.Balance)
	}

	switch tx.Payload.Kind {
	case types.KindTransfer:
		return m.validateTransfer(tx, acc)
	case types.KindEnergyTrade:
		return m.validateEnergyTrade(tx)
	case types.KindAuthority:
		return m.validateAuthority(tx)
	case types.KindGovernance:
		return m.validateGovernance(tx)
	default:
		return fmt.Errorf("unknown transaction kind %s", tx.Payload.Kind)
	}
}

func (m *TxSystem) verifyOwnerProof(tx *types.Transaction) error {
	if len(tx.OwnerProof) == 0 {
		return fmt.Errorf("%w: owner proof is missing", ErrInvalidSignature)
	}
	var sig types.Signature
	if err := types.Cbor.Unmarshal(tx.OwnerProof, &sig); err != nil {
		return fmt.Errorf("%w: decoding owner proof: %v", ErrInvalidSignature, err)
	}
	if types.NewAddress(sig.PubKey) != tx.Payload.Sender {
		return fmt.Errorf("%w: public key does not match sender address", ErrInvalidSignature)
	}
	verifier, err := gtxcrypto.NewVerifierSecp256k1(sig.PubKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	payloadBytes, err := tx.PayloadBytes()
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	if err := verifier.VerifyBytes(sig.Sig, payloadBytes); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// senderAuthority resolves the sender address to an Active authority in
// the current registry snapshot.
func (m *TxSystem) senderAuthority(sender types.Address) (*types.Authority, error) {
	for _, a := range m.state.Registry(false).Active() {
		if types.NewAddress(a.PubKey) == sender {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnauthorizedAuthority, sender)
}

func isResume(tx *types.Transaction) bool {
	if tx.Kind() != types.KindAuthority {
		return false
	}
	var attr types.AuthorityAttributes
	if err := tx.UnmarshalAttributes(&attr); err != nil {
		return false
	}
	return attr.Action == types.AuthorityActionResume
}

func addWithFee(amount, fee uint64) (uint64, error) {
	sum, overflow, err := util.AddUint64(amount, fee)
	if err != nil || overflow {
		return 0, fmt.Errorf("amount overflow")
	}
	return sum, nil
}

package types

import (
	"crypto"
	"errors"
	"fmt"
)

var (
	errTransactionIsNil = errors.New("transaction is nil")
	errPayloadIsNil     = errors.New("transaction payload is nil")
	errSenderMissing    = errors.New("transaction sender is missing")
	errIDMissing        = errors.New("transaction identifier is missing")
)

type (
	// Transaction is the wire and ledger representation of a submitted
	// operation. The concrete operation is determined by Payload.Kind and
	// decoded from Payload.Attributes.
	Transaction struct {
		_ struct{} `cbor:",toarray"`

		Payload *Payload
		// OwnerProof is the CBOR encoded Signature struct: signature over
		// the canonical payload bytes plus the signer's public key.
		OwnerProof []byte
	}

	Payload struct {
		_ struct{} `cbor:",toarray"`

		Kind       TxKind
		ID         string
		Sender     Address
		Nonce      uint64
		Fee        uint64
		CreatedAt  int64
		Attributes RawCBOR
	}

	// Signature is a signature and public key pair used as owner proof.
	Signature struct {
		_ struct{} `cbor:",toarray"`

		Sig    []byte
		PubKey []byte
	}

	TransferAttributes struct {
		_ struct{} `cbor:",toarray"`

		Recipient     Address
		Amount        uint64
		EnergyCredits uint64
	}

	// EnergyTradeAttributes settles one matched trade on the ledger. The
	// referenced trade must have been produced by the matching engine.
	EnergyTradeAttributes struct {
		_ struct{} `cbor:",toarray"`

		TradeID     string
		BuyOrderID  string
		SellOrderID string
		Buyer       Address
		Seller      Address
		AmountWh    uint64
		PriceMilli  uint64
		Zone        string
		Source      EnergySource
		WindowStart int64
		WindowEnd   int64
	}

	AuthorityAction uint8

	// AuthorityAttributes carries grid operator actions: token minting,
	// grid state updates and emergency halts.
	AuthorityAttributes struct {
		_ struct{} `cbor:",toarray"`

		Action          AuthorityAction
		Target          Address
		Amount          uint64
		GridStateHash   []byte
		CongestionLevel uint8
	}

	GovernanceAction uint8

	// GovernanceAttributes mutates the authority registry.
	GovernanceAttributes struct {
		_ struct{} `cbor:",toarray"`

		Action      GovernanceAction
		AuthorityID string
		NodeID      string
		PubKey      []byte
		Tier        AuthorityTier
		Zones       []string
	}
)

const (
	AuthorityActionMint AuthorityAction = iota + 1
	AuthorityActionGridState
	AuthorityActionEmergencyHalt
	AuthorityActionResume
)

const (
	GovernanceActionRegister GovernanceAction = iota + 1
	GovernanceActionActivate
	GovernanceActionRevoke
	GovernanceActionSetTier
)

func (t *Transaction) IsValid() error {
	if t == nil {
		return errTransactionIsNil
	}
	if t.Payload == nil {
		return errPayloadIsNil
	}
	if t.Payload.ID == "" {
		return errIDMissing
	}
	if t.Payload.Sender == "" {
		return errSenderMissing
	}
	if err := t.Payload.Sender.IsValid(); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if t.Payload.Kind < KindTransfer || t.Payload.Kind > KindGovernance {
		return fmt.Errorf("unknown transaction kind %d", t.Payload.Kind)
	}
	return nil
}

// PayloadBytes returns the canonical bytes the owner proof must sign.
func (t *Transaction) PayloadBytes() ([]byte, error) {
	return Cbor.Marshal(t.Payload)
}

func (t *Transaction) Hash(hashAlgorithm crypto.Hash) ([]byte, error) {
	buf, err := Cbor.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshaling transaction: %w", err)
	}
	hasher := hashAlgorithm.New()
	hasher.Write(buf)
	return hasher.Sum(nil), nil
}

func (t *Transaction) ID() string {
	if t == nil || t.Payload == nil {
		return ""
	}
	return t.Payload.ID
}

func (t *Transaction) Kind() TxKind {
	if t == nil || t.Payload == nil {
		return 0
	}
	return t.Payload.Kind
}

// UnmarshalAttributes decodes the kind specific attributes into attr.
func (t *Transaction) UnmarshalAttributes(attr any) error {
	if t == nil || t.Payload == nil {
		return errPayloadIsNil
	}
	return Cbor.Unmarshal(t.Payload.Attributes, attr)
}

// SetAttributes encodes attr as the payload attributes.
func (p *Payload) SetAttributes(attr any) error {
	buf, err := Cbor.Marshal(attr)
	if err != nil {
		return fmt.Errorf("marshaling attributes: %w", err)
	}
	p.Attributes = buf
	return nil
}

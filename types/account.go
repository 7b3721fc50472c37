package types

// AccountState is the ledger state of one address. Balance and EnergyCredits
// are in milli-tokens and Wh respectively; Nonce is the number of finalized
// transactions sent by the address.
type AccountState struct {
	_ struct{} `cbor:",toarray"`

	Address       Address
	Balance       uint64
	EnergyCredits uint64
	Nonce         uint64
}

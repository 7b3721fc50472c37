package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Address identifies an account. It is the hex encoding of the first 20
// bytes of the SHA-256 checksum of the account's compressed public key.
type Address string

const addressLen = 20

func NewAddress(pubKey []byte) Address {
	sum := sha256.Sum256(pubKey)
	return Address(hex.EncodeToString(sum[:addressLen]))
}

func (a Address) IsValid() error {
	b, err := hex.DecodeString(string(a))
	if err != nil {
		return fmt.Errorf("address is not valid hex: %w", err)
	}
	if len(b) != addressLen {
		return fmt.Errorf("address must be %d bytes, got %d", addressLen, len(b))
	}
	return nil
}

type TxKind uint8

const (
	KindTransfer TxKind = iota + 1
	KindEnergyTrade
	KindAuthority
	KindGovernance
)

func (k TxKind) String() string {
	switch k {
	case KindTransfer:
		return "transfer"
	case KindEnergyTrade:
		return "energyTrade"
	case KindAuthority:
		return "authority"
	case KindGovernance:
		return "governance"
	default:
		return fmt.Sprintf("txKind(%d)", uint8(k))
	}
}

type EnergySource uint8

const (
	SourceSolar EnergySource = iota + 1
	SourceWind
	SourceHydro
	SourceBiomass
	SourceGeothermal
	SourceNonRenewable
)

// Renewable reports whether the source counts towards the renewable share
// of a block.
func (s EnergySource) Renewable() bool {
	switch s {
	case SourceSolar, SourceWind, SourceHydro, SourceBiomass, SourceGeothermal:
		return true
	default:
		return false
	}
}

func (s EnergySource) String() string {
	switch s {
	case SourceSolar:
		return "solar"
	case SourceWind:
		return "wind"
	case SourceHydro:
		return "hydro"
	case SourceBiomass:
		return "biomass"
	case SourceGeothermal:
		return "geothermal"
	case SourceNonRenewable:
		return "nonRenewable"
	default:
		return fmt.Sprintf("energySource(%d)", uint8(s))
	}
}

package chain

import (
	"crypto"
	"errors"
	"fmt"

	"github.com/gridtokenx/gridtokenx/types"
)

// genesisProposerID marks the height zero block, which no authority
// proposed or signed.
const genesisProposerID = "genesis"

type (
	// GenesisAccount funds an account at height zero. Minted balances are
	// the only tokens that ever enter the system outside an authorized
	// mint transaction.
	GenesisAccount struct {
		Address       types.Address `mapstructure:"address"`
		Balance       uint64        `mapstructure:"balance"`
		EnergyCredits uint64        `mapstructure:"energy-credits"`
	}

	// GenesisConfig describes the chain at height zero: the initial
	// authority set and the initially funded accounts.
	GenesisConfig struct {
		Timestamp   int64              `mapstructure:"timestamp"`
		Authorities []*types.Authority `mapstructure:"authorities"`
		Accounts    []GenesisAccount   `mapstructure:"accounts"`
	}
)

func (g *GenesisConfig) IsValid() error {
	if g == nil {
		return errors.New("genesis config is nil")
	}
	active := 0
	seen := map[string]struct{}{}
	for i, a := range g.Authorities {
		if err := a.IsValid(); err != nil {
			return fmt.Errorf("invalid authority %d: %w", i, err)
		}
		if _, ok := seen[a.ID]; ok {
			return fmt.Errorf("duplicate authority %s", a.ID)
		}
		seen[a.ID] = struct{}{}
		if a.Status == types.AuthorityActive {
			active++
		}
	}
	if active == 0 {
		return errors.New("genesis needs at least one active authority")
	}
	addrs := map[types.Address]struct{}{}
	for i, acc := range g.Accounts {
		if err := acc.Address.IsValid(); err != nil {
			return fmt.Errorf("invalid genesis account %d: %w", i, err)
		}
		if _, ok := addrs[acc.Address]; ok {
			return fmt.Errorf("duplicate genesis account %s", acc.Address)
		}
		addrs[acc.Address] = struct{}{}
	}
	return nil
}

// registry returns the height zero authority registry.
func (g *GenesisConfig) registry() *types.AuthorityRegistry {
	r := &types.AuthorityRegistry{Version: 0}
	for _, a := range g.Authorities {
		cp := *a
		cp.PubKey = append([]byte(nil), a.PubKey...)
		cp.Zones = append([]string(nil), a.Zones...)
		r.Authorities = append(r.Authorities, &cp)
	}
	return r
}

// block builds the height zero block: empty, self-parented on a zero hash
// and carrying no signatures.
func (g *GenesisConfig) block(hashAlgorithm crypto.Hash) *types.Block {
	header := &types.Header{
		Version:           1,
		Height:            0,
		PreviousBlockHash: make([]byte, hashAlgorithm.Size()),
		ProposerID:        genesisProposerID,
		Timestamp:         g.Timestamp,
		MerkleRoot:        make([]byte, hashAlgorithm.Size()),
	}
	return &types.Block{
		Header:       header,
		Transactions: []*types.Transaction{},
		Hash:         header.Hash(hashAlgorithm),
	}
}

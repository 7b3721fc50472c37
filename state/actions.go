package state

import (
	"crypto"
	"errors"
	"fmt"

	"github.com/gridtokenx/gridtokenx/types"
)

// UpdateFunction updates the data of an account. Takes in the current
// account state and mutates it in place.
type UpdateFunction func(acc *types.AccountState) error

// AddAccount adds a new account with the given initial state.
func AddAccount(acc *types.AccountState) Action {
	return func(s *snapshot, hashAlgorithm crypto.Hash) error {
		if acc == nil {
			return errors.New("account is nil")
		}
		if err := acc.Address.IsValid(); err != nil {
			return fmt.Errorf("invalid address: %w", err)
		}
		if _, ok := s.accounts[acc.Address]; ok {
			return fmt.Errorf("account %s already exists", acc.Address)
		}
		cp := *acc
		s.accounts[acc.Address] = &cp
		return nil
	}
}

// UpdateAccount changes the state of an existing account.
func UpdateAccount(addr types.Address, f UpdateFunction) Action {
	return func(s *snapshot, hashAlgorithm crypto.Hash) error {
		if f == nil {
			return errors.New("update function is nil")
		}
		acc, err := getAccount(s, addr)
		if err != nil {
			return fmt.Errorf("failed to get account: %w", err)
		}
		if err := f(acc); err != nil {
			return fmt.Errorf("unable to update account: %w", err)
		}
		return nil
	}
}

// EnsureAccount adds an empty account if the address is not present yet.
func EnsureAccount(addr types.Address) Action {
	return func(s *snapshot, hashAlgorithm crypto.Hash) error {
		if err := addr.IsValid(); err != nil {
			return fmt.Errorf("invalid address: %w", err)
		}
		if _, ok := s.accounts[addr]; !ok {
			s.accounts[addr] = &types.AccountState{Address: addr}
		}
		return nil
	}
}

// UpdateRegistry changes the authority registry. The version is bumped by
// the caller when the change is part of a governance operation.
func UpdateRegistry(f func(r *types.AuthorityRegistry) error) Action {
	return func(s *snapshot, hashAlgorithm crypto.Hash) error {
		if f == nil {
			return errors.New("update function is nil")
		}
		if err := f(s.registry); err != nil {
			return fmt.Errorf("unable to update authority registry: %w", err)
		}
		return nil
	}
}

// SetGridStatus replaces the grid operating state.
func SetGridStatus(grid GridStatus) Action {
	return func(s *snapshot, hashAlgorithm crypto.Hash) error {
		s.grid = grid
		return nil
	}
}

// UpdateGridStatus changes the grid operating state.
func UpdateGridStatus(f func(g *GridStatus) error) Action {
	return func(s *snapshot, hashAlgorithm crypto.Hash) error {
		if f == nil {
			return errors.New("update function is nil")
		}
		if err := f(&s.grid); err != nil {
			return fmt.Errorf("unable to update grid status: %w", err)
		}
		return nil
	}
}

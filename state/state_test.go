package state

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gridtokenx/gridtokenx/types"
)

func addr(seed byte) types.Address {
	return types.NewAddress([]byte{seed})
}

func TestState_AddAndGetAccount(t *testing.T) {
	s := NewEmptyState()
	a := addr(1)
	require.NoError(t, s.Apply(AddAccount(&types.AccountState{Address: a, Balance: 100})))

	acc, ok := s.GetAccount(a, false)
	require.True(t, ok)
	require.EqualValues(t, 100, acc.Balance)

	// not committed yet
	_, ok = s.GetAccount(a, true)
	require.False(t, ok)

	s.Commit()
	acc, ok = s.GetAccount(a, true)
	require.True(t, ok)
	require.EqualValues(t, 100, acc.Balance)
}

func TestState_AddAccountTwiceFails(t *testing.T) {
	s := NewEmptyState()
	a := addr(1)
	require.NoError(t, s.Apply(AddAccount(&types.AccountState{Address: a})))
	require.ErrorContains(t, s.Apply(AddAccount(&types.AccountState{Address: a})), "already exists")
}

func TestState_InvalidAddressRejected(t *testing.T) {
	s := NewEmptyState()
	require.ErrorContains(t, s.Apply(AddAccount(&types.AccountState{Address: "bogus"})), "invalid address")
	require.ErrorContains(t, s.Apply(EnsureAccount("bogus")), "invalid address")
}

func TestState_ApplyIsAtomic(t *testing.T) {
	s := NewEmptyState()
	a := addr(1)
	require.NoError(t, s.Apply(AddAccount(&types.AccountState{Address: a, Balance: 10})))

	err := s.Apply(
		UpdateAccount(a, func(acc *types.AccountState) error {
			acc.Balance = 20
			return nil
		}),
		UpdateAccount(addr(9), func(acc *types.AccountState) error {
			return nil
		}),
	)
	require.ErrorContains(t, err, "not found")

	// the first update must not stick
	acc, ok := s.GetAccount(a, false)
	require.True(t, ok)
	require.EqualValues(t, 10, acc.Balance)
}

func TestState_SavepointRollbackAndRelease(t *testing.T) {
	s := NewEmptyState()
	a := addr(1)
	require.NoError(t, s.Apply(AddAccount(&types.AccountState{Address: a, Balance: 10})))

	id := s.Savepoint()
	require.NoError(t, s.Apply(UpdateAccount(a, func(acc *types.AccountState) error {
		acc.Balance = 99
		return nil
	})))
	s.RollbackToSavepoint(id)

	acc, _ := s.GetAccount(a, false)
	require.EqualValues(t, 10, acc.Balance)

	id = s.Savepoint()
	require.NoError(t, s.Apply(UpdateAccount(a, func(acc *types.AccountState) error {
		acc.Balance = 42
		return nil
	})))
	s.ReleaseToSavepoint(id)

	acc, _ = s.GetAccount(a, false)
	require.EqualValues(t, 42, acc.Balance)
}

func TestState_Revert(t *testing.T) {
	s := NewEmptyState()
	a := addr(1)
	require.NoError(t, s.Apply(AddAccount(&types.AccountState{Address: a, Balance: 10})))
	s.Commit()

	require.NoError(t, s.Apply(UpdateAccount(a, func(acc *types.AccountState) error {
		acc.Balance = 99
		return nil
	})))
	s.Revert()

	acc, _ := s.GetAccount(a, false)
	require.EqualValues(t, 10, acc.Balance)
}

func TestState_RootChangesWithState(t *testing.T) {
	s := NewEmptyState()
	empty, err := s.CalculateRoot()
	require.NoError(t, err)

	require.NoError(t, s.Apply(AddAccount(&types.AccountState{Address: addr(1), Balance: 10})))
	withAccount, err := s.CalculateRoot()
	require.NoError(t, err)
	require.NotEqual(t, empty, withAccount)

	// committed root unchanged until Commit
	committedRoot, err := s.CommittedRoot()
	require.NoError(t, err)
	require.Equal(t, empty, committedRoot)
	s.Commit()
	committedRoot, err = s.CommittedRoot()
	require.NoError(t, err)
	require.Equal(t, withAccount, committedRoot)

	require.NoError(t, s.Apply(UpdateGridStatus(func(g *GridStatus) error {
		g.CongestionLevel = 3
		return nil
	})))
	congested, err := s.CalculateRoot()
	require.NoError(t, err)
	require.NotEqual(t, withAccount, congested)
}

func TestState_RootIsDeterministic(t *testing.T) {
	build := func(order []byte) []byte {
		s := NewEmptyState()
		for _, seed := range order {
			require.NoError(t, s.Apply(AddAccount(&types.AccountState{Address: addr(seed), Balance: uint64(seed)})))
		}
		root, err := s.CalculateRoot()
		require.NoError(t, err)
		return root
	}
	require.Equal(t, build([]byte{1, 2, 3}), build([]byte{3, 1, 2}))
}

func TestState_RegistryUpdate(t *testing.T) {
	s := NewEmptyState()
	require.NoError(t, s.Apply(UpdateRegistry(func(r *types.AuthorityRegistry) error {
		r.Version++
		r.Authorities = append(r.Authorities, &types.Authority{
			ID:     "auth-1",
			Tier:   types.TierPrimary,
			Status: types.AuthorityActive,
		})
		return nil
	})))
	require.Len(t, s.Registry(false).Authorities, 1)
	require.Empty(t, s.Registry(true).Authorities)

	// registry clone must not leak internal state
	s.Registry(false).Authorities[0].Status = types.AuthorityRevoked
	require.Equal(t, types.AuthorityActive, s.Registry(false).Authorities[0].Status)

	require.ErrorContains(t, s.Apply(UpdateRegistry(func(r *types.AuthorityRegistry) error {
		return errors.New("nope")
	})), "nope")
}

func TestState_Clone(t *testing.T) {
	s := NewEmptyState()
	a := addr(1)
	require.NoError(t, s.Apply(AddAccount(&types.AccountState{Address: a, Balance: 10})))
	s.Commit()

	clone := s.Clone()
	require.NoError(t, clone.Apply(UpdateAccount(a, func(acc *types.AccountState) error {
		acc.Balance = 99
		return nil
	})))

	acc, _ := s.GetAccount(a, false)
	require.EqualValues(t, 10, acc.Balance)
	acc, _ = clone.GetAccount(a, false)
	require.EqualValues(t, 99, acc.Balance)
}

func TestState_AccountsSorted(t *testing.T) {
	s := NewEmptyState()
	for _, seed := range []byte{7, 2, 5} {
		require.NoError(t, s.Apply(AddAccount(&types.AccountState{Address: addr(seed)})))
	}
	s.Commit()
	accounts := s.Accounts()
	require.Len(t, accounts, 3)
	for i := 1; i < len(accounts); i++ {
		require.Less(t, string(accounts[i-1].Address), string(accounts[i].Address),
			fmt.Sprintf("accounts not sorted at index %d", i))
	}
}

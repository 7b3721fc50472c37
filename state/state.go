package state

import (
	"crypto"
	"fmt"
	"sort"
	"sync"

	"github.com/gridtokenx/gridtokenx/types"
	"github.com/gridtokenx/gridtokenx/util"
)

type (

	// State keeps track of account balances, the authority registry and the
	// grid status, and calculates the global state hash.
	//
	// State can be changed by calling Apply with one or more Action
	// functions. Savepoint adds a marker that allows all actions executed
	// after it to be rolled back, so part of the state changes can be
	// reverted instead of the entire state. Calling Commit makes the latest
	// savepoint the committed state and releases all savepoints.
	State struct {
		mutex         sync.RWMutex
		hashAlgorithm crypto.Hash
		committed     *snapshot

		// savepoints hold the uncommitted view, the last one is the working
		// copy all actions apply to.
		savepoints []*snapshot
	}

	// GridStatus is the chain-wide grid operating state set by authority
	// transactions.
	GridStatus struct {
		_               struct{} `cbor:",toarray"`
		GridStateHash   []byte
		CongestionLevel uint8
		EmergencyHalt   bool
	}

	snapshot struct {
		accounts map[types.Address]*types.AccountState
		registry *types.AuthorityRegistry
		grid     GridStatus
	}

	// Action is a single change to the state, executed against the latest
	// savepoint.
	Action func(s *snapshot, hashAlgorithm crypto.Hash) error
)

func newSnapshot() *snapshot {
	return &snapshot{
		accounts: map[types.Address]*types.AccountState{},
		registry: &types.AuthorityRegistry{},
	}
}

func (s *snapshot) clone() *snapshot {
	accounts := make(map[types.Address]*types.AccountState, len(s.accounts))
	for addr, acc := range s.accounts {
		cp := *acc
		accounts[addr] = &cp
	}
	return &snapshot{
		accounts: accounts,
		registry: s.registry.Clone(),
		grid:     s.grid,
	}
}

func NewEmptyState(opts ...Option) *State {
	options := loadOptions(opts...)
	committed := newSnapshot()
	return &State{
		hashAlgorithm: options.hashAlgorithm,
		committed:     committed,
		savepoints:    []*snapshot{committed.clone()},
	}
}

// Clone returns a clone of the state. The original state and the cloned
// state can be used by different goroutines but can never be merged.
func (s *State) Clone() *State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return &State{
		hashAlgorithm: s.hashAlgorithm,
		committed:     s.committed.clone(),
		savepoints:    []*snapshot{s.latestSavepoint().clone()},
	}
}

// GetAccount returns a copy of the account state, from the committed state
// if committed is true, otherwise from the latest savepoint. Returns false
// if the account does not exist.
func (s *State) GetAccount(addr types.Address, committed bool) (*types.AccountState, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	src := s.latestSavepoint()
	if committed {
		src = s.committed
	}
	acc, ok := src.accounts[addr]
	if !ok {
		return nil, false
	}
	cp := *acc
	return &cp, true
}

// Registry returns a clone of the authority registry, from the committed
// state if committed is true.
func (s *State) Registry(committed bool) *types.AuthorityRegistry {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if committed {
		return s.committed.registry.Clone()
	}
	return s.latestSavepoint().registry.Clone()
}

// GridStatus returns the grid operating state of the latest savepoint.
func (s *State) GridStatus() GridStatus {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.latestSavepoint().grid
}

// Accounts returns copies of all accounts in the committed state, ordered
// by address.
func (s *State) Accounts() []*types.AccountState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	accounts := make([]*types.AccountState, 0, len(s.committed.accounts))
	for _, acc := range s.committed.accounts {
		cp := *acc
		accounts = append(accounts, &cp)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Address < accounts[j].Address })
	return accounts
}

// Apply applies given actions to the state. All Action functions are
// executed together as a single atomic operation. If any of the Action
// functions returns an error all state changes made by any of them are
// reverted.
func (s *State) Apply(actions ...Action) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	id := s.createSavepoint()
	for _, action := range actions {
		if err := action(s.latestSavepoint(), s.hashAlgorithm); err != nil {
			s.rollbackToSavepoint(id)
			return err
		}
	}
	s.releaseToSavepoint(id)
	return nil
}

// Savepoint creates a new savepoint and returns its id. Use
// RollbackToSavepoint to roll back all changes made after calling
// Savepoint. Use ReleaseToSavepoint to keep the changes.
func (s *State) Savepoint() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.createSavepoint()
}

// RollbackToSavepoint destroys savepoints without keeping the changes. All
// actions executed after the savepoint was established are rolled back.
func (s *State) RollbackToSavepoint(id int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.rollbackToSavepoint(id)
}

// ReleaseToSavepoint destroys all savepoints starting from the given id,
// keeping all state changes made after it was created.
func (s *State) ReleaseToSavepoint(id int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.releaseToSavepoint(id)
}

// Commit makes the changes in the latest savepoint the committed state.
func (s *State) Commit() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	sp := s.latestSavepoint()
	s.committed = sp.clone()
	s.savepoints = []*snapshot{sp}
}

// Revert rolls back all uncommitted changes made to the state.
func (s *State) Revert() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.savepoints = []*snapshot{s.committed.clone()}
}

// CalculateRoot returns the state hash of the latest savepoint. The hash
// covers all accounts in address order, the authority registry and the
// grid status, so any state difference changes the root.
func (s *State) CalculateRoot() ([]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.latestSavepoint().root(s.hashAlgorithm)
}

// CommittedRoot returns the state hash of the committed state.
func (s *State) CommittedRoot() ([]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.committed.root(s.hashAlgorithm)
}

func (s *State) HashAlgorithm() crypto.Hash {
	return s.hashAlgorithm
}

func (s *snapshot) root(hashAlgorithm crypto.Hash) ([]byte, error) {
	addrs := make([]types.Address, 0, len(s.accounts))
	for addr := range s.accounts {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	hasher := hashAlgorithm.New()
	for _, addr := range addrs {
		acc := s.accounts[addr]
		hasher.Write([]byte(addr))
		hasher.Write(util.Uint64ToBytes(acc.Balance))
		hasher.Write(util.Uint64ToBytes(acc.EnergyCredits))
		hasher.Write(util.Uint64ToBytes(acc.Nonce))
	}
	registryHash, err := s.registry.Hash(hashAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("hashing authority registry: %w", err)
	}
	hasher.Write(registryHash)
	hasher.Write(s.grid.GridStateHash)
	hasher.Write([]byte{s.grid.CongestionLevel})
	if s.grid.EmergencyHalt {
		hasher.Write([]byte{1})
	} else {
		hasher.Write([]byte{0})
	}
	return hasher.Sum(nil), nil
}

func (s *State) createSavepoint() int {
	s.savepoints = append(s.savepoints, s.latestSavepoint().clone())
	return len(s.savepoints) - 1
}

func (s *State) rollbackToSavepoint(id int) {
	c := len(s.savepoints)
	if id > c {
		// nothing to revert
		return
	}
	s.savepoints = s.savepoints[0:id]
}

func (s *State) releaseToSavepoint(id int) {
	c := len(s.savepoints)
	if id > c {
		// nothing to release
		return
	}
	s.savepoints[id-1] = s.latestSavepoint()
	s.savepoints = s.savepoints[0:id]
}

// latestSavepoint returns the latest savepoint.
func (s *State) latestSavepoint() *snapshot {
	l := len(s.savepoints)
	return s.savepoints[l-1]
}

func getAccount(s *snapshot, addr types.Address) (*types.AccountState, error) {
	acc, ok := s.accounts[addr]
	if !ok {
		return nil, fmt.Errorf("account %s not found", addr)
	}
	return acc, nil
}

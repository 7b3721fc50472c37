package consensus

import (
	"crypto"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/gridtokenx/gridtokenx/types"
)

// HealthView reports whether an authority is currently considered live.
// Rotation skips unhealthy authorities, the registry status is unchanged.
type HealthView interface {
	Healthy(authorityID string) bool
}

// allHealthy is the view used when no tracker is wired.
type allHealthy struct{}

func (allHealthy) Healthy(string) bool { return true }

// rotationOffset derives the registry-bound starting point of the proposer
// rotation. Every node computes the same offset from the same registry
// snapshot, so the schedule needs no coordination.
func rotationOffset(registry *types.AuthorityRegistry, n uint64) (uint64, error) {
	hash, err := registry.Hash(crypto.SHA256)
	if err != nil {
		return 0, fmt.Errorf("hashing registry: %w", err)
	}
	offset := uint256.NewInt(0).SetBytes(hash)
	offset.Mod(offset, uint256.NewInt(n))
	return offset.Uint64(), nil
}

// RoundCandidates returns the proposer order for the given height: active
// authorities in registration order, rotated by (offset + height), with
// unhealthy authorities moved out of the way by skipping them entirely.
// When every authority is unhealthy the full active set is returned, the
// chain halts on timeouts rather than refusing to pick a proposer.
func RoundCandidates(height uint64, registry *types.AuthorityRegistry, health HealthView) ([]*types.Authority, error) {
	if health == nil {
		health = allHealthy{}
	}
	active := registry.Active()
	n := uint64(len(active))
	if n == 0 {
		return nil, ErrNoActiveAuthorities
	}
	offset, err := rotationOffset(registry, n)
	if err != nil {
		return nil, err
	}

	rotated := make([]*types.Authority, 0, n)
	healthy := make([]*types.Authority, 0, n)
	for i := uint64(0); i < n; i++ {
		a := active[(offset+height+i)%n]
		rotated = append(rotated, a)
		if health.Healthy(a.ID) {
			healthy = append(healthy, a)
		}
	}
	if len(healthy) == 0 {
		return rotated, nil
	}
	return healthy, nil
}

// ProposerFor returns the designated proposer of the given round attempt.
// Attempt zero is the scheduled proposer, each timeout advances to the
// next candidate.
func ProposerFor(height uint64, attempt int, registry *types.AuthorityRegistry, health HealthView) (*types.Authority, error) {
	candidates, err := RoundCandidates(height, registry, health)
	if err != nil {
		return nil, err
	}
	return candidates[attempt%len(candidates)], nil
}

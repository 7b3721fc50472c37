package types

import (
	"bytes"
	"crypto"
	"errors"
	"fmt"
	"slices"
)

type (
	AuthorityTier   uint8
	AuthorityStatus uint8
)

const (
	TierPrimary AuthorityTier = iota + 1
	TierSecondary
	TierTechnical
	TierEmergency
)

const (
	AuthorityPending AuthorityStatus = iota + 1
	AuthorityActive
	AuthorityRevoked
)

type (
	// Authority is one member of the permissioned validator set. Status is
	// mutated only by governance transactions; the consensus health tracker
	// maintains reputation out of band and never touches the registry.
	Authority struct {
		_ struct{} `cbor:",toarray"`

		ID     string
		NodeID string // libp2p peer identifier of the authority's node
		Tier   AuthorityTier
		PubKey []byte
		Zones  []string
		Status AuthorityStatus
		// JoinedAt is the height of the block that registered the authority.
		// Rotation order is fixed by registration order.
		JoinedAt    uint64
		LastBlockAt uint64
	}

	// AuthorityRegistry is a versioned snapshot of the authority set, tied
	// to the finalized height that produced it. Consumers always read a
	// pinned snapshot, never a live mutable set.
	AuthorityRegistry struct {
		_ struct{} `cbor:",toarray"`

		// Version is the height of the block whose governance transactions
		// produced this registry.
		Version     uint64
		Authorities []*Authority
	}
)

func (a *Authority) IsValid() error {
	if a == nil {
		return errors.New("authority is nil")
	}
	if a.ID == "" {
		return errors.New("authority identifier is missing")
	}
	if a.NodeID == "" {
		return errors.New("authority node identifier is missing")
	}
	if len(a.PubKey) == 0 {
		return errors.New("authority public key is missing")
	}
	if a.Tier < TierPrimary || a.Tier > TierEmergency {
		return fmt.Errorf("unknown authority tier %d", a.Tier)
	}
	return nil
}

func (r *AuthorityRegistry) Find(id string) *Authority {
	for _, a := range r.Authorities {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// Active returns the active authorities in registration order. The slice is
// shared with the registry, callers must not mutate it.
func (r *AuthorityRegistry) Active() []*Authority {
	var active []*Authority
	for _, a := range r.Authorities {
		if a.Status == AuthorityActive {
			active = append(active, a)
		}
	}
	return active
}

// SignatureThreshold returns the supermajority threshold ⌈2n/3⌉ over the
// active authority count.
func (r *AuthorityRegistry) SignatureThreshold() int {
	n := len(r.Active())
	if n == 0 {
		return 0
	}
	return (2*n + 2) / 3
}

// Hash commits to the registry content, used to derive the rotation offset
// and to detect divergent registry state between nodes.
func (r *AuthorityRegistry) Hash(hashAlgorithm crypto.Hash) ([]byte, error) {
	buf, err := Cbor.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshaling registry: %w", err)
	}
	hasher := hashAlgorithm.New()
	hasher.Write(buf)
	return hasher.Sum(nil), nil
}

// Clone returns a deep copy, used as the working set for governance
// execution so readers of the current snapshot are never affected.
func (r *AuthorityRegistry) Clone() *AuthorityRegistry {
	c := &AuthorityRegistry{Version: r.Version}
	// a nil slice must stay nil, it encodes differently from an empty one
	// and the clone has to hash like the original
	if r.Authorities == nil {
		return c
	}
	c.Authorities = make([]*Authority, len(r.Authorities))
	for i, a := range r.Authorities {
		dup := *a
		dup.Zones = slices.Clone(a.Zones)
		dup.PubKey = bytes.Clone(a.PubKey)
		c.Authorities[i] = &dup
	}
	return c
}

func (t AuthorityTier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierSecondary:
		return "secondary"
	case TierTechnical:
		return "technical"
	case TierEmergency:
		return "emergency"
	default:
		return fmt.Sprintf("authorityTier(%d)", uint8(t))
	}
}

func (s AuthorityStatus) String() string {
	switch s {
	case AuthorityPending:
		return "pending"
	case AuthorityActive:
		return "active"
	case AuthorityRevoked:
		return "revoked"
	default:
		return fmt.Sprintf("authorityStatus(%d)", uint8(s))
	}
}

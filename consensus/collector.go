package consensus

import (
	"bytes"
	"fmt"
	"sort"

	gtxcrypto "github.com/gridtokenx/gridtokenx/crypto"
	"github.com/gridtokenx/gridtokenx/network"
	"github.com/gridtokenx/gridtokenx/types"
)

// SignatureCollector accumulates authority signatures over one proposed
// block until the supermajority threshold is reached. Owned by the round
// proposer, not safe for concurrent use.
type SignatureCollector struct {
	height     uint64
	blockHash  []byte
	registry   *types.AuthorityRegistry
	threshold  int
	signatures map[string]*types.AuthoritySignature
}

func NewSignatureCollector(block *types.Block, registry *types.AuthorityRegistry) *SignatureCollector {
	return &SignatureCollector{
		height:     block.GetHeight(),
		blockHash:  block.Hash,
		registry:   registry,
		threshold:  registry.SignatureThreshold(),
		signatures: map[string]*types.AuthoritySignature{},
	}
}

// Add verifies and records one authority signature. A signature from a
// non-active authority, over the wrong block, or failing verification is
// rejected. Duplicates from the same authority count once.
func (c *SignatureCollector) Add(msg *network.BlockSignature) error {
	if msg.Height != c.height || !bytes.Equal(msg.BlockHash, c.blockHash) {
		return fmt.Errorf("signature is for block %x at height %d, collecting for %x at %d",
			msg.BlockHash, msg.Height, c.blockHash, c.height)
	}
	authority := c.registry.Find(msg.AuthorityID)
	if authority == nil || authority.Status != types.AuthorityActive {
		return fmt.Errorf("%w: %s", ErrNotAuthority, msg.AuthorityID)
	}
	verifier, err := gtxcrypto.NewVerifierSecp256k1(authority.PubKey)
	if err != nil {
		return fmt.Errorf("creating verifier for %s: %w", msg.AuthorityID, err)
	}
	if err := verifier.VerifyBytes(msg.Signature, c.blockHash); err != nil {
		return fmt.Errorf("verifying signature of %s: %w", msg.AuthorityID, err)
	}
	c.signatures[msg.AuthorityID] = &types.AuthoritySignature{
		AuthorityID: msg.AuthorityID,
		Signature:   msg.Signature,
	}
	return nil
}

// Done reports whether the threshold is reached.
func (c *SignatureCollector) Done() bool {
	return len(c.signatures) >= c.threshold
}

func (c *SignatureCollector) Count() int {
	return len(c.signatures)
}

// Signatures returns the collected signatures in authority id order so the
// finalized block is identical regardless of arrival order.
func (c *SignatureCollector) Signatures() []*types.AuthoritySignature {
	sigs := make([]*types.AuthoritySignature, 0, len(c.signatures))
	for _, sig := range c.signatures {
		sigs = append(sigs, sig)
	}
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].AuthorityID < sigs[j].AuthorityID })
	return sigs
}

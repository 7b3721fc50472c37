package types

import (
	"bytes"
	"crypto"
	"errors"
	"fmt"

	"github.com/gridtokenx/gridtokenx/tree/mt"
	"github.com/gridtokenx/gridtokenx/util"
)

var (
	errBlockIsNil             = errors.New("block is nil")
	errBlockHeaderIsNil       = errors.New("block header is nil")
	errPrevBlockHashIsNil     = errors.New("previous block hash is nil")
	errBlockProposerIDMissing = errors.New("block proposer node identifier is missing")
	errTransactionsIsNil      = errors.New("transactions is nil")
	errBlockHashMissing       = errors.New("block hash is missing")

	// ErrBlockHashMismatch is returned when the hash carried by a block does
	// not match the hash derived from its header.
	ErrBlockHashMismatch = errors.New("block hash does not match block header")
	// ErrMerkleRootMismatch is returned when the merkle root carried by the
	// header does not match the root derived from the transactions.
	ErrMerkleRootMismatch = errors.New("merkle root does not match block transactions")
)

type (
	Block struct {
		_ struct{} `cbor:",toarray"`

		Header       *Header
		Transactions []*Transaction
		// Hash is set by the proposer and must equal Header.Hash(alg).
		Hash []byte
		// Signatures over Hash; finality requires a supermajority of the
		// active authority set.
		Signatures []*AuthoritySignature
	}

	Header struct {
		_ struct{} `cbor:",toarray"`

		Version           uint32
		Height            uint64
		PreviousBlockHash []byte
		ProposerID        string
		Timestamp         int64
		MerkleRoot        []byte
		// Grid telemetry stamped by grid-state authority transactions.
		GridStateHash   []byte
		CongestionLevel uint8
		// RenewableBP is the renewable share of the traded energy in basis
		// points (0..10000).
		RenewableBP   uint16
		TotalEnergyWh uint64
		Emergency     bool
	}

	AuthoritySignature struct {
		_ struct{} `cbor:",toarray"`

		AuthorityID string
		Signature   []byte
	}
)

func (h *Header) Hash(hashAlgorithm crypto.Hash) []byte {
	if h == nil {
		return nil
	}
	hasher := hashAlgorithm.New()
	hasher.Write(util.Uint32ToBytes(h.Version))
	hasher.Write(util.Uint64ToBytes(h.Height))
	hasher.Write(h.PreviousBlockHash)
	hasher.Write([]byte(h.ProposerID))
	hasher.Write(util.Uint64ToBytes(uint64(h.Timestamp)))
	hasher.Write(h.MerkleRoot)
	hasher.Write(h.GridStateHash)
	hasher.Write([]byte{h.CongestionLevel})
	hasher.Write(util.Uint32ToBytes(uint32(h.RenewableBP)))
	hasher.Write(util.Uint64ToBytes(h.TotalEnergyWh))
	if h.Emergency {
		hasher.Write([]byte{1})
	} else {
		hasher.Write([]byte{0})
	}
	return hasher.Sum(nil)
}

// CalculateMerkleRoot derives the merkle root over the block's transactions.
// An empty block has a zero root.
func (b *Block) CalculateMerkleRoot(hashAlgorithm crypto.Hash) ([]byte, error) {
	if len(b.Transactions) == 0 {
		return make([]byte, hashAlgorithm.Size()), nil
	}
	tree, err := b.merkleTree(hashAlgorithm)
	if err != nil {
		return nil, err
	}
	return tree.GetRootHash(), nil
}

// TxProof returns the merkle path of the transaction at the given index.
func (b *Block) TxProof(txIdx int, hashAlgorithm crypto.Hash) ([]*mt.PathItem, error) {
	tree, err := b.merkleTree(hashAlgorithm)
	if err != nil {
		return nil, err
	}
	return tree.GetMerklePath(txIdx)
}

func (b *Block) merkleTree(hashAlgorithm crypto.Hash) (*mt.MerkleTree, error) {
	leaves := make([]*mt.ByteHasher, len(b.Transactions))
	for i, tx := range b.Transactions {
		h, err := tx.Hash(hashAlgorithm)
		if err != nil {
			return nil, fmt.Errorf("hashing transaction %d: %w", i, err)
		}
		leaves[i] = &mt.ByteHasher{Val: h}
	}
	return mt.New(hashAlgorithm, leaves), nil
}

/*
IsValid verifies the block's structural invariants: header presence, parent
link, proposer, hash consistency and merkle root consistency. It does not
verify transactions, conservation nor signatures, those checks need chain
state and are done by the chain component.
*/
func (b *Block) IsValid(hashAlgorithm crypto.Hash) error {
	if b == nil {
		return errBlockIsNil
	}
	if b.Header == nil {
		return errBlockHeaderIsNil
	}
	if b.Header.PreviousBlockHash == nil {
		return errPrevBlockHashIsNil
	}
	if len(b.Header.ProposerID) == 0 {
		return errBlockProposerIDMissing
	}
	if b.Transactions == nil {
		return errTransactionsIsNil
	}
	if len(b.Hash) == 0 {
		return errBlockHashMissing
	}
	root, err := b.CalculateMerkleRoot(hashAlgorithm)
	if err != nil {
		return fmt.Errorf("calculating merkle root: %w", err)
	}
	if !bytes.Equal(root, b.Header.MerkleRoot) {
		return ErrMerkleRootMismatch
	}
	if !bytes.Equal(b.Hash, b.Header.Hash(hashAlgorithm)) {
		return ErrBlockHashMismatch
	}
	return nil
}

func (b *Block) GetHeight() uint64 {
	if b == nil || b.Header == nil {
		return 0
	}
	return b.Header.Height
}

func (b *Block) GetProposerID() string {
	if b == nil || b.Header == nil {
		return ""
	}
	return b.Header.ProposerID
}

// SignatureBy returns the signature added by the given authority, if any.
func (b *Block) SignatureBy(authorityID string) *AuthoritySignature {
	for _, sig := range b.Signatures {
		if sig.AuthorityID == authorityID {
			return sig
		}
	}
	return nil
}

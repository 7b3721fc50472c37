package network

import (
	"encoding/hex"
	"fmt"

	"github.com/gridtokenx/gridtokenx/types"
)

type (
	// BlockProposal is broadcast by the round proposer to every active
	// authority for validation and signing.
	BlockProposal struct {
		_ struct{} `cbor:",toarray"`

		Block *types.Block
	}

	// BlockSignature is an authority's approval of a proposed block, sent
	// back to the proposer who collects them up to the finality threshold.
	BlockSignature struct {
		_ struct{} `cbor:",toarray"`

		AuthorityID string
		Height      uint64
		BlockHash   []byte
		Signature   []byte
	}

	// FinalizedBlock is broadcast once the proposal collected a
	// supermajority of authority signatures.
	FinalizedBlock struct {
		_ struct{} `cbor:",toarray"`

		Block *types.Block
	}

	// TxForward propagates a transaction towards the current proposer's
	// pool, best effort.
	TxForward struct {
		_ struct{} `cbor:",toarray"`

		Tx *types.Transaction
	}
)

// MessageID returns the deduplication identity of a message. Delivery is
// at-least-once, receivers drop ids they have already seen.
func MessageID(msg any) (string, error) {
	switch msg := msg.(type) {
	case *BlockProposal:
		return "proposal/" + hex.EncodeToString(msg.Block.Hash), nil
	case *BlockSignature:
		return fmt.Sprintf("signature/%d/%s/%s", msg.Height, hex.EncodeToString(msg.BlockHash), msg.AuthorityID), nil
	case *FinalizedBlock:
		return "finalized/" + hex.EncodeToString(msg.Block.Hash), nil
	case *TxForward:
		if msg.Tx == nil || msg.Tx.Payload == nil {
			return "", fmt.Errorf("transaction forward without payload")
		}
		return "tx/" + msg.Tx.Payload.ID, nil
	default:
		return "", fmt.Errorf("unknown message type %T", msg)
	}
}

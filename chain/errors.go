package chain

import "errors"

var (
	// ErrStorageFatal wraps storage failures while persisting a finalized
	// block. The chain refuses to advance past a block it cannot persist,
	// the node halts at the current height instead of diverging from disk.
	ErrStorageFatal = errors.New("storage failure while persisting block")

	ErrBlockHeight        = errors.New("block height does not extend the chain tip")
	ErrBlockLinkage       = errors.New("block does not link to the chain tip")
	ErrUnknownProposer    = errors.New("block proposer is not an active authority")
	ErrEnergyStats        = errors.New("header energy statistics do not match block transactions")
	ErrGridStatusMismatch = errors.New("header grid status does not match chain state")
	ErrSignatureInvalid   = errors.New("invalid authority signature on block")
	ErrSignatureThreshold = errors.New("not enough authority signatures for finality")

	ErrNotFound = errors.New("not found")
)

package consensus

import "errors"

var (
	// ErrForkDetected means two different blocks reached finality at the
	// same height. This is a safety violation, the node halts.
	ErrForkDetected = errors.New("fork detected")
	// ErrInsufficientSignatures means the proposal did not reach the
	// signature threshold before the round deadline.
	ErrInsufficientSignatures = errors.New("insufficient signatures")
	ErrNoActiveAuthorities    = errors.New("registry has no active authorities")
	ErrUnexpectedProposer     = errors.New("proposal from unexpected proposer")
	ErrNotAuthority           = errors.New("node is not an active authority")
)

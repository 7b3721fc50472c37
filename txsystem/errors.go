package txsystem

import "errors"

var (
	ErrInvalidSignature      = errors.New("invalid owner proof")
	ErrInvalidNonce          = errors.New("invalid nonce")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientEnergy    = errors.New("insufficient energy credits")
	ErrEnergyConservation    = errors.New("energy conservation violated")
	ErrGridConstraint        = errors.New("grid constraint violated")
	ErrUnauthorizedAuthority = errors.New("sender is not an authorized authority")
	ErrEmergencyHalt         = errors.New("chain is in emergency halt")
	ErrUnknownTrade          = errors.New("trade is not known to the matching engine")
)

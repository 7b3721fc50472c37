package market

import "errors"

var (
	ErrInvalidOrderParameters = errors.New("invalid order parameters")
	ErrOrderNotFound          = errors.New("order not found")
	ErrOrderAlreadyTerminal   = errors.New("order is already in a terminal state")
	ErrOrderExpired           = errors.New("order is expired")
	ErrEmptyOppositeSide      = errors.New("no opposing orders for market order")
	ErrMarketClosed           = errors.New("market is not accepting orders")
)

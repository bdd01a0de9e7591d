package domain

import "errors"

var (
	// ErrInsufficientData means too few bars or trades to evaluate; callers hold.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrExchangeStateUnknown wraps any failed exchange call. Local state must not change.
	ErrExchangeStateUnknown = errors.New("exchange state unknown")

	// ErrInvariantViolation needs operator attention.
	ErrInvariantViolation = errors.New("invariant violation")

	ErrPositionAlreadyOpen   = errors.New("position already open")
	ErrPositionAlreadyClosed = errors.New("position already closed")
	ErrPositionNotFound      = errors.New("position not found")
)

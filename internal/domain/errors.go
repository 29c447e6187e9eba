package domain

import "errors"

// Engine errors. Every failing engine call wraps exactly one of these so
// callers can select behaviour with errors.Is.
var (
	ErrInvalidState          = errors.New("invalid state")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrSlippageExceeded      = errors.New("slippage exceeded")
	ErrDeadlineNotReached    = errors.New("deadline not reached")
	ErrDeadlinePassed        = errors.New("deadline already passed")
	ErrAlreadySettled        = errors.New("already settled")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrCapacityExceeded      = errors.New("capacity exceeded")
	ErrZeroAmount            = errors.New("zero amount")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrOverflow              = errors.New("arithmetic overflow")
	ErrDivisionByZero        = errors.New("division by zero")
	ErrStaleOracle           = errors.New("stale oracle reading")
	ErrInvalidArgument       = errors.New("invalid argument")
)

// Infrastructure errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
	ErrLockHeld     = errors.New("lock already held")
	ErrBadSignature = errors.New("bad signature")
)

package services

import "errors"

// Sentinel errors returned by the points, unlock, check-in and payment
// engines. Handlers map them to stable HTTP rejections; anything else is a
// server error.
var (
	ErrBalanceNotFound    = errors.New("balance not found")
	ErrInsufficientPoints = errors.New("insufficient points")
	ErrPostNotFound       = errors.New("post not found")
	ErrAlreadyCheckedIn   = errors.New("already checked in today")
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderExpired       = errors.New("order has expired")
	ErrOrderTerminal      = errors.New("order already in a terminal state")
	ErrProviderFailure    = errors.New("payment provider failure")
)

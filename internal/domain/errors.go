package domain

import "errors"

// Contract rejections. Every one of these aborts the call with no state change.
var (
	ErrNotRegistered     = errors.New("player not registered")
	ErrAlreadyRegistered = errors.New("player already registered")
	ErrInvalidScore      = errors.New("score must be greater than zero")
	ErrScoreOverflow     = errors.New("total score overflow")
	ErrInvalidGameType   = errors.New("invalid game type")
	ErrUnauthorized      = errors.New("caller is not the owner")
	ErrInvalidLimit      = errors.New("invalid limit")
	ErrInvalidAmount     = errors.New("amount must be greater than zero")
	ErrInvalidAddress    = errors.New("invalid address")
)

// Environment errors
var (
	ErrStaleTransition = errors.New("transition prepared against stale state")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrInternalError   = errors.New("internal server error")
	ErrNotInitialized  = errors.New("store not initialized")
)

// IsRejection reports whether err is a precondition failure of a contract call
// rather than an infrastructure failure.
func IsRejection(err error) bool {
	for _, target := range []error{
		ErrNotRegistered,
		ErrAlreadyRegistered,
		ErrInvalidScore,
		ErrScoreOverflow,
		ErrInvalidGameType,
		ErrUnauthorized,
		ErrInvalidLimit,
		ErrInvalidAmount,
		ErrInvalidAddress,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

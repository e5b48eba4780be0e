package otp

import "errors"

// Error taxonomy surfaced to callers.
var (
	ErrNotFound        = errors.New("no active credential")
	ErrInvalid         = errors.New("invalid code")
	ErrExpired         = errors.New("code expired")
	ErrAlreadyRedeemed = errors.New("already redeemed")
	ErrTransient       = errors.New("transient failure")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrLockedOut       = errors.New("too many invalid attempts")
)

// Store-level conflicts. They never reach end users directly.
var (
	// ErrGenerationConflict means another issuance won the race for the slot.
	ErrGenerationConflict = errors.New("credential generation conflict")
	// ErrSuperseded means the credential being redeemed is no longer active.
	ErrSuperseded = errors.New("credential superseded")
)

// IsTransient reports whether err is safe to retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

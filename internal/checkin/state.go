// Package checkin drives the student side of a code check-in, independent of
// how the code is typed or how the verifier is reached.
package checkin

import (
	"fmt"

	"otpattend/internal/otp"
)

// State of a check-in attempt.
type State int

const (
	StateIdle State = iota
	StateEntering
	StateSubmitting
	StateAccepted
	StateRejectedExpired
	StateRejectedInvalid
	StateRejectedAlreadyRedeemed
	StateRejectedNoActiveCredential
	StateRejectedLockedOut
	// StateFailed means the verifier could not be reached after retries.
	StateFailed
	// StateAbandoned means the caller cancelled while submitting.
	StateAbandoned
)

var stateNames = [...]string{
	StateIdle:                       "idle",
	StateEntering:                   "entering",
	StateSubmitting:                 "submitting",
	StateAccepted:                   "accepted",
	StateRejectedExpired:            "rejectedExpired",
	StateRejectedInvalid:            "rejectedInvalid",
	StateRejectedAlreadyRedeemed:    "rejectedAlreadyRedeemed",
	StateRejectedNoActiveCredential: "rejectedNoActiveCredential",
	StateRejectedLockedOut:          "rejectedLockedOut",
	StateFailed:                     "failed",
	StateAbandoned:                  "abandoned",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether the attempt is over.
func (s State) Terminal() bool {
	return s >= StateAccepted
}

func stateFor(o otp.Outcome) State {
	switch o {
	case otp.OutcomeAccepted:
		return StateAccepted
	case otp.OutcomeRejectedExpired:
		return StateRejectedExpired
	case otp.OutcomeRejectedInvalid:
		return StateRejectedInvalid
	case otp.OutcomeRejectedAlreadyRedeemed:
		return StateRejectedAlreadyRedeemed
	case otp.OutcomeRejectedNoActiveCredential:
		return StateRejectedNoActiveCredential
	case otp.OutcomeRejectedLockedOut:
		return StateRejectedLockedOut
	default:
		return StateFailed
	}
}

const (
	failedMessage    = "Could not reach the attendance service. Try again in a moment."
	abandonedMessage = "Check-in cancelled."
)

package otp

import (
	"encoding/json"
	"fmt"
)

// Outcome is the result of a verification attempt.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeAccepted
	OutcomeRejectedInvalid
	OutcomeRejectedExpired
	OutcomeRejectedAlreadyRedeemed
	OutcomeRejectedNoActiveCredential
	OutcomeRejectedLockedOut
)

var outcomeNames = map[Outcome]string{
	OutcomePending:                    "pending",
	OutcomeAccepted:                   "accepted",
	OutcomeRejectedInvalid:            "rejectedInvalid",
	OutcomeRejectedExpired:            "rejectedExpired",
	OutcomeRejectedAlreadyRedeemed:    "rejectedAlreadyRedeemed",
	OutcomeRejectedNoActiveCredential: "rejectedNoActiveCredential",
	OutcomeRejectedLockedOut:          "rejectedLockedOut",
}

var outcomeMessages = map[Outcome]string{
	OutcomePending:                    "Verifying...",
	OutcomeAccepted:                   "Attendance marked. Your presence has been recorded.",
	OutcomeRejectedInvalid:            "Invalid OTP. Check the code and try again.",
	OutcomeRejectedExpired:            "OTP expired. Ask your faculty for a new code.",
	OutcomeRejectedAlreadyRedeemed:    "Attendance already marked for this code. Nothing else to do.",
	OutcomeRejectedNoActiveCredential: "No active OTP for this session yet. Wait for your faculty to generate one.",
	OutcomeRejectedLockedOut:          "Too many invalid attempts. Wait for a new code.",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Message is the single user-facing text for the outcome.
func (o Outcome) Message() string {
	return outcomeMessages[o]
}

// Accepted reports whether the attempt recorded attendance.
func (o Outcome) Accepted() bool { return o == OutcomeAccepted }

// Err maps a rejection to the error taxonomy. Accepted and pending map to nil.
func (o Outcome) Err() error {
	switch o {
	case OutcomeRejectedInvalid:
		return ErrInvalid
	case OutcomeRejectedExpired:
		return ErrExpired
	case OutcomeRejectedAlreadyRedeemed:
		return ErrAlreadyRedeemed
	case OutcomeRejectedNoActiveCredential:
		return ErrNotFound
	case OutcomeRejectedLockedOut:
		return ErrLockedOut
	default:
		return nil
	}
}

// ParseOutcome is the inverse of String.
func ParseOutcome(s string) (Outcome, error) {
	for o, name := range outcomeNames {
		if name == s {
			return o, nil
		}
	}
	return OutcomePending, fmt.Errorf("unknown outcome %q", s)
}

// MarshalJSON encodes the outcome by name.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// UnmarshalJSON decodes an outcome name.
func (o *Outcome) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseOutcome(s)
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

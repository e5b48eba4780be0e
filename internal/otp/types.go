// Package otp holds the credential and redemption model shared by the
// issuing and verifying sides of session check-in.
package otp

import "time"

// DefaultTTL is how long a freshly issued code stays valid.
const DefaultTTL = 30 * time.Second

// Code length bounds. DefaultDigits matches the six-box entry screen.
const (
	DefaultDigits = 6
	MinDigits     = 4
	MaxDigits     = 10
)

// Session is one scheduled class meeting as supplied by the scheduler.
// LocationHint is advisory display metadata and is never enforced here.
type Session struct {
	ID           string    `json:"session_id"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	LocationHint string    `json:"location_hint,omitempty"`
}

// Credential is one issued code for a session.
type Credential struct {
	SessionID    string     `json:"session_id"`
	Code         string     `json:"code"`
	IssuedAt     time.Time  `json:"issued_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Generation   uint64     `json:"generation"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
}

// Superseded reports whether a newer credential replaced this one.
func (c Credential) Superseded() bool { return c.SupersededAt != nil }

// ExpiredAt reports whether at is past the credential's expiry.
// The instant expiresAt itself is still valid.
func (c Credential) ExpiredAt(at time.Time) bool { return at.After(c.ExpiresAt) }

// Remaining returns the advisory time left at now, never negative.
func (c Credential) Remaining(now time.Time) time.Duration {
	return Remaining(c.ExpiresAt, now)
}

// Remaining is the countdown shown to users: expiresAt - now, floored at zero.
func Remaining(expiresAt, now time.Time) time.Duration {
	d := expiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// RedemptionRecord proves that a subject consumed a specific generation.
type RedemptionRecord struct {
	SessionID  string    `json:"session_id"`
	SubjectID  string    `json:"subject_id"`
	Generation uint64    `json:"generation"`
	RedeemedAt time.Time `json:"redeemed_at"`
}

// RedemptionKey identifies a redemption record.
type RedemptionKey struct {
	SessionID  string
	SubjectID  string
	Generation uint64
}

// Key returns the uniqueness key of the record.
func (r RedemptionRecord) Key() RedemptionKey {
	return RedemptionKey{SessionID: r.SessionID, SubjectID: r.SubjectID, Generation: r.Generation}
}

// VerifyRequest is what a client submits for one check-in attempt.
// ClientTimestamp is informational; expiry uses the server clock.
type VerifyRequest struct {
	SessionID       string    `json:"session_id"`
	SubjectID       string    `json:"subject_id"`
	Code            string    `json:"code"`
	ClientTimestamp time.Time `json:"client_timestamp"`
}

// VerifyResult is the typed answer to a VerifyRequest.
type VerifyResult struct {
	Outcome    Outcome    `json:"outcome"`
	Generation uint64     `json:"generation,omitempty"`
	RedeemedAt *time.Time `json:"redeemed_at,omitempty"`
}

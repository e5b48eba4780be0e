// Package store holds the authoritative credential and redemption state.
//
// Every backend guarantees two atomic steps per session: Replace swaps the
// current credential only if the caller saw the latest generation, and
// Redeem inserts a redemption only if its generation is still current and
// the (session, subject, generation) key is unused.
package store

import (
	"context"

	"otpattend/internal/otp"
)

// CredentialStore is the single owner of credentials and redemptions.
type CredentialStore interface {
	// Current returns the latest credential for the session, expired or not.
	// It returns otp.ErrNotFound when nothing was ever issued.
	Current(ctx context.Context, sessionID string) (otp.Credential, error)

	// Replace makes next the current credential when the current generation
	// equals prevGeneration (0 means none), marking the previous credential
	// superseded at next.IssuedAt. Otherwise it returns
	// otp.ErrGenerationConflict and changes nothing.
	Replace(ctx context.Context, next otp.Credential, prevGeneration uint64) error

	// History returns every credential issued for the session, oldest first.
	History(ctx context.Context, sessionID string) ([]otp.Credential, error)

	// Redeem stores rec if rec.Generation is still current for the session
	// and no record exists for its key. It returns otp.ErrSuperseded or
	// otp.ErrAlreadyRedeemed otherwise.
	Redeem(ctx context.Context, rec otp.RedemptionRecord) error

	// Redemption looks up a single record, or otp.ErrNotFound.
	Redemption(ctx context.Context, key otp.RedemptionKey) (otp.RedemptionRecord, error)

	// Redemptions lists the session's records ordered by redemption time.
	Redemptions(ctx context.Context, sessionID string) ([]otp.RedemptionRecord, error)
}

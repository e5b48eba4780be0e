package attendance

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"otpattend/internal/clock"
	"otpattend/internal/log"
	"otpattend/internal/metrics"
	"otpattend/internal/otp"
	"otpattend/internal/store"
)

// Ledger receives every accepted redemption for long-term attendance records.
type Ledger interface {
	RecordRedemption(ctx context.Context, rec otp.RedemptionRecord) error
}

// Verifier checks submitted codes and commits redemptions.
type Verifier struct {
	store   store.CredentialStore
	clock   clock.Clock
	ledger  Ledger
	lockout *Lockout
	timeout time.Duration
}

// NewVerifier builds a verifier. ledger and lockout may be nil.
func NewVerifier(st store.CredentialStore, clk clock.Clock, ledger Ledger, lockout *Lockout, timeout time.Duration) *Verifier {
	return &Verifier{store: st, clock: clk, ledger: ledger, lockout: lockout, timeout: timeout}
}

// VerifyCode checks a client submission against the server clock. The
// client timestamp is only logged.
func (v *Verifier) VerifyCode(ctx context.Context, req otp.VerifyRequest) (otp.VerifyResult, error) {
	now := v.clock.Now()
	if !req.ClientTimestamp.IsZero() {
		log.Ctx(ctx).Debug().
			Str("session_id", req.SessionID).
			Str("subject_id", req.SubjectID).
			Dur("client_skew", req.ClientTimestamp.Sub(now)).
			Msg("client timestamp ignored for expiry")
	}
	return v.Verify(ctx, req.SessionID, req.SubjectID, req.Code, now)
}

// Verify decides the outcome of subjectID submitting code for sessionID at
// instant at. Rejections are outcomes; the error is non-nil only for
// transient store failures.
func (v *Verifier) Verify(ctx context.Context, sessionID, subjectID, code string, at time.Time) (otp.VerifyResult, error) {
	started := time.Now()
	res, err := v.verify(ctx, sessionID, subjectID, code, at)
	label := res.Outcome.String()
	if err != nil {
		label = "transient"
	}
	metrics.ObserveVerification(label, started)

	var ev *zerolog.Event
	if err != nil {
		ev = log.Ctx(ctx).Warn().Err(err)
	} else {
		ev = log.Ctx(ctx).Info()
	}
	ev.Str("session_id", sessionID).
		Str("subject_id", subjectID).
		Uint64("generation", res.Generation).
		Str("outcome", label).
		Msg("verification")
	return res, err
}

func (v *Verifier) verify(ctx context.Context, sessionID, subjectID, code string, at time.Time) (otp.VerifyResult, error) {
	ctx, cancel := withTimeout(ctx, v.timeout)
	defer cancel()

	cred, err := v.store.Current(ctx, sessionID)
	if errors.Is(err, otp.ErrNotFound) {
		return otp.VerifyResult{Outcome: otp.OutcomeRejectedNoActiveCredential}, nil
	}
	if err != nil {
		return otp.VerifyResult{}, transient("current", err)
	}
	res := otp.VerifyResult{Generation: cred.Generation}

	if cred.ExpiredAt(at) {
		res.Outcome = otp.OutcomeRejectedExpired
		return res, nil
	}

	key := lockoutKey{session: sessionID, subject: subjectID, generation: cred.Generation}
	if !otp.CodesEqual(code, cred.Code) {
		// claimed before the history round trip so a burst of guesses
		// cannot outrun the counter
		if !v.lockout.Reserve(key) {
			res.Outcome = otp.OutcomeRejectedLockedOut
			return res, nil
		}
		superseded := false
		// malformed input cannot match any generation
		if otp.ValidFormat(code, len(cred.Code)) {
			if superseded, err = v.matchesSuperseded(ctx, sessionID, code); err != nil {
				v.lockout.Release(key)
				return otp.VerifyResult{}, err
			}
		}
		if superseded {
			v.lockout.Release(key)
			res.Outcome = otp.OutcomeRejectedExpired
			return res, nil
		}
		if v.lockout.Locked(key) {
			log.Ctx(ctx).Warn().Str("session_id", sessionID).Str("subject_id", subjectID).Msg("subject locked out")
		}
		res.Outcome = otp.OutcomeRejectedInvalid
		return res, nil
	}
	if v.lockout.Locked(key) {
		res.Outcome = otp.OutcomeRejectedLockedOut
		return res, nil
	}

	rec := otp.RedemptionRecord{
		SessionID:  sessionID,
		SubjectID:  subjectID,
		Generation: cred.Generation,
		RedeemedAt: at,
	}
	switch err := v.store.Redeem(ctx, rec); {
	case errors.Is(err, otp.ErrSuperseded):
		// reissued between the read and the insert
		res.Outcome = otp.OutcomeRejectedExpired
		return res, nil
	case errors.Is(err, otp.ErrAlreadyRedeemed):
		res.Outcome = otp.OutcomeRejectedAlreadyRedeemed
		return res, nil
	case err != nil:
		return otp.VerifyResult{}, transient("redeem", err)
	}

	v.lockout.Reset(key)
	if v.ledger != nil {
		if err := v.ledger.RecordRedemption(ctx, rec); err != nil {
			metrics.LedgerPublishFailures.Inc()
			log.Ctx(ctx).Error().Err(err).Str("session_id", sessionID).Str("subject_id", subjectID).Msg("ledger publish failed")
		}
	}

	res.Outcome = otp.OutcomeAccepted
	res.RedeemedAt = &rec.RedeemedAt
	return res, nil
}

// matchesSuperseded reports whether code belongs to an older generation of
// the session, so a stale code reads as expired rather than mistyped.
func (v *Verifier) matchesSuperseded(ctx context.Context, sessionID, code string) (bool, error) {
	hist, err := v.store.History(ctx, sessionID)
	if err != nil {
		return false, transient("history", err)
	}
	match := false
	for _, c := range hist {
		if c.Superseded() && otp.CodesEqual(code, c.Code) {
			match = true
		}
	}
	return match, nil
}

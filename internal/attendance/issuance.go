package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"otpattend/internal/clock"
	"otpattend/internal/log"
	"otpattend/internal/metrics"
	"otpattend/internal/otp"
	"otpattend/internal/store"
)

// maxIssueAttempts bounds retries when concurrent issuers race for a session.
const maxIssueAttempts = 5

// Scheduler supplies the sessions that may receive credentials.
type Scheduler interface {
	Session(ctx context.Context, sessionID string) (otp.Session, error)
}

// CodeSource draws new codes. *otp.CodeGenerator is the production source.
type CodeSource interface {
	GenerateExcept(prev string) (string, error)
}

// Issuer creates credentials, replacing whatever was current for the session.
type Issuer struct {
	store     store.CredentialStore
	clock     clock.Clock
	codes     CodeSource
	ttl       time.Duration
	timeout   time.Duration
	scheduler Scheduler
}

// NewIssuer builds an issuer. A nil scheduler trusts every session id.
func NewIssuer(st store.CredentialStore, clk clock.Clock, codes CodeSource, ttl, timeout time.Duration, scheduler Scheduler) *Issuer {
	if ttl <= 0 {
		ttl = otp.DefaultTTL
	}
	return &Issuer{store: st, clock: clk, codes: codes, ttl: ttl, timeout: timeout, scheduler: scheduler}
}

// Issue generates a fresh code for sessionID and makes it the only active
// credential. The new code never equals the one it replaces.
func (i *Issuer) Issue(ctx context.Context, sessionID string) (otp.Credential, error) {
	if sessionID == "" {
		return otp.Credential{}, fmt.Errorf("%w: session id required", otp.ErrNotFound)
	}
	ctx, cancel := withTimeout(ctx, i.timeout)
	defer cancel()

	if i.scheduler != nil {
		if err := i.checkSchedule(ctx, sessionID); err != nil {
			return otp.Credential{}, err
		}
	}

	for attempt := 1; attempt <= maxIssueAttempts; attempt++ {
		prev, err := i.store.Current(ctx, sessionID)
		if err != nil && !errors.Is(err, otp.ErrNotFound) {
			return otp.Credential{}, transient("current", err)
		}

		code, err := i.codes.GenerateExcept(prev.Code)
		if err != nil {
			return otp.Credential{}, err
		}
		now := i.clock.Now()
		next := otp.Credential{
			SessionID:  sessionID,
			Code:       code,
			IssuedAt:   now,
			ExpiresAt:  now.Add(i.ttl),
			Generation: prev.Generation + 1,
		}

		err = i.store.Replace(ctx, next, prev.Generation)
		if errors.Is(err, otp.ErrGenerationConflict) {
			log.Ctx(ctx).Debug().Str("session_id", sessionID).Int("attempt", attempt).Msg("issuance raced, retrying")
			continue
		}
		if err != nil {
			return otp.Credential{}, transient("replace", err)
		}

		metrics.CredentialsIssued.Inc()
		log.Ctx(ctx).Info().
			Str("session_id", sessionID).
			Uint64("generation", next.Generation).
			Time("expires_at", next.ExpiresAt).
			Msg("credential issued")
		return next, nil
	}
	return otp.Credential{}, fmt.Errorf("%w: issuance for %s kept conflicting", otp.ErrTransient, sessionID)
}

func (i *Issuer) checkSchedule(ctx context.Context, sessionID string) error {
	sess, err := i.scheduler.Session(ctx, sessionID)
	if errors.Is(err, otp.ErrNotFound) {
		return fmt.Errorf("%w: unknown session %s", otp.ErrNotFound, sessionID)
	}
	if err != nil {
		return transient("schedule", err)
	}
	if !sess.EndTime.IsZero() && i.clock.Now().After(sess.EndTime) {
		return fmt.Errorf("%w: session %s has ended", otp.ErrNotFound, sessionID)
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// transient marks a store failure as retryable.
func transient(op string, err error) error {
	metrics.StoreErrors.WithLabelValues(op).Inc()
	return fmt.Errorf("%s: %w: %w", op, otp.ErrTransient, err)
}

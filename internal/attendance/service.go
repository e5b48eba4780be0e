package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"otpattend/internal/clock"
	"otpattend/internal/otp"
	"otpattend/internal/store"
)

// Options tune issuance and verification.
type Options struct {
	TTL           time.Duration
	Digits        int
	MaxInvalid    int
	LockoutWindow time.Duration
	StoreTimeout  time.Duration
	Scheduler     Scheduler
}

// Service is the surface the HTTP layer and other collaborators call.
type Service struct {
	store    store.CredentialStore
	clock    clock.Clock
	issuer   *Issuer
	verifier *Verifier
	timeout  time.Duration
	digits   int
}

// NewService wires an issuer and a verifier over one store.
func NewService(st store.CredentialStore, clk clock.Clock, ledger Ledger, opts Options) (*Service, error) {
	if opts.Digits == 0 {
		opts.Digits = otp.DefaultDigits
	}
	codes, err := otp.NewCodeGenerator(opts.Digits)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:    st,
		clock:    clk,
		issuer:   NewIssuer(st, clk, codes, opts.TTL, opts.StoreTimeout, opts.Scheduler),
		verifier: NewVerifier(st, clk, ledger, NewLockout(opts.MaxInvalid, opts.LockoutWindow), opts.StoreTimeout),
		timeout:  opts.StoreTimeout,
		digits:   opts.Digits,
	}, nil
}

// Digits is the configured code length.
func (s *Service) Digits() int { return s.digits }

// Now reads the service clock.
func (s *Service) Now() time.Time { return s.clock.Now() }

// IssueCredential creates a new credential for the session.
func (s *Service) IssueCredential(ctx context.Context, sessionID string) (otp.Credential, error) {
	return s.issuer.Issue(ctx, sessionID)
}

// VerifyCode checks one submission.
func (s *Service) VerifyCode(ctx context.Context, req otp.VerifyRequest) (otp.VerifyResult, error) {
	return s.verifier.VerifyCode(ctx, req)
}

// ActiveCredential returns the session's current, unexpired credential.
func (s *Service) ActiveCredential(ctx context.Context, sessionID string) (otp.Credential, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	c, err := s.store.Current(ctx, sessionID)
	if errors.Is(err, otp.ErrNotFound) {
		return otp.Credential{}, err
	}
	if err != nil {
		return otp.Credential{}, transient("current", err)
	}
	if c.ExpiredAt(s.clock.Now()) {
		return otp.Credential{}, fmt.Errorf("%w: credential for %s expired", otp.ErrNotFound, sessionID)
	}
	return c, nil
}

// History returns every credential issued for the session.
func (s *Service) History(ctx context.Context, sessionID string) ([]otp.Credential, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	hist, err := s.store.History(ctx, sessionID)
	if err != nil {
		return nil, transient("history", err)
	}
	return hist, nil
}

// Redemptions returns the committed records for a session.
func (s *Service) Redemptions(ctx context.Context, sessionID string) ([]otp.RedemptionRecord, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	recs, err := s.store.Redemptions(ctx, sessionID)
	if err != nil {
		return nil, transient("redemptions", err)
	}
	return recs, nil
}

// Redemption looks up one record by key.
func (s *Service) Redemption(ctx context.Context, key otp.RedemptionKey) (otp.RedemptionRecord, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	rec, err := s.store.Redemption(ctx, key)
	if errors.Is(err, otp.ErrNotFound) {
		return otp.RedemptionRecord{}, err
	}
	if err != nil {
		return otp.RedemptionRecord{}, transient("redemption", err)
	}
	return rec, nil
}

package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"otpattend/internal/clock"
	"otpattend/internal/otp"
	"otpattend/internal/store"
)

var t0 = time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)

// scriptedCodes hands out codes in order, skipping one equal to prev.
type scriptedCodes struct {
	mu    sync.Mutex
	codes []string
}

func newScriptedCodes(codes ...string) *scriptedCodes {
	return &scriptedCodes{codes: codes}
}

func (s *scriptedCodes) GenerateExcept(prev string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.codes) > 0 {
		c := s.codes[0]
		s.codes = s.codes[1:]
		if c != prev {
			return c, nil
		}
	}
	return "", errors.New("script exhausted")
}

type fixture struct {
	clock    *clock.Fake
	store    *store.Memory
	issuer   *Issuer
	verifier *Verifier
	ledger   *recordingLedger
}

func newFixture(t *testing.T, codes ...string) *fixture {
	t.Helper()
	f := &fixture{
		clock:  clock.NewFake(t0),
		store:  store.NewMemory(),
		ledger: &recordingLedger{},
	}
	f.issuer = NewIssuer(f.store, f.clock, newScriptedCodes(codes...), 30*time.Second, time.Second, nil)
	f.verifier = NewVerifier(f.store, f.clock, f.ledger, NewLockout(3, time.Minute), time.Second)
	return f
}

// at returns the instant sec seconds after t0.
func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

type recordingLedger struct {
	mu   sync.Mutex
	recs []otp.RedemptionRecord
	err  error
}

func (l *recordingLedger) RecordRedemption(_ context.Context, rec otp.RedemptionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.recs = append(l.recs, rec)
	return nil
}

func (l *recordingLedger) records() []otp.RedemptionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]otp.RedemptionRecord(nil), l.recs...)
}

// faultyStore wraps a store and lets tests inject failures or hooks.
type faultyStore struct {
	store.CredentialStore
	currentErr  error
	redeemErr   error
	hang        bool
	beforeRedem func()
	// historyDelay simulates a network round trip on History.
	historyDelay time.Duration
}

func (s *faultyStore) History(ctx context.Context, sessionID string) ([]otp.Credential, error) {
	if s.historyDelay > 0 {
		time.Sleep(s.historyDelay)
	}
	return s.CredentialStore.History(ctx, sessionID)
}

func (s *faultyStore) Current(ctx context.Context, sessionID string) (otp.Credential, error) {
	if s.hang {
		<-ctx.Done()
		return otp.Credential{}, ctx.Err()
	}
	if s.currentErr != nil {
		return otp.Credential{}, s.currentErr
	}
	return s.CredentialStore.Current(ctx, sessionID)
}

func (s *faultyStore) Redeem(ctx context.Context, rec otp.RedemptionRecord) error {
	if s.beforeRedem != nil {
		s.beforeRedem()
	}
	if s.redeemErr != nil {
		return s.redeemErr
	}
	return s.CredentialStore.Redeem(ctx, rec)
}

package store

import (
	"context"
	"sort"
	"sync"

	"otpattend/internal/otp"
)

// Memory is an in-process CredentialStore. Each session has its own lock so
// unrelated sessions never contend.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*sessionSlot
}

type sessionSlot struct {
	mu       sync.Mutex
	history  []otp.Credential // last element is current
	redeemed map[subjectGeneration]otp.RedemptionRecord
}

type subjectGeneration struct {
	subject    string
	generation uint64
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*sessionSlot)}
}

func (m *Memory) slot(sessionID string, create bool) *sessionSlot {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok || !create {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.sessions[sessionID]; ok {
		return s
	}
	s = &sessionSlot{redeemed: make(map[subjectGeneration]otp.RedemptionRecord)}
	m.sessions[sessionID] = s
	return s
}

func (s *sessionSlot) currentGeneration() uint64 {
	if len(s.history) == 0 {
		return 0
	}
	return s.history[len(s.history)-1].Generation
}

// Current implements CredentialStore.
func (m *Memory) Current(ctx context.Context, sessionID string) (otp.Credential, error) {
	if err := ctx.Err(); err != nil {
		return otp.Credential{}, err
	}
	s := m.slot(sessionID, false)
	if s == nil {
		return otp.Credential{}, otp.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return otp.Credential{}, otp.ErrNotFound
	}
	return s.history[len(s.history)-1], nil
}

// Replace implements CredentialStore.
func (m *Memory) Replace(ctx context.Context, next otp.Credential, prevGeneration uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := m.slot(next.SessionID, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentGeneration() != prevGeneration || next.Generation <= prevGeneration {
		return otp.ErrGenerationConflict
	}
	if n := len(s.history); n > 0 {
		at := next.IssuedAt
		s.history[n-1].SupersededAt = &at
	}
	next.SupersededAt = nil
	s.history = append(s.history, next)
	return nil
}

// History implements CredentialStore.
func (m *Memory) History(ctx context.Context, sessionID string) ([]otp.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := m.slot(sessionID, false)
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]otp.Credential, len(s.history))
	copy(out, s.history)
	return out, nil
}

// Redeem implements CredentialStore.
func (m *Memory) Redeem(ctx context.Context, rec otp.RedemptionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := m.slot(rec.SessionID, false)
	if s == nil {
		return otp.ErrSuperseded
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentGeneration() != rec.Generation {
		return otp.ErrSuperseded
	}
	key := subjectGeneration{subject: rec.SubjectID, generation: rec.Generation}
	if _, ok := s.redeemed[key]; ok {
		return otp.ErrAlreadyRedeemed
	}
	s.redeemed[key] = rec
	return nil
}

// Redemption implements CredentialStore.
func (m *Memory) Redemption(ctx context.Context, key otp.RedemptionKey) (otp.RedemptionRecord, error) {
	if err := ctx.Err(); err != nil {
		return otp.RedemptionRecord{}, err
	}
	s := m.slot(key.SessionID, false)
	if s == nil {
		return otp.RedemptionRecord{}, otp.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.redeemed[subjectGeneration{subject: key.SubjectID, generation: key.Generation}]
	if !ok {
		return otp.RedemptionRecord{}, otp.ErrNotFound
	}
	return rec, nil
}

// Redemptions implements CredentialStore.
func (m *Memory) Redemptions(ctx context.Context, sessionID string) ([]otp.RedemptionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := m.slot(sessionID, false)
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	out := make([]otp.RedemptionRecord, 0, len(s.redeemed))
	for _, rec := range s.redeemed {
		out = append(out, rec)
	}
	s.mu.Unlock()
	sortRedemptions(out)
	return out, nil
}

func sortRedemptions(recs []otp.RedemptionRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].RedeemedAt.Equal(recs[j].RedeemedAt) {
			return recs[i].RedeemedAt.Before(recs[j].RedeemedAt)
		}
		if recs[i].Generation != recs[j].Generation {
			return recs[i].Generation < recs[j].Generation
		}
		return recs[i].SubjectID < recs[j].SubjectID
	})
}

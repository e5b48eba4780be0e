package attendance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"otpattend/internal/clock"
	"otpattend/internal/otp"
	"otpattend/internal/store"
)

func issue(t *testing.T, f *fixture, session string) otp.Credential {
	t.Helper()
	cred, err := f.issuer.Issue(context.Background(), session)
	require.NoError(t, err)
	return cred
}

func verify(t *testing.T, f *fixture, session, subject, code string, when time.Time) otp.VerifyResult {
	t.Helper()
	res, err := f.verifier.Verify(context.Background(), session, subject, code, when)
	require.NoError(t, err)
	return res
}

func TestScenarioAcceptThenDuplicate(t *testing.T) {
	f := newFixture(t, "482913")
	cred := issue(t, f, "sess")

	res := verify(t, f, "sess", "stuA", "482913", at(10))
	assert.Equal(t, otp.OutcomeAccepted, res.Outcome)
	require.NotNil(t, res.RedeemedAt)
	assert.Equal(t, at(10), *res.RedeemedAt)

	res = verify(t, f, "sess", "stuA", "482913", at(12))
	assert.Equal(t, otp.OutcomeRejectedAlreadyRedeemed, res.Outcome)

	rec, err := f.store.Redemption(context.Background(), otp.RedemptionKey{SessionID: "sess", SubjectID: "stuA", Generation: cred.Generation})
	require.NoError(t, err)
	assert.Equal(t, at(10), rec.RedeemedAt)
}

func TestScenarioWrongCode(t *testing.T) {
	f := newFixture(t, "482913")
	issue(t, f, "sess")

	res := verify(t, f, "sess", "stuB", "000000", at(5))
	assert.Equal(t, otp.OutcomeRejectedInvalid, res.Outcome)
}

func TestScenarioExpired(t *testing.T) {
	f := newFixture(t, "482913")
	issue(t, f, "sess")

	res := verify(t, f, "sess", "stuC", "482913", at(31))
	assert.Equal(t, otp.OutcomeRejectedExpired, res.Outcome)
}

func TestScenarioSupersededCode(t *testing.T) {
	f := newFixture(t, "111111", "222222")
	first := issue(t, f, "sess")
	f.clock.Set(at(5))
	second := issue(t, f, "sess")
	require.Equal(t, uint64(1), first.Generation)
	require.Equal(t, uint64(2), second.Generation)

	res := verify(t, f, "sess", "stuD", "111111", at(6))
	assert.Equal(t, otp.OutcomeRejectedExpired, res.Outcome)

	res = verify(t, f, "sess", "stuD", "222222", at(6))
	assert.Equal(t, otp.OutcomeAccepted, res.Outcome)
}

func TestExpiryIgnoresCodeCorrectness(t *testing.T) {
	f := newFixture(t, "482913")
	issue(t, f, "sess")

	for _, code := range []string{"482913", "000000", "", "48291"} {
		res := verify(t, f, "sess", "stuE", code, at(45))
		assert.Equal(t, otp.OutcomeRejectedExpired, res.Outcome, code)
	}
	// exactly at expiresAt is still valid
	res := verify(t, f, "sess", "stuE", "482913", at(30))
	assert.Equal(t, otp.OutcomeAccepted, res.Outcome)
}

func TestNoActiveCredential(t *testing.T) {
	f := newFixture(t)
	res := verify(t, f, "nothing", "stuA", "123456", at(1))
	assert.Equal(t, otp.OutcomeRejectedNoActiveCredential, res.Outcome)
}

func TestConcurrentSameSubjectAcceptsOnce(t *testing.T) {
	f := newFixture(t, "482913")
	cred := issue(t, f, "sess")

	const n = 50
	var accepted, duplicate atomic.Int32
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			res, err := f.verifier.Verify(context.Background(), "sess", "stuA", "482913", at(10))
			if err != nil {
				return err
			}
			switch res.Outcome {
			case otp.OutcomeAccepted:
				accepted.Add(1)
			case otp.OutcomeRejectedAlreadyRedeemed:
				duplicate.Add(1)
			default:
				return errors.New("unexpected outcome " + res.Outcome.String())
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(n-1), duplicate.Load())

	recs, err := f.store.Redemptions(context.Background(), "sess")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, cred.Generation, recs[0].Generation)
	assert.Len(t, f.ledger.records(), 1)
}

func TestConcurrentDistinctSubjectsAllAccepted(t *testing.T) {
	f := newFixture(t, "482913")
	issue(t, f, "sess")

	subjects := []string{"stu01", "stu02", "stu03", "stu04", "stu05", "stu06", "stu07", "stu08"}
	var g errgroup.Group
	for _, sub := range subjects {
		sub := sub
		g.Go(func() error {
			res, err := f.verifier.Verify(context.Background(), "sess", sub, "482913", at(3))
			if err != nil {
				return err
			}
			if res.Outcome != otp.OutcomeAccepted {
				return errors.New(sub + ": " + res.Outcome.String())
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, sub := range subjects {
		_, err := f.store.Redemption(context.Background(), otp.RedemptionKey{SessionID: "sess", SubjectID: sub, Generation: 1})
		assert.NoError(t, err, sub)
	}
}

func TestReissueDuringVerificationRejects(t *testing.T) {
	f := newFixture(t, "111111", "222222")
	issue(t, f, "sess")

	st := &faultyStore{CredentialStore: f.store}
	st.beforeRedem = func() {
		// another instructor reissues after the verifier read generation 1
		_, err := f.issuer.Issue(context.Background(), "sess")
		require.NoError(t, err)
	}
	v := NewVerifier(st, f.clock, f.ledger, nil, time.Second)

	res, err := v.Verify(context.Background(), "sess", "stuA", "111111", at(2))
	require.NoError(t, err)
	assert.Equal(t, otp.OutcomeRejectedExpired, res.Outcome)
	assert.Empty(t, f.ledger.records())
}

func TestLockoutAfterRepeatedInvalid(t *testing.T) {
	f := newFixture(t, "482913", "555555")
	issue(t, f, "sess")

	for i := 0; i < 3; i++ {
		res := verify(t, f, "sess", "stuA", "000000", at(1))
		assert.Equal(t, otp.OutcomeRejectedInvalid, res.Outcome)
	}
	res := verify(t, f, "sess", "stuA", "482913", at(2))
	assert.Equal(t, otp.OutcomeRejectedLockedOut, res.Outcome)

	// other subjects are unaffected
	res = verify(t, f, "sess", "stuB", "482913", at(2))
	assert.Equal(t, otp.OutcomeAccepted, res.Outcome)

	// a new code clears the lockout
	f.clock.Set(at(3))
	issue(t, f, "sess")
	res = verify(t, f, "sess", "stuA", "555555", at(4))
	assert.Equal(t, otp.OutcomeAccepted, res.Outcome)
}

func TestLockoutResetsOnSuccess(t *testing.T) {
	f := newFixture(t, "482913")
	issue(t, f, "sess")

	for i := 0; i < 2; i++ {
		assert.Equal(t, otp.OutcomeRejectedInvalid, verify(t, f, "sess", "stuA", "000000", at(1)).Outcome)
	}
	assert.Equal(t, otp.OutcomeAccepted, verify(t, f, "sess", "stuA", "482913", at(2)).Outcome)
	assert.False(t, f.verifier.lockout.Locked(lockoutKey{session: "sess", subject: "stuA", generation: 1}))
}

func TestSupersededGuessDoesNotCountTowardsLockout(t *testing.T) {
	f := newFixture(t, "111111", "222222")
	issue(t, f, "sess")
	f.clock.Set(at(1))
	issue(t, f, "sess")

	for i := 0; i < 5; i++ {
		assert.Equal(t, otp.OutcomeRejectedExpired, verify(t, f, "sess", "stuA", "111111", at(2)).Outcome)
	}
	assert.Equal(t, otp.OutcomeAccepted, verify(t, f, "sess", "stuA", "222222", at(3)).Outcome)
}

func TestLockoutHoldsUnderConcurrentGuesses(t *testing.T) {
	f := newFixture(t, "482913")
	issue(t, f, "sess")
	// a slow history lookup widens the window between compare and count
	st := &faultyStore{CredentialStore: f.store, historyDelay: 5 * time.Millisecond}
	v := NewVerifier(st, f.clock, nil, NewLockout(3, time.Minute), time.Second)

	var invalid, lockedOut atomic.Int32
	var g errgroup.Group
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			res, err := v.Verify(context.Background(), "sess", "mallory", "000000", at(1))
			if err != nil {
				return err
			}
			switch res.Outcome {
			case otp.OutcomeRejectedInvalid:
				invalid.Add(1)
			case otp.OutcomeRejectedLockedOut:
				lockedOut.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(3), invalid.Load())
	assert.Equal(t, int32(47), lockedOut.Load())

	res, err := v.Verify(context.Background(), "sess", "mallory", "482913", at(2))
	require.NoError(t, err)
	assert.Equal(t, otp.OutcomeRejectedLockedOut, res.Outcome)
}

func TestLedgerFailureDoesNotUndoRedemption(t *testing.T) {
	f := newFixture(t, "482913")
	issue(t, f, "sess")
	f.ledger.err = errors.New("queue down")

	res := verify(t, f, "sess", "stuA", "482913", at(1))
	assert.Equal(t, otp.OutcomeAccepted, res.Outcome)

	_, err := f.store.Redemption(context.Background(), otp.RedemptionKey{SessionID: "sess", SubjectID: "stuA", Generation: 1})
	assert.NoError(t, err)
}

func TestStoreFailureIsTransient(t *testing.T) {
	st := &faultyStore{CredentialStore: store.NewMemory(), currentErr: errors.New("i/o timeout")}
	v := NewVerifier(st, clock.NewFake(t0), nil, nil, time.Second)

	_, err := v.Verify(context.Background(), "sess", "stuA", "482913", at(1))
	assert.True(t, otp.IsTransient(err))

	mem := store.NewMemory()
	require.NoError(t, mem.Replace(context.Background(), otp.Credential{
		SessionID: "sess", Code: "482913", IssuedAt: t0, ExpiresAt: at(30), Generation: 1,
	}, 0))
	st = &faultyStore{CredentialStore: mem, redeemErr: errors.New("broken pipe")}
	v = NewVerifier(st, clock.NewFake(t0), nil, nil, time.Second)
	_, err = v.Verify(context.Background(), "sess", "stuA", "482913", at(1))
	assert.True(t, otp.IsTransient(err))
}

func TestVerifyCodeUsesServerClock(t *testing.T) {
	f := newFixture(t, "482913")
	issue(t, f, "sess")
	f.clock.Set(at(40))

	// a client claiming an early timestamp cannot extend the window
	res, err := f.verifier.VerifyCode(context.Background(), otp.VerifyRequest{
		SessionID: "sess", SubjectID: "stuA", Code: "482913", ClientTimestamp: at(5),
	})
	require.NoError(t, err)
	assert.Equal(t, otp.OutcomeRejectedExpired, res.Outcome)
}

func TestEveryAcceptHasOneRecord(t *testing.T) {
	f := newFixture(t, "111111", "222222", "333333")
	ctx := context.Background()
	accepted := map[otp.RedemptionKey]bool{}

	for round, code := range []string{"111111", "222222", "333333"} {
		f.clock.Set(at(round * 10))
		issue(t, f, "sess")
		for _, sub := range []string{"stuA", "stuB"} {
			for try := 0; try < 2; try++ {
				res := verify(t, f, "sess", sub, code, at(round*10+1))
				if res.Outcome.Accepted() {
					key := otp.RedemptionKey{SessionID: "sess", SubjectID: sub, Generation: res.Generation}
					assert.False(t, accepted[key])
					accepted[key] = true
				}
			}
		}
	}

	recs, err := f.store.Redemptions(ctx, "sess")
	require.NoError(t, err)
	assert.Len(t, recs, len(accepted))
	for key := range accepted {
		_, err := f.store.Redemption(ctx, key)
		assert.NoError(t, err)
	}
}

package attendance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otpattend/internal/clock"
	"otpattend/internal/otp"
	"otpattend/internal/store"
)

func TestServiceRoundTrip(t *testing.T) {
	clk := clock.NewFake(t0)
	svc, err := NewService(store.NewMemory(), clk, nil, Options{TTL: 30 * time.Second, MaxInvalid: 5, StoreTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, otp.DefaultDigits, svc.Digits())
	ctx := context.Background()

	_, err = svc.ActiveCredential(ctx, "sess")
	assert.ErrorIs(t, err, otp.ErrNotFound)

	cred, err := svc.IssueCredential(ctx, "sess")
	require.NoError(t, err)
	assert.True(t, otp.ValidFormat(cred.Code, 6))

	active, err := svc.ActiveCredential(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, cred.Generation, active.Generation)

	clk.Advance(10 * time.Second)
	res, err := svc.VerifyCode(ctx, otp.VerifyRequest{SessionID: "sess", SubjectID: "stuA", Code: cred.Code})
	require.NoError(t, err)
	assert.Equal(t, otp.OutcomeAccepted, res.Outcome)

	rec, err := svc.Redemption(ctx, otp.RedemptionKey{SessionID: "sess", SubjectID: "stuA", Generation: cred.Generation})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(10*time.Second), rec.RedeemedAt)

	recs, err := svc.Redemptions(ctx, "sess")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	hist, err := svc.History(ctx, "sess")
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	clk.Advance(25 * time.Second)
	_, err = svc.ActiveCredential(ctx, "sess")
	assert.ErrorIs(t, err, otp.ErrNotFound)
}

func TestServiceRejectsBadDigits(t *testing.T) {
	_, err := NewService(store.NewMemory(), clock.System{}, nil, Options{Digits: 2})
	assert.Error(t, err)
}

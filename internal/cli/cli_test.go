package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otpattend/internal/attendance"
	"otpattend/internal/auth"
	"otpattend/internal/checkin"
	"otpattend/internal/clock"
	"otpattend/internal/handler"
	"otpattend/internal/otp"
	"otpattend/internal/store"
)

const (
	signingKey = "cli-test-key"
	issuer     = "otpattend-test"
)

type testServer struct {
	url   string
	clock *clock.Fake
}

func newServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clk := clock.NewFake(time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC))
	svc, err := attendance.NewService(store.NewMemory(), clk, nil, attendance.Options{StoreTimeout: time.Second})
	require.NoError(t, err)
	r := gin.New()
	handler.New(svc, nil).Mount(r, auth.Authenticate(signingKey, issuer))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{url: srv.URL, clock: clk}
}

func token(t *testing.T, subject, role string) string {
	t.Helper()
	tok, _, err := auth.Issue(subject, role, issuer, signingKey, time.Hour)
	require.NoError(t, err)
	return tok
}

func run(t *testing.T, clk clock.Clock, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(clk)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func issue(t *testing.T, s *testServer, session string) otp.Credential {
	t.Helper()
	out, err := run(t, s.clock, "", "--server", s.url, "--token", token(t, "prof", auth.RoleInstructor), "--format", "json", "issue", session)
	require.NoError(t, err, out)
	var cred otp.Credential
	require.NoError(t, json.Unmarshal([]byte(out), &cred))
	return cred
}

func TestIssueAndVerify(t *testing.T) {
	s := newServer(t)
	cred := issue(t, s, "S1")
	require.Len(t, cred.Code, otp.DefaultDigits)

	student := token(t, "stuA", auth.RoleStudent)
	local := clock.NewFake(time.Now())

	out, err := run(t, local, cred.Code+"\n", "--server", s.url, "--token", student, "verify", "S1")
	require.NoError(t, err)
	assert.Contains(t, out, otp.OutcomeAccepted.Message())
	assert.Contains(t, out, "30s left")

	out, err = run(t, local, cred.Code+"\n", "--server", s.url, "--token", student, "verify", "S1")
	assert.True(t, IsRejected(err))
	assert.Contains(t, out, otp.OutcomeRejectedAlreadyRedeemed.Message())
}

func TestVerifyIgnoresSeparators(t *testing.T) {
	s := newServer(t)
	cred := issue(t, s, "S1")
	spaced := cred.Code[:3] + " " + cred.Code[3:4] + "\n" + cred.Code[4:] + "\n"

	out, err := run(t, clock.NewFake(time.Now()), spaced, "--server", s.url, "--token", token(t, "stuA", auth.RoleStudent), "--format", "json", "verify", "S1")
	require.NoError(t, err)
	var res verifyOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, checkin.StateAccepted.String(), res.State)
}

func TestVerifyWithoutActiveCode(t *testing.T) {
	s := newServer(t)
	out, err := run(t, s.clock, "", "--server", s.url, "--token", token(t, "stuA", auth.RoleStudent), "verify", "S1")
	assert.True(t, IsRejected(err))
	assert.Contains(t, out, otp.OutcomeRejectedNoActiveCredential.Message())
}

func TestVerifyInputClosedEarly(t *testing.T) {
	s := newServer(t)
	issue(t, s, "S1")
	_, err := run(t, clock.NewFake(time.Now()), "12", "--server", s.url, "--token", token(t, "stuA", auth.RoleStudent), "verify", "S1")
	require.Error(t, err)
	assert.False(t, IsRejected(err))
}

func TestStatus(t *testing.T) {
	s := newServer(t)
	issue(t, s, "S1")
	s.clock.Advance(10 * time.Second)
	out, err := run(t, s.clock, "", "--server", s.url, "--token", token(t, "stuA", auth.RoleStudent), "status", "S1")
	require.NoError(t, err)
	assert.Contains(t, out, "generation 1, 20s left")
}

func TestStudentCannotIssue(t *testing.T) {
	s := newServer(t)
	_, err := run(t, s.clock, "", "--server", s.url, "--token", token(t, "stuA", auth.RoleStudent), "issue", "S1")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), otp.ErrUnauthorized.Error()))
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, clock.System{}, "", "--format", "xml", "status", "S1")
	require.Error(t, err)
}

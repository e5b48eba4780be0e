package checkin

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"otpattend/internal/clock"
	"otpattend/internal/otp"
)

var (
	ErrNotAccepting = errors.New("checkin: attempt is not accepting input")
	ErrNotDigit     = errors.New("checkin: not a digit")
	ErrIncomplete   = errors.New("checkin: code incomplete")
)

// Verifier is the server side of a check-in.
type Verifier interface {
	VerifyCode(ctx context.Context, req otp.VerifyRequest) (otp.VerifyResult, error)
}

// Config describes the attempt being made.
type Config struct {
	SessionID string
	SubjectID string
	// ExpiresAt drives the advisory countdown only. Zero means unknown:
	// no local expiry, and the server decides.
	ExpiresAt time.Time
	Digits    int
	// MaxRetries caps retries of transient verifier failures.
	MaxRetries   uint64
	RetryInitial time.Duration
}

// Attempt is one submission cycle.
type Attempt struct {
	EnteredCode string
	SubmittedAt time.Time
	Outcome     otp.Outcome
	Err         error
}

// Controller is the check-in state machine. It is safe for concurrent use;
// a UI loop may call Tick while another goroutine submits.
type Controller struct {
	mu       sync.Mutex
	cfg      Config
	verifier Verifier
	clock    clock.Clock

	state   State
	digits  []byte
	attempt Attempt
}

// New starts an attempt in StateIdle.
func New(v Verifier, clk clock.Clock, cfg Config) *Controller {
	if cfg.Digits <= 0 {
		cfg.Digits = otp.DefaultDigits
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 200 * time.Millisecond
	}
	c := &Controller{cfg: cfg, verifier: v, clock: clk}
	c.reset(cfg.ExpiresAt)
	return c
}

func (c *Controller) reset(expiresAt time.Time) {
	c.cfg.ExpiresAt = expiresAt
	c.state = StateIdle
	c.digits = make([]byte, 0, c.cfg.Digits)
	c.attempt = Attempt{Outcome: otp.OutcomePending}
}

// Restart begins a fresh attempt, for example after a new code was issued.
// It fails while a submission is in flight.
func (c *Controller) Restart(expiresAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateSubmitting {
		return ErrNotAccepting
	}
	c.reset(expiresAt)
	return nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Code returns the digits typed so far.
func (c *Controller) Code() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.digits)
}

// Attempt returns the current attempt.
func (c *Controller) Attempt() Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Remaining is the countdown, recomputed from the clock on every call.
func (c *Controller) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return otp.Remaining(c.cfg.ExpiresAt, c.clock.Now())
}

// Tick applies the local expiry fast-path and returns the resulting state.
func (c *Controller) Tick() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickLocked()
	return c.state
}

func (c *Controller) tickLocked() {
	if c.state != StateIdle && c.state != StateEntering {
		return
	}
	// same boundary as the server: expiresAt itself is still valid
	if c.cfg.ExpiresAt.IsZero() || !c.clock.Now().After(c.cfg.ExpiresAt) {
		return
	}
	c.state = StateRejectedExpired
	c.attempt.EnteredCode = string(c.digits)
	c.attempt.Outcome = otp.OutcomeRejectedExpired
}

// Enter types one digit. Filling the last position submits automatically.
func (c *Controller) Enter(ctx context.Context, d rune) (State, error) {
	c.mu.Lock()
	c.tickLocked()
	if c.state != StateIdle && c.state != StateEntering {
		s := c.state
		c.mu.Unlock()
		return s, ErrNotAccepting
	}
	if d < '0' || d > '9' {
		s := c.state
		c.mu.Unlock()
		return s, ErrNotDigit
	}
	if len(c.digits) < c.cfg.Digits {
		c.digits = append(c.digits, byte(d))
	}
	c.state = StateEntering
	if len(c.digits) < c.cfg.Digits {
		c.mu.Unlock()
		return StateEntering, nil
	}
	return c.submitLocked(ctx)
}

// Backspace removes the last digit.
func (c *Controller) Backspace() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickLocked()
	if c.state == StateEntering && len(c.digits) > 0 {
		c.digits = c.digits[:len(c.digits)-1]
		if len(c.digits) == 0 {
			c.state = StateIdle
		}
	}
	return c.state
}

// Submit sends the entered code. The code must be complete.
func (c *Controller) Submit(ctx context.Context) (State, error) {
	c.mu.Lock()
	c.tickLocked()
	if c.state != StateEntering {
		s := c.state
		c.mu.Unlock()
		return s, ErrNotAccepting
	}
	if len(c.digits) != c.cfg.Digits {
		c.mu.Unlock()
		return StateEntering, ErrIncomplete
	}
	return c.submitLocked(ctx)
}

// submitLocked is entered with c.mu held and releases it around the call.
func (c *Controller) submitLocked(ctx context.Context) (State, error) {
	now := c.clock.Now()
	req := otp.VerifyRequest{
		SessionID:       c.cfg.SessionID,
		SubjectID:       c.cfg.SubjectID,
		Code:            string(c.digits),
		ClientTimestamp: now,
	}
	c.state = StateSubmitting
	c.attempt = Attempt{EnteredCode: req.Code, SubmittedAt: now, Outcome: otp.OutcomePending}
	c.mu.Unlock()

	res, err := c.verify(ctx, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case ctx.Err() != nil:
		// the server may or may not have committed; the result is discarded
		c.state = StateAbandoned
		c.attempt.Err = ctx.Err()
		return c.state, ctx.Err()
	case err != nil:
		c.state = StateFailed
		c.attempt.Err = err
		return c.state, err
	}
	c.attempt.Outcome = res.Outcome
	c.state = stateFor(res.Outcome)
	return c.state, nil
}

func (c *Controller) verify(ctx context.Context, req otp.VerifyRequest) (otp.VerifyResult, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitial
	b.MaxElapsedTime = 0
	return backoff.RetryWithData(func() (otp.VerifyResult, error) {
		res, err := c.verifier.VerifyCode(ctx, req)
		if err != nil && !otp.IsTransient(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.MaxRetries), ctx))
}

// Message is the text to show for the current state.
func (c *Controller) Message() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return MessageFor(c.state)
}

// MessageFor maps a state to its user-facing text. Non-terminal states have
// no message except StateSubmitting.
func MessageFor(s State) string {
	switch s {
	case StateSubmitting:
		return otp.OutcomePending.Message()
	case StateAccepted:
		return otp.OutcomeAccepted.Message()
	case StateRejectedExpired:
		return otp.OutcomeRejectedExpired.Message()
	case StateRejectedInvalid:
		return otp.OutcomeRejectedInvalid.Message()
	case StateRejectedAlreadyRedeemed:
		return otp.OutcomeRejectedAlreadyRedeemed.Message()
	case StateRejectedNoActiveCredential:
		return otp.OutcomeRejectedNoActiveCredential.Message()
	case StateRejectedLockedOut:
		return otp.OutcomeRejectedLockedOut.Message()
	case StateFailed:
		return failedMessage
	case StateAbandoned:
		return abandonedMessage
	default:
		return ""
	}
}

package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"otpattend/internal/checkin"
	"otpattend/internal/otp"
)

type verifyOptions struct {
	digits  int
	retries uint64
}

type verifyOutput struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Message   string `json:"message"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &verifyOptions{}
	cmd := &cobra.Command{
		Use:   "verify <session-id>",
		Short: "Enter a session code to check in (student)",
		Long: `Read a session code from stdin and submit it as soon as every digit is entered.

Non-digit characters are ignored. The countdown shown in the prompt is advisory;
the server decides expiry.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(rootOpts, opts, args[0], cmd)
		},
	}
	cmd.Flags().IntVar(&opts.digits, "digits", otp.DefaultDigits, "code length")
	cmd.Flags().Uint64Var(&opts.retries, "retries", 3, "retries on transient failures")
	return cmd
}

func runVerify(rootOpts *RootOptions, opts *verifyOptions, sessionID string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	api := rootOpts.client()
	out := cmd.OutOrStdout()

	var expiresAt time.Time
	active, err := api.ActiveCredential(ctx, sessionID)
	switch {
	case errors.Is(err, otp.ErrNotFound):
		return report(rootOpts, out, sessionID, checkin.StateRejectedNoActiveCredential)
	case err != nil:
		return err
	default:
		expiresAt = localExpiry(rootOpts, active.RemainingMS)
	}

	ctl := checkin.New(api, rootOpts.clock, checkin.Config{
		SessionID:  sessionID,
		ExpiresAt:  expiresAt,
		Digits:     opts.digits,
		MaxRetries: opts.retries,
	})

	in := bufio.NewReader(cmd.InOrStdin())
	for !ctl.Tick().Terminal() {
		if rootOpts.Format == "text" {
			fmt.Fprintf(out, "Enter %d-digit code (%ds left): ", opts.digits, int(ctl.Remaining().Seconds()))
		}
		line, readErr := in.ReadString('\n')
		for _, r := range line {
			if _, err := ctl.Enter(ctx, r); errors.Is(err, checkin.ErrNotAccepting) {
				break
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) && !ctl.State().Terminal() {
				return errors.New("input closed before the code was complete")
			}
			if !errors.Is(readErr, io.EOF) {
				return readErr
			}
		}
	}
	return report(rootOpts, out, sessionID, ctl.State())
}

// localExpiry anchors the server's remaining time to the local clock so a
// skewed device clock does not distort the countdown.
func localExpiry(rootOpts *RootOptions, remainingMS int64) time.Time {
	return rootOpts.clock.Now().Add(time.Duration(remainingMS) * time.Millisecond)
}

func report(rootOpts *RootOptions, w io.Writer, sessionID string, s checkin.State) error {
	if rootOpts.Format == "json" {
		if err := rootOpts.writeJSON(w, verifyOutput{SessionID: sessionID, State: s.String(), Message: checkin.MessageFor(s)}); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(w)
		fmt.Fprintln(w, checkin.MessageFor(s))
	}
	if s != checkin.StateAccepted {
		return errRejected
	}
	return nil
}

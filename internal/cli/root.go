package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"otpattend/internal/client"
	"otpattend/internal/clock"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server string
	Token  string
	Format string // "json" | "text"

	clock clock.Clock
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// errRejected marks a check-in that finished without recording attendance.
// The outcome message is already printed.
var errRejected = errors.New("check-in not accepted")

// NewRootCommand creates the root command for the check-in CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(clock.System{})
}

func newRootCommand(clk clock.Clock) *cobra.Command {
	opts := &RootOptions{clock: clk}

	cmd := &cobra.Command{
		Use:   "checkin",
		Short: "Session attendance by one-time code",
		// main prints errors so rejections can exit quietly
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.Server == "" {
				return errors.New("--server is required")
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Server, "server", envOr("OTPATTEND_SERVER", "http://localhost:8081"), "API base URL")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv("OTPATTEND_TOKEN"), "bearer token")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewIssueCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))

	return cmd
}

// IsRejected reports whether err only signals a non-accepted outcome.
func IsRejected(err error) bool {
	return errors.Is(err, errRejected)
}

func (o *RootOptions) client() *client.Client {
	return client.New(o.Server, o.Token)
}

func (o *RootOptions) writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

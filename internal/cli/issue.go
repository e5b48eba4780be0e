package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// NewIssueCommand creates the issue command.
func NewIssueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "issue <session-id>",
		Short:        "Issue a fresh code for a session (instructor)",
		Long:         "Issue a fresh code for a session. Any earlier code of the session stops working immediately.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cred, err := rootOpts.client().IssueCredential(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return rootOpts.writeJSON(cmd.OutOrStdout(), cred)
			}
			remaining := cred.Remaining(rootOpts.clock.Now()).Round(time.Second)
			fmt.Fprintf(cmd.OutOrStdout(), "session %s code %s (generation %d, valid for %s)\n",
				cred.SessionID, cred.Code, cred.Generation, remaining)
			return nil
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "status <session-id>",
		Short:        "Show the active code's generation and time left",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			active, err := rootOpts.client().ActiveCredential(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return rootOpts.writeJSON(cmd.OutOrStdout(), active)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s generation %d, %ds left\n",
				active.SessionID, active.Generation, active.RemainingMS/1000)
			return nil
		},
	}
}

package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewCompleteCommand creates the "complete" cobra command.
func NewCompleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <attempt-id>",
		Short: "Mark an attempt's task as completed",
		Long: `Mark the attempt completed. When the owning project's
release-ports-on-completion flag is on (the default), its ports are
released as well; otherwise they stay assigned until the environment is
removed or released explicitly.

Examples:
  worktree-env complete 3f6c1e2a-8d4b-4c47-9a55-0d3b4c1e9f10
  worktree-env project set-release-on-completion false`,

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			return runComplete(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func runComplete(ctx context.Context, out io.Writer, attemptID string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	released, err := a.releaser().OnTaskCompleted(ctx, attemptID)
	if err != nil {
		return failure(fmt.Sprintf("failed to complete attempt %s", attemptID), err)
	}

	if IsJSONOutput() {
		return writeJSON(out, map[string]interface{}{
			"attemptId":     attemptID,
			"action":        "completed",
			"portsReleased": released,
		})
	}

	if released {
		fmt.Fprintf(out, "Completed attempt %s; ports released\n", attemptID)
	} else {
		fmt.Fprintf(out, "Completed attempt %s; ports kept (project keeps ports after completion)\n", attemptID)
	}
	return nil
}

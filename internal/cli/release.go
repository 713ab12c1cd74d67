package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/worktree-env/internal/model"
)

// NewReleaseCommand creates the "release" cobra command.
func NewReleaseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "release <attempt-id>",
		Short: "Return an attempt's ports to the pool",
		Long: `Clear the ports assigned to an attempt so other attempts may use them.

The attempt and its worktree are left untouched; only the ledger entry is
cleared. Releasing an attempt that holds no ports succeeds.

Examples:
  worktree-env release 3f6c1e2a-8d4b-4c47-9a55-0d3b4c1e9f10`,

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelease(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func runRelease(ctx context.Context, out io.Writer, attemptID string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	held, err := a.releaser().Release(ctx, attemptID)
	if err != nil {
		return failure(fmt.Sprintf("failed to release attempt %s", attemptID), err)
	}

	if IsJSONOutput() {
		if held == nil {
			held = model.PortMap{}
		}
		return writeJSON(out, struct {
			AttemptID string        `json:"attemptId"`
			Action    string        `json:"action"`
			Released  model.PortMap `json:"released"`
		}{attemptID, "released", held})
	}

	if len(held) == 0 {
		fmt.Fprintf(out, "Attempt %s held no ports\n", attemptID)
		return nil
	}
	fmt.Fprintf(out, "Released %d port(s) from attempt %s: %s\n", len(held), attemptID, FormatPortsList(held))
	return nil
}

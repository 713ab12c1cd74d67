// Package cli — list.go implements the "worktree-env list" command.
//
// The list command displays the attempts recorded in the port ledger as a
// text table or JSON array. An optional --status flag filters by lifecycle
// state.
package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/worktree-env/internal/ledger"
	"github.com/mmr-tortoise/worktree-env/internal/logging"
	"github.com/mmr-tortoise/worktree-env/internal/model"
)

// listFlags holds the flag values for the list command.
type listFlags struct {
	// status filters attempts by lifecycle state: active, completed,
	// deleted or all.
	status string
}

// NewListCommand creates the "list" cobra command.
func NewListCommand() *cobra.Command {
	flags := &listFlags{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List task attempts",
		Long: `List the task attempts recorded in the port ledger.

Each attempt is shown with its ID, branch, lifecycle status, assigned
ports and worktree path. Deleted attempts are hidden unless requested
with --status deleted or --status all.

Examples:
  worktree-env list
  worktree-env list --status completed
  worktree-env list --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.status, "status", "",
		"Filter by status: active, completed, deleted, all (default: active and completed)")

	return cmd
}

func runList(ctx context.Context, out io.Writer, flags *listFlags) error {
	var filter ledger.Filter
	switch flags.status {
	case "", "all":
	default:
		status, err := model.ParseAttemptStatus(flags.status)
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError,
				fmt.Sprintf("invalid status filter %q: valid values are active, completed, deleted, all", flags.status), nil)
		}
		filter.Status = status
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	attempts, err := a.store.ListAttempts(ctx, filter)
	if err != nil {
		return failure("failed to list attempts", err)
	}
	if flags.status == "" {
		attempts = withoutDeleted(attempts)
	}
	logging.Debug("attempts listed", "count", len(attempts), "status", flags.status)

	printListResult(out, attempts)
	return nil
}

func withoutDeleted(attempts []*model.Attempt) []*model.Attempt {
	kept := attempts[:0]
	for _, a := range attempts {
		if a.Status != model.StatusDeleted {
			kept = append(kept, a)
		}
	}
	return kept
}

// listAttemptJSON is the JSON output structure for a single attempt.
type listAttemptJSON struct {
	ID            string        `json:"id"`
	ProjectID     string        `json:"projectId"`
	Branch        string        `json:"branch"`
	Status        string        `json:"status"`
	WorktreePath  string        `json:"worktreePath"`
	AssignedPorts model.PortMap `json:"assignedPorts"`
	CreatedAt     string        `json:"createdAt"`
}

func printListResult(w io.Writer, attempts []*model.Attempt) {
	if IsJSONOutput() {
		printListResultJSON(w, attempts)
	} else {
		printListResultText(w, attempts)
	}
}

// printListResultJSON writes {"attempts": [...]}. An empty result is []
// rather than null.
func printListResultJSON(w io.Writer, attempts []*model.Attempt) {
	result := struct {
		Attempts []listAttemptJSON `json:"attempts"`
	}{Attempts: make([]listAttemptJSON, 0, len(attempts))}

	for _, a := range attempts {
		ports, err := a.Ports()
		if err != nil || ports == nil {
			ports = model.PortMap{}
		}
		result.Attempts = append(result.Attempts, listAttemptJSON{
			ID:            a.ID,
			ProjectID:     a.ProjectID,
			Branch:        a.Branch,
			Status:        a.Status.String(),
			WorktreePath:  a.WorktreePath,
			AssignedPorts: ports,
			CreatedAt:     a.CreatedAt.Format(time.RFC3339),
		})
	}
	_ = writeJSON(w, result)
}

// printListResultText writes an aligned table:
//
//	ID        BRANCH               STATUS     PORTS              PATH
//	3f6c1e2a  feature/auth         active     41235,52011        /src/app-feature-auth
func printListResultText(w io.Writer, attempts []*model.Attempt) {
	if len(attempts) == 0 {
		fmt.Fprintln(w, "No attempts found.")
		return
	}

	fmt.Fprintf(w, "%-9s %-20s %-10s %-18s %s\n", "ID", "BRANCH", "STATUS", "PORTS", "PATH")
	for _, a := range attempts {
		ports, err := a.Ports()
		portsStr := FormatPortsList(ports)
		if err != nil {
			portsStr = "?"
		}
		fmt.Fprintf(w, "%-9s %-20s %-10s %-18s %s\n",
			shortID(a.ID), a.Branch, a.Status.String(), portsStr, a.WorktreePath)
	}
}

// FormatPortsList converts a port map into a comma-separated string of
// ports in ascending numeric order. Returns "-" if the map is empty.
//
// Example:
//
//	{"WEB_PORT": 13000, "DB_PORT": 5432} → "5432,13000"
//	{}                                    → "-"
func FormatPortsList(ports model.PortMap) string {
	if len(ports) == 0 {
		return "-"
	}
	// Sorted numerically: lexicographic order would put "13000" before "5432".
	return joinPorts(ports.Ports().Sorted())
}

// shortID abbreviates a UUID to its first block.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

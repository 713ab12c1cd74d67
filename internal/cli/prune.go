package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/worktree-env/internal/ledger"
	"github.com/mmr-tortoise/worktree-env/internal/logging"
	"github.com/mmr-tortoise/worktree-env/internal/model"
)

type pruneFlags struct {
	dryRun bool
}

// NewPruneCommand creates the "prune" cobra command.
func NewPruneCommand() *cobra.Command {
	flags := &pruneFlags{}

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Retire attempts whose worktree no longer exists",
		Long: `Find attempts whose worktree directory was deleted outside this tool,
mark them deleted and release their ports. Git's own worktree metadata is
pruned in every affected repository.

Examples:
  worktree-env prune --dry-run
  worktree-env prune`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Only report orphaned attempts")

	return cmd
}

// prunedAttempt is one orphaned attempt found by prune.
type prunedAttempt struct {
	AttemptID    string        `json:"attemptId"`
	Branch       string        `json:"branch"`
	WorktreePath string        `json:"worktreePath"`
	Released     model.PortMap `json:"released"`
}

func runPrune(ctx context.Context, out io.Writer, flags *pruneFlags) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	attempts, err := a.store.ListAttempts(ctx, ledger.Filter{})
	if err != nil {
		return failure("failed to list attempts", err)
	}

	orphans, err := findOrphans(attempts)
	if err != nil {
		return err
	}

	pruned := make([]prunedAttempt, 0, len(orphans))
	repos := make(map[string]struct{})
	for _, o := range orphans {
		entry := prunedAttempt{AttemptID: o.ID, Branch: o.Branch, WorktreePath: o.WorktreePath}
		if flags.dryRun {
			entry.Released, _ = o.Ports()
		} else {
			released, err := a.releaser().OnEnvironmentDeleted(ctx, o.ID)
			if err != nil {
				return failure(fmt.Sprintf("failed to retire attempt %s", o.ID), err)
			}
			entry.Released = released
			if p, err := a.store.GetProject(ctx, o.ProjectID); err == nil {
				repos[p.RepoPath] = struct{}{}
			}
		}
		if entry.Released == nil {
			entry.Released = model.PortMap{}
		}
		pruned = append(pruned, entry)
	}

	for repo := range repos {
		if err := a.worktrees.Prune(ctx, repo); err != nil {
			logging.Warn("git worktree prune failed", "repo", repo, "error", err)
		}
	}

	if IsJSONOutput() {
		return writeJSON(out, map[string]interface{}{
			"dryRun": flags.dryRun,
			"pruned": pruned,
		})
	}

	if len(pruned) == 0 {
		fmt.Fprintln(out, "No orphaned attempts.")
		return nil
	}
	verb := "Retired"
	if flags.dryRun {
		verb = "Would retire"
	}
	for _, p := range pruned {
		fmt.Fprintf(out, "%s attempt %s (%s): %s missing, ports %s\n",
			verb, shortID(p.AttemptID), p.Branch, p.WorktreePath, FormatPortsList(p.Released))
	}
	return nil
}

// findOrphans returns the non-deleted attempts whose worktree directory is
// gone.
func findOrphans(attempts []*model.Attempt) ([]*model.Attempt, error) {
	var orphans []*model.Attempt
	for _, a := range attempts {
		if a.Status == model.StatusDeleted {
			continue
		}
		_, err := os.Stat(a.WorktreePath)
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist):
			orphans = append(orphans, a)
		default:
			return nil, model.WrapCLIError(model.ExitGeneralError, fmt.Sprintf("failed to check %s", a.WorktreePath), err)
		}
	}
	return orphans, nil
}

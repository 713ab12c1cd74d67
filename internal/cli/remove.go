// Package cli — remove.go implements the "worktree-env remove" command.
//
// The remove command tears down an attempt's isolated environment:
//  1. Remove the Git worktree directory (unless --keep-worktree)
//  2. Mark the attempt deleted in the ledger
//  3. Release the ports it held
//
// By default, the command prompts for confirmation before proceeding.
// The --force flag skips the prompt.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/worktree-env/internal/logging"
	"github.com/mmr-tortoise/worktree-env/internal/model"
)

// removeFlags holds the flag values for the remove command.
type removeFlags struct {
	// force skips the interactive confirmation prompt.
	force bool

	// keepWorktree leaves the worktree directory on disk.
	keepWorktree bool
}

// NewRemoveCommand creates the "remove" cobra command.
func NewRemoveCommand() *cobra.Command {
	flags := &removeFlags{}

	cmd := &cobra.Command{
		Use:   "remove <attempt-id>",
		Short: "Remove an attempt's environment and release its ports",
		Long: `Remove an attempt's Git worktree, mark the attempt deleted and release
its ports.

Use --keep-worktree to leave the directory on disk; the attempt is still
retired and its ports returned to the pool. Unless --force is specified,
the command prompts for confirmation.

Examples:
  worktree-env remove 3f6c1e2a-8d4b-4c47-9a55-0d3b4c1e9f10
  worktree-env remove --force 3f6c1e2a-8d4b-4c47-9a55-0d3b4c1e9f10
  worktree-env remove --keep-worktree 3f6c1e2a-8d4b-4c47-9a55-0d3b4c1e9f10`,

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemove(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), args[0], flags)
		},
	}

	cmd.Flags().BoolVarP(&flags.force, "force", "f", false, "Remove without confirmation")
	cmd.Flags().BoolVar(&flags.keepWorktree, "keep-worktree", false, "Keep Git worktree directory")

	return cmd
}

func runRemove(ctx context.Context, in io.Reader, out io.Writer, attemptID string, flags *removeFlags) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	attempt, err := a.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return failure(fmt.Sprintf("failed to load attempt %s", attemptID), err)
	}
	held, err := attempt.Ports()
	if err != nil {
		logging.Warn("attempt has unreadable assigned ports", "attempt", attemptID, "error", err)
	}

	_, statErr := os.Stat(attempt.WorktreePath)
	worktreeExists := statErr == nil
	removeWorktree := worktreeExists && !flags.keepWorktree

	if !flags.force {
		confirmed, err := promptConfirmation(in, out, attempt, held, removeWorktree)
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to read user input", err)
		}
		if !confirmed {
			return model.NewCLIError(model.ExitUserCancelled, "operation cancelled by user")
		}
	}

	if removeWorktree {
		project, err := a.store.GetProject(ctx, attempt.ProjectID)
		if err != nil {
			return failure(fmt.Sprintf("failed to load project for attempt %s", attemptID), err)
		}
		logging.Debug("removing worktree", "path", attempt.WorktreePath, "repo", project.RepoPath)

		// The rendered .env is untracked, so removal is always forced.
		if err := a.worktrees.Remove(ctx, project.RepoPath, attempt.WorktreePath, true); err != nil {
			if _, statErr := os.Stat(attempt.WorktreePath); statErr == nil {
				return model.WrapCLIError(model.ExitGitError,
					fmt.Sprintf("failed to remove Git worktree at %s", attempt.WorktreePath), err)
			} else if !errors.Is(statErr, os.ErrNotExist) {
				return model.WrapCLIError(model.ExitGeneralError,
					fmt.Sprintf("failed to check %s", attempt.WorktreePath), statErr)
			}
			logging.Warn("worktree directory already gone", "path", attempt.WorktreePath, "error", err)
		}
	}

	released, err := a.releaser().OnEnvironmentDeleted(ctx, attemptID)
	if err != nil {
		return failure(fmt.Sprintf("failed to retire attempt %s", attemptID), err)
	}

	printRemoveResult(out, attempt, released, removeWorktree)
	return nil
}

// promptConfirmation asks the user to confirm the remove operation. It
// reads a single line from in and accepts "y" or "yes".
func promptConfirmation(in io.Reader, out io.Writer, attempt *model.Attempt, held model.PortMap, removeWorktree bool) (bool, error) {
	fmt.Fprintf(out, "About to remove attempt %s (%s):\n", attempt.ID, attempt.Branch)
	fmt.Fprintf(out, "  - %d port(s) will be released\n", len(held))
	if removeWorktree {
		fmt.Fprintf(out, "  - Git worktree at %s will be removed\n", attempt.WorktreePath)
	}
	fmt.Fprint(out, "\nContinue? [y/N] ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return answer == "y" || answer == "yes", nil
	}

	// A closed stdin counts as "no".
	if err := scanner.Err(); err != nil {
		return false, err
	}
	return false, nil
}

func printRemoveResult(w io.Writer, attempt *model.Attempt, released model.PortMap, worktreeRemoved bool) {
	if IsJSONOutput() {
		if released == nil {
			released = model.PortMap{}
		}
		_ = writeJSON(w, map[string]interface{}{
			"attemptId":       attempt.ID,
			"action":          "removed",
			"released":        released,
			"worktreeRemoved": worktreeRemoved,
			"worktreePath":    attempt.WorktreePath,
		})
		return
	}

	fmt.Fprintf(w, "Removed attempt %s\n", attempt.ID)
	fmt.Fprintf(w, "  Released %d port(s)\n", len(released))
	if worktreeRemoved {
		fmt.Fprintf(w, "  Removed git worktree at %s\n", attempt.WorktreePath)
	}
}

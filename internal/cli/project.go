package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/worktree-env/internal/model"
)

// NewProjectCommand creates the "project" command group.
func NewProjectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Show or change the current repository's project settings",
		Args:  cobra.NoArgs,
	}
	cmd.AddCommand(newProjectShowCommand())
	cmd.AddCommand(newProjectSetReleaseCommand())
	return cmd
}

func newProjectShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the project record and configuration",
		Long: `Show the ledger record for the current repository together with the
settings read from its .worktree-env.json.

Examples:
  worktree-env project show
  worktree-env -C ~/src/app project show --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runProjectShow(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func newProjectSetReleaseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set-release-on-completion <true|false>",
		Short: "Choose whether completing a task releases its ports",
		Long: `Set the project's release-ports-on-completion flag. When true (the
default), "complete" releases the attempt's ports; when false they stay
assigned until the environment is removed.

Examples:
  worktree-env project set-release-on-completion false`,

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, err := strconv.ParseBool(args[0])
			if err != nil {
				return model.NewCLIError(model.ExitGeneralError, fmt.Sprintf("invalid value %q: expected true or false", args[0]))
			}
			return runProjectSetRelease(cmd.Context(), cmd.OutOrStdout(), enabled)
		},
	}
}

func runProjectShow(ctx context.Context, out io.Writer) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	repo, err := a.repository(ctx)
	if err != nil {
		return err
	}

	// Showing does not register the repository.
	p, err := a.store.FindProjectByRepo(ctx, repo.Root)
	if err != nil && !isNotFound(err) {
		return failure("failed to load project", err)
	}

	r := repo.Config.Range()
	if IsJSONOutput() {
		result := map[string]interface{}{
			"repoPath":   repo.Root,
			"registered": p != nil,
			"template":   repo.Config.Template,
			"envFile":    repo.Config.EnvFile,
			"portRange":  r,
		}
		if p != nil {
			result["id"] = p.ID
			result["name"] = p.Name
			result["releasePortsOnCompletion"] = p.ReleaseOnCompletion()
		}
		return writeJSON(out, result)
	}

	fmt.Fprintf(out, "Repository:  %s\n", repo.Root)
	if p == nil {
		fmt.Fprintln(out, "Project:     (not registered)")
	} else {
		fmt.Fprintf(out, "Project:     %s (%s)\n", p.Name, p.ID)
		fmt.Fprintf(out, "Release on completion: %t\n", p.ReleaseOnCompletion())
	}
	fmt.Fprintf(out, "Template:    %s\n", repo.Config.Template)
	fmt.Fprintf(out, "Env file:    %s\n", repo.Config.EnvFile)
	fmt.Fprintf(out, "Port range:  %s\n", r)
	return nil
}

func runProjectSetRelease(ctx context.Context, out io.Writer, enabled bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	repo, err := a.repository(ctx)
	if err != nil {
		return err
	}
	p, err := a.project(ctx, repo)
	if err != nil {
		return err
	}
	if err := a.store.SetReleasePortsOnCompletion(ctx, p.ID, enabled); err != nil {
		return failure("failed to update project", err)
	}

	if IsJSONOutput() {
		return writeJSON(out, map[string]interface{}{
			"id":                       p.ID,
			"repoPath":                 p.RepoPath,
			"releasePortsOnCompletion": enabled,
		})
	}
	fmt.Fprintf(out, "Project %s: release ports on completion = %t\n", p.Name, enabled)
	return nil
}

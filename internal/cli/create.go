// Package cli — create.go implements the "worktree-env create" command.
//
// The create command orchestrates the full environment creation workflow:
//  1. Resolve the main repository and its project config
//  2. Register the project in the ledger (first use only)
//  3. Create a Git worktree and an attempt record per branch
//  4. Render the .env template into every new worktree concurrently
//  5. Output the assigned ports
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/worktree-env/internal/environment"
	"github.com/mmr-tortoise/worktree-env/internal/logging"
	"github.com/mmr-tortoise/worktree-env/internal/model"
)

// createFlags holds the flag values for the create command.
type createFlags struct {
	// base is the branch new branches are created from.
	base string

	// path overrides the worktree directory. Single branch only.
	path string

	// name overrides the environment name used in the default directory.
	// Single branch only.
	name string
}

// NewCreateCommand creates the "create" cobra command.
func NewCreateCommand() *cobra.Command {
	flags := &createFlags{}

	cmd := &cobra.Command{
		Use:   "create <branch>...",
		Short: "Create isolated environments for one or more branches",
		Long: `Create a Git worktree per branch and render the repository's .env template
into each one.

Each branch becomes a task attempt in the port ledger. Ports assigned by
{{ auto_port() }} are unique across every active attempt on this machine.
Several branches are rendered concurrently.

Examples:
  worktree-env create feature/auth
  worktree-env create --base develop vk/fix-login-bug
  worktree-env create --path ~/src/auth-wt feature/auth
  worktree-env create feature/a feature/b feature/c --json`,

		Args: cobra.MinimumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(cmd.Context(), cmd.OutOrStdout(), args, flags)
		},
	}

	cmd.Flags().StringVar(&flags.base, "base", "", "Base branch for new branches (default: current HEAD)")
	cmd.Flags().StringVar(&flags.path, "path", "", "Worktree directory (single branch only)")
	cmd.Flags().StringVar(&flags.name, "name", "", "Environment name (single branch only, default: derived from branch)")

	return cmd
}

// createdEnv is one environment produced by runCreate.
type createdEnv struct {
	Name    string
	Attempt *model.Attempt
	Outcome *environment.Outcome
}

func runCreate(ctx context.Context, out io.Writer, branches []string, flags *createFlags) error {
	if len(branches) > 1 && (flags.path != "" || flags.name != "") {
		return model.NewCLIError(model.ExitGeneralError, "--path and --name require a single branch")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	repo, err := a.repository(ctx)
	if err != nil {
		return err
	}
	logging.Debug("repository resolved", "root", repo.Root)

	project, err := a.project(ctx, repo)
	if err != nil {
		return err
	}

	// Connect the port sources before touching git so an unreachable
	// Docker daemon leaves nothing behind.
	mat, err := a.materializer(ctx, repo.Config)
	if err != nil {
		return err
	}

	envs := make([]*createdEnv, 0, len(branches))
	reqs := make([]environment.Request, 0, len(branches))
	for _, branch := range branches {
		env, err := createWorktree(ctx, a, repo, project, branch, flags)
		if err != nil {
			if len(envs) > 0 {
				logging.Warn("environments created before the failure are kept", "count", len(envs))
			}
			return err
		}
		envs = append(envs, env)
		reqs = append(reqs, environment.Request{
			AttemptID:    env.Attempt.ID,
			Branch:       env.Attempt.Branch,
			WorktreePath: env.Attempt.WorktreePath,
			ProjectRoot:  repo.Root,
		})
	}

	outcomes, matErr := mat.MaterializeAll(ctx, reqs, a.cfg.Workers)

	var ready []*createdEnv
	for i, env := range envs {
		if outcomes[i] == nil {
			// The environment is not ready; it must not hold ports.
			if _, err := a.releaser().OnEnvironmentDeleted(ctx, env.Attempt.ID); err != nil {
				logging.Error("failed to retire attempt", "attempt", env.Attempt.ID, "error", err)
			}
			logging.Warn("worktree kept for inspection", "path", env.Attempt.WorktreePath)
			continue
		}
		env.Outcome = outcomes[i]
		ready = append(ready, env)
	}

	if len(ready) > 0 {
		if err := printCreateResult(out, ready); err != nil {
			return err
		}
	}
	if matErr != nil {
		return failure("failed to materialize environment", matErr)
	}
	return nil
}

// createWorktree adds the worktree for branch and records its attempt.
func createWorktree(ctx context.Context, a *app, repo *repository, project *model.Project, branch string, flags *createFlags) (*createdEnv, error) {
	branch = strings.TrimSpace(branch)
	if branch == "" {
		return nil, model.NewCLIError(model.ExitGeneralError, "branch name must not be empty")
	}

	name := flags.name
	if name == "" {
		name = sanitizeBranchName(branch)
	}

	path := flags.path
	if path == "" {
		path = repo.Config.WorktreePath(repo.Root, name)
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, "failed to resolve worktree path", err)
	}

	if _, statErr := os.Stat(path); statErr == nil {
		return nil, model.NewCLIError(model.ExitGeneralError, fmt.Sprintf("worktree path %s already exists", path))
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return nil, model.WrapCLIError(model.ExitGeneralError, fmt.Sprintf("failed to check %s", path), statErr)
	}

	logging.Debug("creating worktree", "branch", branch, "path", path, "base", flags.base)
	if err := a.worktrees.Add(ctx, repo.Root, branch, path, flags.base); err != nil {
		return nil, err
	}

	attempt := &model.Attempt{
		ID:           uuid.NewString(),
		ProjectID:    project.ID,
		Branch:       branch,
		WorktreePath: path,
	}
	if err := a.store.CreateAttempt(ctx, attempt); err != nil {
		return nil, failure("failed to record attempt", err)
	}
	logging.Info("attempt created", "attempt", attempt.ID, "branch", branch)

	return &createdEnv{Name: name, Attempt: attempt}, nil
}

// sanitizeBranchName converts a Git branch name to a directory-safe
// environment name. "/" and "_" become "-"; other invalid characters are
// dropped.
func sanitizeBranchName(branch string) string {
	name := strings.ReplaceAll(branch, "/", "-")
	name = strings.ReplaceAll(name, "_", "-")

	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		}
	}
	name = strings.Trim(result.String(), "-")

	if name == "" {
		name = "worktree"
	}
	return name
}

// createResultJSON is the JSON shape of one created environment.
type createResultJSON struct {
	Name          string        `json:"name"`
	AttemptID     string        `json:"attemptId"`
	Branch        string        `json:"branch"`
	WorktreePath  string        `json:"worktreePath"`
	TemplatePath  string        `json:"templatePath,omitempty"`
	EnvPath       string        `json:"envPath,omitempty"`
	AssignedPorts model.PortMap `json:"assignedPorts"`
}

func printCreateResult(w io.Writer, envs []*createdEnv) error {
	if IsJSONOutput() {
		result := struct {
			Environments []createResultJSON `json:"environments"`
		}{Environments: make([]createResultJSON, 0, len(envs))}
		for _, env := range envs {
			ports := env.Outcome.AssignedPorts
			if ports == nil {
				ports = model.PortMap{}
			}
			result.Environments = append(result.Environments, createResultJSON{
				Name:          env.Name,
				AttemptID:     env.Attempt.ID,
				Branch:        env.Attempt.Branch,
				WorktreePath:  env.Attempt.WorktreePath,
				TemplatePath:  env.Outcome.TemplatePath,
				EnvPath:       env.Outcome.EnvPath,
				AssignedPorts: ports,
			})
		}
		return writeJSON(w, result)
	}

	for i, env := range envs {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "Created environment %q\n", env.Name)
		fmt.Fprintf(w, "  Attempt:   %s\n", env.Attempt.ID)
		fmt.Fprintf(w, "  Branch:    %s\n", env.Attempt.Branch)
		fmt.Fprintf(w, "  Path:      %s\n", env.Attempt.WorktreePath)

		if env.Outcome.Skipped {
			fmt.Fprintln(w, "  Env file:  - (no template)")
			continue
		}
		fmt.Fprintf(w, "  Env file:  %s\n", env.Outcome.EnvPath)
		writePortMap(w, "  ", env.Outcome.AssignedPorts)
	}
	return nil
}

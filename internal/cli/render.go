package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/worktree-env/internal/config"
	"github.com/mmr-tortoise/worktree-env/internal/environment"
	"github.com/mmr-tortoise/worktree-env/internal/envtemplate"
	"github.com/mmr-tortoise/worktree-env/internal/logging"
	"github.com/mmr-tortoise/worktree-env/internal/model"
)

type renderFlags struct {
	// branch substitutes {{ branch() }}. Defaults to the current branch.
	branch string

	// dryRun lists placeholders instead of rendering.
	dryRun bool
}

// NewRenderCommand creates the "render" cobra command.
func NewRenderCommand() *cobra.Command {
	flags := &renderFlags{}

	cmd := &cobra.Command{
		Use:   "render [template]",
		Short: "Preview a rendered template without assigning ports",
		Long: `Render a template to stdout against the live port ledger.

Ports are drawn exactly as create would draw them, but nothing is written
and nothing is recorded, so a later create may pick different ports. With
no argument the project's template is looked up in the current worktree,
then in the main repository.

Examples:
  worktree-env render
  worktree-env render --branch feature/auth .env.vibe
  worktree-env render --dry-run`,

		Args: cobra.MaximumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			template := ""
			if len(args) == 1 {
				template = args[0]
			}
			return runRender(cmd.Context(), cmd.OutOrStdout(), template, flags)
		},
	}

	cmd.Flags().StringVar(&flags.branch, "branch", "", "Branch name for {{ branch() }} (default: current branch)")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "List placeholders instead of rendering")

	return cmd
}

func runRender(ctx context.Context, out io.Writer, templatePath string, flags *renderFlags) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	dir, err := filepath.Abs(repoDir)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to resolve directory", err)
	}

	// Outside a repository an explicit template still renders with the
	// default project settings.
	project := config.DefaultProject()
	repo, repoErr := a.repository(ctx)
	if repoErr == nil {
		project = repo.Config
	} else if templatePath == "" {
		return repoErr
	}

	if templatePath == "" {
		worktreeRoot, err := a.worktrees.GetRepoRoot(ctx, dir)
		if err != nil {
			return err
		}
		finder := environment.NewMaterializer(a.store, nil, environment.WithTemplateName(project.Template))
		found, ok, err := finder.FindTemplate(environment.Request{WorktreePath: worktreeRoot, ProjectRoot: repo.Root})
		if err != nil {
			return failure("failed to locate template", err)
		}
		if !ok {
			return model.NewCLIError(model.ExitGeneralError, fmt.Sprintf("no %s found in %s or %s", project.Template, worktreeRoot, repo.Root))
		}
		templatePath = found
	}

	data, err := os.ReadFile(templatePath)
	if err != nil {
		return model.WrapCLIError(model.ExitTemplateUnreadable, fmt.Sprintf("failed to read %s", templatePath), err)
	}
	if !utf8.Valid(data) {
		return model.NewCLIError(model.ExitTemplateUnreadable, fmt.Sprintf("%s is not valid UTF-8", templatePath))
	}

	if flags.dryRun {
		return printPlaceholders(out, templatePath, envtemplate.Scan(string(data)))
	}

	branch := flags.branch
	if branch == "" {
		if current, err := a.worktrees.GetCurrentBranch(ctx, dir); err == nil {
			branch = current
		} else {
			logging.Debug("no current branch, branch() falls back to defaults", "error", err)
		}
	}

	l, err := a.portLedger(ctx)
	if err != nil {
		return err
	}
	used, err := l.ActivePorts(ctx)
	if err != nil {
		return failure("failed to read active ports", err)
	}

	result, err := a.renderer(project).Render(string(data), envtemplate.Context{BranchName: branch, UsedPorts: used})
	if err != nil {
		return failure(fmt.Sprintf("failed to render %s", templatePath), err)
	}

	if IsJSONOutput() {
		ports := result.AssignedPorts
		if ports == nil {
			ports = model.PortMap{}
		}
		return writeJSON(out, struct {
			Template      string        `json:"template"`
			Branch        string        `json:"branch"`
			Content       string        `json:"content"`
			AssignedPorts model.PortMap `json:"assignedPorts"`
		}{templatePath, branch, result.Content, ports})
	}
	_, err = io.WriteString(out, result.Content)
	return err
}

func printPlaceholders(w io.Writer, templatePath string, placeholders []envtemplate.Placeholder) error {
	if IsJSONOutput() {
		if placeholders == nil {
			placeholders = []envtemplate.Placeholder{}
		}
		return writeJSON(w, struct {
			Template     string                    `json:"template"`
			Placeholders []envtemplate.Placeholder `json:"placeholders"`
		}{templatePath, placeholders})
	}

	if len(placeholders) == 0 {
		fmt.Fprintf(w, "No placeholders in %s\n", templatePath)
		return nil
	}

	fmt.Fprintf(w, "%-6s %-20s %-12s %s\n", "LINE", "KEY", "FUNCTION", "DEFAULT")
	for _, ph := range placeholders {
		key, def := "-", "-"
		if ph.Key != "" {
			key = ph.Key
		}
		if ph.HasDefault {
			def = fmt.Sprintf("%q", ph.Default)
		}
		function := ph.Function
		if !ph.Known() {
			function += " (unknown)"
		}
		fmt.Fprintf(w, "%-6d %-20s %-12s %s\n", ph.Line, key, function, def)
	}
	return nil
}

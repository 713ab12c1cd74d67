package cli

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/mmr-tortoise/worktree-env/internal/config"
	"github.com/mmr-tortoise/worktree-env/internal/docker"
	"github.com/mmr-tortoise/worktree-env/internal/environment"
	"github.com/mmr-tortoise/worktree-env/internal/envtemplate"
	"github.com/mmr-tortoise/worktree-env/internal/ledger"
	"github.com/mmr-tortoise/worktree-env/internal/logging"
	"github.com/mmr-tortoise/worktree-env/internal/model"
	"github.com/mmr-tortoise/worktree-env/internal/port"
	"github.com/mmr-tortoise/worktree-env/internal/worktree"
)

// app holds the components a command run needs. Commands build one with
// openApp and Close it when done.
type app struct {
	cfg       *config.Config
	store     *ledger.Store
	worktrees *worktree.Manager

	// docker is connected lazily by portLedger.
	docker *docker.Client
}

// repository is the Git repository a command operates on.
type repository struct {
	// Root is the main working tree, shared by every linked worktree.
	Root string

	Config *config.Project
}

func openApp() (*app, error) {
	cfg := currentConfig()
	store, err := ledger.Open(cfg.StateFile)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, store: store, worktrees: worktree.NewManager()}, nil
}

// Close releases the Docker connection, if one was made.
func (a *app) Close() {
	if a.docker != nil {
		_ = a.docker.Close()
	}
}

// portLedger returns the ledger the renderer reads. With docker.enabled
// the active-ports view also covers ports published by containers; the
// daemon must then be reachable.
func (a *app) portLedger(ctx context.Context) (ledger.Ledger, error) {
	if !a.cfg.Docker.Enabled {
		return a.store, nil
	}
	if a.docker == nil {
		c, err := docker.NewClient()
		if err != nil {
			return nil, err
		}
		if err := c.Ping(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
		a.docker = c
		logging.Debug("docker port source enabled", "labels", a.cfg.Docker.Labels)
	}
	return ledger.WithExternalPorts(a.store, docker.NewPublishedPortSource(a.docker, a.cfg.Docker.Labels...)), nil
}

// scanner returns a prober configured from the probe section.
func (a *app) scanner() *port.Scanner {
	return port.NewScannerWithOptions(a.cfg.ScannerOptions())
}

// renderer returns a renderer allocating from the project's port range.
func (a *app) renderer(project *config.Project) *envtemplate.Renderer {
	alloc := port.NewAllocator(a.scanner(),
		port.WithRange(project.Range()),
		port.WithMaxAttempts(a.cfg.Allocator.MaxAttempts),
	)
	return envtemplate.NewRenderer(alloc)
}

func (a *app) materializer(ctx context.Context, project *config.Project) (*environment.Materializer, error) {
	l, err := a.portLedger(ctx)
	if err != nil {
		return nil, err
	}
	return environment.NewMaterializer(l, a.renderer(project),
		environment.WithTemplateName(project.Template),
		environment.WithEnvFileName(project.EnvFile),
	), nil
}

func (a *app) releaser() *environment.Releaser {
	return environment.NewReleaser(a.store, a.store)
}

// repository resolves the main repository from --repo and loads its
// project config.
func (a *app) repository(ctx context.Context) (*repository, error) {
	dir, err := filepath.Abs(repoDir)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, "failed to resolve repository directory", err)
	}
	root, err := a.worktrees.MainRepoRoot(ctx, dir)
	if err != nil {
		return nil, err
	}
	pc, err := config.LoadProject(root)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, "failed to load project configuration", err)
	}
	return &repository{Root: root, Config: pc}, nil
}

// project returns the ledger record for repo, registering it on first use
// with the flag from the project config.
func (a *app) project(ctx context.Context, repo *repository) (*model.Project, error) {
	p, created, err := a.store.EnsureProject(ctx, filepath.Base(repo.Root), repo.Root, repo.Config.ReleasePortsOnCompletion)
	if err != nil {
		return nil, err
	}
	if created {
		logging.Info("project registered", "project", p.ID, "repo", p.RepoPath)
	}
	return p, nil
}

// failure wraps err for the error printer, keeping the exit code its kind
// maps to.
func failure(message string, err error) error {
	return model.WrapCLIError(model.ExitCodeFor(err), message, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, model.ErrProjectNotFound) || errors.Is(err, model.ErrAttemptNotFound)
}

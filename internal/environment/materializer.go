// Package environment connects the template renderer and the port ledger
// to the lifecycle of isolated environments: it materializes `.env` files
// when an environment is created and releases ports when it completes or
// is torn down.
package environment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unicode/utf8"

	"github.com/moby/sys/atomicwriter"
	"golang.org/x/sync/errgroup"

	"github.com/mmr-tortoise/worktree-env/internal/config"
	"github.com/mmr-tortoise/worktree-env/internal/envtemplate"
	"github.com/mmr-tortoise/worktree-env/internal/ledger"
	"github.com/mmr-tortoise/worktree-env/internal/logging"
	"github.com/mmr-tortoise/worktree-env/internal/model"
)

// Request identifies the environment to materialize.
type Request struct {
	AttemptID string

	// Branch substitutes branch() placeholders.
	Branch string

	// WorktreePath is the environment directory the env file is written to.
	WorktreePath string

	// ProjectRoot is searched for the template when the worktree has none.
	ProjectRoot string
}

// Outcome reports what Materialize did.
type Outcome struct {
	AttemptID string `json:"attempt_id"`

	// Skipped is true when no template was found. Nothing was written.
	Skipped bool `json:"skipped"`

	// TemplatePath is the template that was rendered.
	TemplatePath string `json:"template_path,omitempty"`

	// EnvPath is the written env file.
	EnvPath string `json:"env_path,omitempty"`

	// AssignedPorts is what was persisted for the attempt.
	AssignedPorts model.PortMap `json:"assigned_ports,omitempty"`
}

// Renderer renders a template document. *envtemplate.Renderer satisfies
// it.
type Renderer interface {
	Render(document string, vars envtemplate.Context) (*envtemplate.Result, error)
}

// Materializer renders an environment's template into its env file and
// records the assigned ports.
type Materializer struct {
	ledger   ledger.Ledger
	renderer Renderer

	templateName string
	envFileName  string
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithTemplateName overrides the template file name (relative path).
func WithTemplateName(name string) Option {
	return func(m *Materializer) { m.templateName = name }
}

// WithEnvFileName overrides the output file name (relative path).
func WithEnvFileName(name string) Option {
	return func(m *Materializer) { m.envFileName = name }
}

// NewMaterializer creates a Materializer. The template defaults to
// config.DefaultTemplate and the output to config.DefaultEnvFile.
func NewMaterializer(l ledger.Ledger, r Renderer, opts ...Option) *Materializer {
	m := &Materializer{
		ledger:       l,
		renderer:     r,
		templateName: config.DefaultTemplate,
		envFileName:  config.DefaultEnvFile,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FindTemplate returns the template path for req: the worktree copy if
// present, else the project root copy. ok is false when neither exists.
func (m *Materializer) FindTemplate(req Request) (path string, ok bool, err error) {
	for _, dir := range []string{req.WorktreePath, req.ProjectRoot} {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, m.templateName)
		info, statErr := os.Stat(candidate)
		switch {
		case statErr == nil && info.IsDir():
			return "", false, fmt.Errorf("%w: %s is a directory", model.ErrTemplateUnreadable, candidate)
		case statErr == nil:
			return candidate, true, nil
		case errors.Is(statErr, os.ErrNotExist):
			continue
		default:
			return "", false, fmt.Errorf("%w: %s: %v", model.ErrTemplateUnreadable, candidate, statErr)
		}
	}
	return "", false, nil
}

// Materialize renders the template for one attempt.
//
//  1. No template: returns Outcome{Skipped: true}.
//  2. The template is read; unreadable or non-UTF-8 content fails with
//     model.ErrTemplateUnreadable.
//  3. The active-ports view is fetched once and the template rendered.
//  4. The result is written atomically to <worktree>/<env file>.
//  5. Non-empty assignments replace the attempt's ports in the ledger. If
//     that fails the env file is removed again.
//
// Any error means the environment is not ready.
func (m *Materializer) Materialize(ctx context.Context, req Request) (*Outcome, error) {
	return m.materialize(ctx, req, nil)
}

// batchClaims holds the ports rendered by earlier passes of one
// MaterializeAll call, persisted or not.
type batchClaims struct {
	mu    sync.Mutex
	ports model.PortSet
}

func (m *Materializer) materialize(ctx context.Context, req Request, claims *batchClaims) (*Outcome, error) {
	log := logging.With("attempt", req.AttemptID)

	templatePath, ok, err := m.FindTemplate(req)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Debugw("no template found, skipping", "template", m.templateName)
		return &Outcome{AttemptID: req.AttemptID, Skipped: true}, nil
	}

	data, err := os.ReadFile(templatePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrTemplateUnreadable, templatePath, err)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: %s is not valid UTF-8", model.ErrTemplateUnreadable, templatePath)
	}

	used, err := m.ledger.ActivePorts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read active ports: %w", err)
	}

	result, err := m.render(string(data), req.Branch, used, claims)
	if err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", templatePath, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	envPath := filepath.Join(req.WorktreePath, m.envFileName)
	if err := os.MkdirAll(filepath.Dir(envPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", envPath, err)
	}
	if err := atomicwriter.WriteFile(envPath, []byte(result.Content), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", envPath, err)
	}

	if len(result.AssignedPorts) > 0 {
		if err := m.ledger.UpdateAssignedPorts(ctx, req.AttemptID, result.AssignedPorts); err != nil {
			if rmErr := os.Remove(envPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				log.Warnw("failed to remove env file after ledger error", "path", envPath, "error", rmErr)
			}
			return nil, fmt.Errorf("failed to record assigned ports: %w", err)
		}
	}

	log.Infow("environment materialized", "template", templatePath, "env", envPath, "ports", len(result.AssignedPorts))
	return &Outcome{
		AttemptID:     req.AttemptID,
		TemplatePath:  templatePath,
		EnvPath:       envPath,
		AssignedPorts: result.AssignedPorts,
	}, nil
}

// render runs one pass. With claims, passes are serialized and each one
// also avoids the ports earlier passes chose.
func (m *Materializer) render(document, branch string, used model.PortSet, claims *batchClaims) (*envtemplate.Result, error) {
	if claims != nil {
		claims.mu.Lock()
		defer claims.mu.Unlock()
		if used == nil {
			used = model.NewPortSet()
		}
		used.Union(claims.ports)
	}

	result, err := m.renderer.Render(document, envtemplate.Context{
		BranchName: branch,
		UsedPorts:  used,
	})
	if err != nil {
		return nil, err
	}
	if claims != nil {
		claims.ports.Union(result.AssignedPorts.Ports())
	}
	return result, nil
}

// MaterializeAll materializes several environments concurrently, at most
// limit at a time (limit < 1 means no limit). Each request gets its own
// render pass; the passes share the ports they choose, so environments in
// one batch never collide with each other. Outcomes are returned in request order; an entry is nil
// when its request failed. The returned error joins every failure, each
// annotated with its attempt ID.
func (m *Materializer) MaterializeAll(ctx context.Context, reqs []Request, limit int) ([]*Outcome, error) {
	outcomes := make([]*Outcome, len(reqs))
	errs := make([]error, len(reqs))

	claims := &batchClaims{ports: model.NewPortSet()}

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, req := range reqs {
		g.Go(func() error {
			out, err := m.materialize(ctx, req, claims)
			if err != nil {
				errs[i] = fmt.Errorf("attempt %s: %w", req.AttemptID, err)
				return nil
			}
			outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()

	return outcomes, errors.Join(errs...)
}

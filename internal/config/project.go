package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/mmr-tortoise/worktree-env/internal/port"
)

const (
	// ProjectFileName is the per-repository config file.
	ProjectFileName = ".worktree-env.json"

	// DefaultTemplate is the template file looked up in each environment.
	DefaultTemplate = ".env.vibe"

	// DefaultEnvFile is the rendered output written into each worktree.
	DefaultEnvFile = ".env"
)

// Project is the per-repository configuration. Comments and trailing
// commas are allowed in the file:
//
//	{
//	  // rendered into every new worktree
//	  "template": ".env.vibe",
//	  "portRange": {"min": 20000, "max": 29999},
//	}
type Project struct {
	// Template is the template path relative to the worktree (or, failing
	// that, the repository root).
	Template string `json:"template,omitempty"`

	// EnvFile is the rendered file path relative to the worktree.
	EnvFile string `json:"envFile,omitempty"`

	// WorktreeDir is where new worktrees are created. Relative paths are
	// resolved against the repository root. Empty places each worktree
	// next to the repository as <repo>-<name>.
	WorktreeDir string `json:"worktreeDir,omitempty"`

	// ReleasePortsOnCompletion seeds the project record's flag the first
	// time the repository is registered.
	ReleasePortsOnCompletion *bool `json:"releasePortsOnCompletion,omitempty"`

	// PortRange restricts auto_port() allocation.
	PortRange *port.Range `json:"portRange,omitempty"`
}

// DefaultProject returns the built-in project configuration.
func DefaultProject() *Project {
	return &Project{
		Template: DefaultTemplate,
		EnvFile:  DefaultEnvFile,
	}
}

// LoadProject reads <repoRoot>/.worktree-env.json over the defaults. A
// missing file returns the defaults.
func LoadProject(repoRoot string) (*Project, error) {
	path := filepath.Join(repoRoot, ProjectFileName)
	cfg := DefaultProject()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ProjectFileName, err)
	}

	if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if cfg.Template == "" {
		cfg.Template = DefaultTemplate
	}
	if cfg.EnvFile == "" {
		cfg.EnvFile = DefaultEnvFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field values.
func (p *Project) Validate() error {
	if err := validateRelative("template", p.Template); err != nil {
		return err
	}
	if err := validateRelative("envFile", p.EnvFile); err != nil {
		return err
	}
	if filepath.Clean(p.Template) == filepath.Clean(p.EnvFile) {
		return fmt.Errorf("template and envFile must differ, both are %q", p.Template)
	}
	if p.PortRange != nil {
		if err := p.PortRange.Validate(); err != nil {
			return fmt.Errorf("portRange: %w", err)
		}
	}
	return nil
}

// validateRelative rejects absolute paths and paths escaping the worktree.
func validateRelative(field, path string) error {
	if path == "" {
		return fmt.Errorf("%s must not be empty", field)
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("%s must be relative, got %q", field, path)
	}
	clean := filepath.Clean(path)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%s must stay inside the worktree, got %q", field, path)
	}
	return nil
}

// Range returns the configured port range, or port.DefaultRange.
func (p *Project) Range() port.Range {
	if p.PortRange == nil {
		return port.DefaultRange
	}
	return *p.PortRange
}

// WorktreePath returns the directory for a new worktree called name.
func (p *Project) WorktreePath(repoRoot, name string) string {
	switch {
	case p.WorktreeDir == "":
		return filepath.Join(filepath.Dir(repoRoot), filepath.Base(repoRoot)+"-"+name)
	case filepath.IsAbs(p.WorktreeDir):
		return filepath.Join(p.WorktreeDir, name)
	default:
		return filepath.Join(repoRoot, p.WorktreeDir, name)
	}
}

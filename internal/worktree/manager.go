package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mmr-tortoise/worktree-env/internal/logging"
	"github.com/mmr-tortoise/worktree-env/internal/model"
)

// Info is one entry of `git worktree list --porcelain`:
//
//	worktree /path/to/feature-branch
//	HEAD abc123def456
//	branch refs/heads/feature-branch
type Info struct {
	// Path is the absolute worktree directory.
	Path string `json:"path"`

	// Branch is the full ref (e.g. "refs/heads/main"); empty when detached.
	Branch string `json:"branch,omitempty"`

	// HEAD is the checked-out commit.
	HEAD string `json:"head"`

	IsBare   bool `json:"bare,omitempty"`
	Detached bool `json:"detached,omitempty"`

	// Prunable is set when git reports the worktree directory as gone.
	Prunable bool `json:"prunable,omitempty"`
}

// BranchName returns the short branch name ("main" for "refs/heads/main").
func (i Info) BranchName() string {
	return strings.TrimPrefix(i.Branch, "refs/heads/")
}

// Manager runs git worktree operations through the git binary.
type Manager struct {
	// git is the binary to execute.
	git string
}

// NewManager creates a Manager that uses the git binary on PATH.
func NewManager() *Manager {
	return &Manager{git: "git"}
}

// Add creates a worktree at worktreePath with branch checked out. A
// missing branch is created from baseBranch (HEAD when empty); an existing
// branch is checked out as is.
func (m *Manager) Add(ctx context.Context, repoPath, branch, worktreePath, baseBranch string) error {
	if m.BranchExists(ctx, repoPath, branch) {
		_, err := m.run(ctx, repoPath, "worktree", "add", worktreePath, branch)
		return err
	}

	args := []string{"worktree", "add", "-b", branch, worktreePath}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}
	_, err := m.run(ctx, repoPath, args...)
	return err
}

// List returns every worktree of the repository, the main one first.
func (m *Manager) List(ctx context.Context, repoPath string) ([]Info, error) {
	output, err := m.run(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parsePorcelainOutput(output), nil
}

// Remove deletes the worktree at worktreePath. force also removes
// worktrees with local changes.
func (m *Manager) Remove(ctx context.Context, repoPath, worktreePath string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, worktreePath)

	_, err := m.run(ctx, repoPath, args...)
	return err
}

// Prune drops git's administrative records of worktrees whose directories
// no longer exist.
func (m *Manager) Prune(ctx context.Context, repoPath string) error {
	_, err := m.run(ctx, repoPath, "worktree", "prune")
	return err
}

// IsWorktree reports whether path is a linked worktree: its .git is a
// file holding a "gitdir:" pointer rather than a directory.
func (m *Manager) IsWorktree(path string) bool {
	gitPath := filepath.Join(path, ".git")

	info, err := os.Lstat(gitPath)
	if err != nil || info.IsDir() {
		return false
	}

	content, err := os.ReadFile(gitPath)
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// GetRepoRoot returns the top-level directory of the working tree that
// contains path. Inside a linked worktree this is the worktree itself;
// see MainRepoRoot for the repository the worktree belongs to.
func (m *Manager) GetRepoRoot(ctx context.Context, path string) (string, error) {
	output, err := m.run(ctx, path, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// MainRepoRoot returns the main working tree of the repository containing
// path, so that every worktree of one repository maps to one project.
func (m *Manager) MainRepoRoot(ctx context.Context, path string) (string, error) {
	output, err := m.run(ctx, path, "rev-parse", "--path-format=absolute", "--git-common-dir")
	if err != nil {
		return "", err
	}

	commonDir := strings.TrimSpace(output)
	if !filepath.IsAbs(commonDir) {
		commonDir = filepath.Join(path, commonDir)
	}
	commonDir = filepath.Clean(commonDir)

	if filepath.Base(commonDir) != ".git" {
		// Bare repository: the common dir is the repository itself.
		return commonDir, nil
	}
	return filepath.Dir(commonDir), nil
}

// GetCurrentBranch returns the short name of the branch checked out at
// path, or "HEAD" when detached.
func (m *Manager) GetCurrentBranch(ctx context.Context, path string) (string, error) {
	output, err := m.run(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// BranchExists reports whether branch resolves in the repository.
func (m *Manager) BranchExists(ctx context.Context, repoPath, branch string) bool {
	_, err := m.run(ctx, repoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// run executes git with -C repoPath and returns stdout. Failures are
// model.CLIError with ExitGitError carrying git's stderr.
func (m *Manager) run(ctx context.Context, repoPath string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", repoPath}, args...)

	// #nosec G204 -- arguments are built by this package
	cmd := exec.CommandContext(ctx, m.git, fullArgs...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.Debug("running git", "dir", repoPath, "args", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		message := fmt.Sprintf("git %s failed", strings.Join(args, " "))
		if stderrStr := strings.TrimSpace(stderr.String()); stderrStr != "" {
			message = fmt.Sprintf("%s: %s", message, stderrStr)
		}
		return "", model.WrapCLIError(model.ExitGitError, message, err)
	}
	return stdout.String(), nil
}

// parsePorcelainOutput parses `git worktree list --porcelain`. Blocks are
// separated by blank lines; markers such as "bare" stand alone.
func parsePorcelainOutput(output string) []Info {
	var worktrees []Info
	var current *Info

	for _, line := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
		if line == "" {
			if current != nil {
				worktrees = append(worktrees, *current)
				current = nil
			}
			continue
		}

		key, value, _ := strings.Cut(line, " ")
		if key == "worktree" {
			current = &Info{Path: value}
			continue
		}
		if current == nil {
			continue
		}

		switch key {
		case "HEAD":
			current.HEAD = value
		case "branch":
			current.Branch = value
		case "bare":
			current.IsBare = true
		case "detached":
			current.Detached = true
		case "prunable":
			current.Prunable = true
		}
	}

	if current != nil {
		worktrees = append(worktrees, *current)
	}
	return worktrees
}

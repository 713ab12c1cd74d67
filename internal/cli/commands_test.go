package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/worktree-env/internal/ledger"
	"github.com/mmr-tortoise/worktree-env/internal/model"
)

const testTemplate = "# services\nWEB_PORT={{ auto_port() }}\nDB_PORT={{ auto_port() }}\nBRANCH={{ branch() }}\n"

// cliEnv is a temporary repository plus an isolated ledger.
type cliEnv struct {
	repo      string
	worktrees string
	state     string
}

// newCLIEnv creates a Git repository with the given template and project
// config committed. An empty template skips the file.
func newCLIEnv(t *testing.T, template, projectConfig string) *cliEnv {
	t.Helper()

	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	env := &cliEnv{
		repo:      filepath.Join(base, "app"),
		worktrees: filepath.Join(base, "worktrees"),
		state:     filepath.Join(base, "state", "state.json"),
	}
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(base, "config"))

	require.NoError(t, os.MkdirAll(env.repo, 0o755))
	gitRun(t, env.repo, "init")
	gitRun(t, env.repo, "config", "user.email", "test@example.com")
	gitRun(t, env.repo, "config", "user.name", "Test User")

	if template != "" {
		require.NoError(t, os.WriteFile(filepath.Join(env.repo, ".env.vibe"), []byte(template), 0o644))
	}
	if projectConfig == "" {
		projectConfig = fmt.Sprintf(`{
  // worktrees live outside the repository
  "worktreeDir": %q,
  "portRange": {"min": 40000, "max": 49999},
}`, env.worktrees)
	}
	require.NoError(t, os.WriteFile(filepath.Join(env.repo, ".worktree-env.json"), []byte(projectConfig), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(env.repo, "README.md"), []byte("# app\n"), 0o644))
	gitRun(t, env.repo, "add", ".")
	gitRun(t, env.repo, "commit", "-m", "initial commit")

	return env
}

// run executes the CLI against env and returns stdout.
func (e *cliEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	loadedConfig = nil
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--state", e.state, "-C", e.repo}, args...))

	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// mustRun is run that fails the test on error.
func (e *cliEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, "", args...)
	require.NoError(t, err, "output: %s", out)
	return out
}

func (e *cliEnv) store(t *testing.T) *ledger.Store {
	t.Helper()
	s, err := ledger.Open(e.state)
	require.NoError(t, err)
	return s
}

// create runs "create --json" and returns the decoded environments.
func (e *cliEnv) create(t *testing.T, args ...string) []createResultJSON {
	t.Helper()
	out := e.mustRun(t, append([]string{"create", "--json"}, args...)...)

	var result struct {
		Environments []createResultJSON `json:"environments"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result), "output: %s", out)
	return result.Environments
}

func gitRun(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v failed: %s", args, string(output))
}

// occupyPort binds a TCP port on all interfaces until the test ends.
func occupyPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

func TestCreate_MaterializesEnvFile(t *testing.T) {
	env := newCLIEnv(t, testTemplate, "")

	envs := env.create(t, "feature/auth")
	require.Len(t, envs, 1)
	created := envs[0]

	assert.Equal(t, "feature-auth", created.Name)
	assert.Equal(t, "feature/auth", created.Branch)
	assert.Equal(t, filepath.Join(env.worktrees, "feature-auth"), created.WorktreePath)
	require.Len(t, created.AssignedPorts, 2)
	assert.NotEqual(t, created.AssignedPorts["WEB_PORT"], created.AssignedPorts["DB_PORT"])
	for key, p := range created.AssignedPorts {
		assert.True(t, p >= 40000 && p <= 49999, "%s=%d outside the project range", key, p)
	}

	content, err := os.ReadFile(filepath.Join(created.WorktreePath, ".env"))
	require.NoError(t, err)
	want := fmt.Sprintf("# services\nWEB_PORT=%d\nDB_PORT=%d\nBRANCH=feature/auth\n",
		created.AssignedPorts["WEB_PORT"], created.AssignedPorts["DB_PORT"])
	assert.Equal(t, want, string(content))

	a, err := env.store(t).GetAttempt(context.Background(), created.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, a.Status)
	held, err := a.Ports()
	require.NoError(t, err)
	assert.Equal(t, created.AssignedPorts, held)
}

func TestCreate_TextOutput(t *testing.T) {
	env := newCLIEnv(t, testTemplate, "")

	out := env.mustRun(t, "create", "feature/text")
	assert.Contains(t, out, `Created environment "feature-text"`)
	assert.Contains(t, out, "WEB_PORT")
	assert.Contains(t, out, "DB_PORT")
}

func TestCreate_MultipleBranches(t *testing.T) {
	env := newCLIEnv(t, testTemplate, "")

	envs := env.create(t, "task/a", "task/b", "task/c")
	require.Len(t, envs, 3)

	ids := map[string]bool{}
	for _, e := range envs {
		ids[e.AttemptID] = true
		assert.Len(t, e.AssignedPorts, 2)
		content, err := os.ReadFile(e.EnvPath)
		require.NoError(t, err)
		assert.Contains(t, string(content), "BRANCH="+e.Branch)
	}
	assert.Len(t, ids, 3, "every branch gets its own attempt")

	active, err := env.store(t).ActivePorts(context.Background())
	require.NoError(t, err)
	assert.Greater(t, active.Len(), 0)
}

func TestCreate_PathAndNameNeedSingleBranch(t *testing.T) {
	env := newCLIEnv(t, testTemplate, "")

	_, err := env.run(t, "", "create", "--name", "x", "a", "b")
	require.Error(t, err)
	assert.Equal(t, model.ExitGeneralError, model.ExitCodeFor(err))
}

func TestCreate_WithoutTemplateSkips(t *testing.T) {
	env := newCLIEnv(t, "", "")

	envs := env.create(t, "no-template")
	require.Len(t, envs, 1)
	assert.Empty(t, envs[0].AssignedPorts)
	assert.Empty(t, envs[0].EnvPath)

	_, err := os.Stat(filepath.Join(envs[0].WorktreePath, ".env"))
	assert.True(t, os.IsNotExist(err), "nothing is written without a template")
}

// TestCreate_ExhaustedRetiresAttempt verifies a failed render leaves no
// ports assigned and exits with the allocation code.
func TestCreate_ExhaustedRetiresAttempt(t *testing.T) {
	taken := occupyPort(t)
	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	projectConfig := fmt.Sprintf(`{"worktreeDir": %q, "portRange": {"min": %d, "max": %d}}`, base, taken, taken)
	env := newCLIEnv(t, "WEB_PORT={{ auto_port() }}\n", projectConfig)

	_, err = env.run(t, "", "create", "doomed")
	require.Error(t, err)
	assert.Equal(t, model.ExitPortAllocationFailed, model.ExitCodeFor(err))

	attempts, err := env.store(t).ListAttempts(context.Background(), ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, model.StatusDeleted, attempts[0].Status)
	assert.Nil(t, attempts[0].AssignedPorts)

	_, statErr := os.Stat(filepath.Join(base, "doomed", ".env"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCreate_ExistingPathFails(t *testing.T) {
	env := newCLIEnv(t, testTemplate, "")
	require.NoError(t, os.MkdirAll(filepath.Join(env.worktrees, "taken"), 0o755))

	_, err := env.run(t, "", "create", "taken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestRelease_IsIdempotent(t *testing.T) {
	env := newCLIEnv(t, testTemplate, "")
	created := env.create(t, "feature/release")[0]

	out := env.mustRun(t, "release", created.AttemptID)
	assert.Contains(t, out, "Released 2 port(s)")

	out = env.mustRun(t, "release", created.AttemptID)
	assert.Contains(t, out, "held no ports")

	active, err := env.store(t).ActivePorts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, active.Len())
}

func TestRelease_UnknownAttempt(t *testing.T) {
	env := newCLIEnv(t, testTemplate, "")

	_, err := env.run(t, "", "release", "missing")
	require.Error(t, err)
	assert.Equal(t, model.ExitAttemptNotFound, model.ExitCodeFor(err))
}

func TestComplete_HonorsProjectFlag(t *testing.T) {
	tests := []struct {
		name      string
		setFlag   string
		wantPorts bool
	}{
		{name: "default releases", setFlag: "", wantPorts: false},
		{name: "disabled keeps ports", setFlag: "false", wantPorts: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newCLIEnv(t, testTemplate, "")
			if tt.setFlag != "" {
				env.mustRun(t, "project", "set-release-on-completion", tt.setFlag)
			}
			created := env.create(t, "feature/complete")[0]

			env.mustRun(t, "complete", created.AttemptID)

			a, err := env.store(t).GetAttempt(context.Background(), created.AttemptID)
			require.NoError(t, err)
			assert.Equal(t, model.StatusCompleted, a.Status)
			assert.Equal(t, tt.wantPorts, a.AssignedPorts != nil)
		})
	}
}

func TestRemove_ForceRemovesWorktreeAndReleases(t *testing.T) {
	env := newCLIEnv(t, testTemplate, "")
	created := env.create(t, "feature/remove")[0]

	out := env.mustRun(t, "remove", "--force", created.AttemptID)
	assert.Contains(t, out, "Removed attempt")

	_, err := os.Stat(created.WorktreePath)
	assert.True(t, os.IsNotExist(err), "worktree should be gone")

	a, err := env.store(t).GetAttempt(context.Background(), created.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeleted, a.Status)
	assert.Nil(t, a.AssignedPorts)
}

func TestRemove_KeepWorktree(t *testing.T) {
	env := newCLIEnv(t, testTemplate, "")
	created := env.create(t, "feature/keep")[0]

	env.mustRun(t, "remove", "--force", "--keep-worktree", created.AttemptID)

	_, err := os.Stat(created.WorktreePath)
	assert.NoError(t, err, "worktree stays on disk")

	a, err := env.store(t).GetAttempt(context.Background(), created.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeleted, a.Status)
}

func TestRemove_PromptDeclined(t *testing.T) {
	env := newCLIEnv(t, testTemplate, "")
	created := env.create(t, "feature/prompt")[0]

	out, err := env.run(t, "n\n", "remove", created.AttemptID)
	require.Error(t, err)
	assert.Equal(t, model.ExitUserCancelled, model.ExitCodeFor(err))
	assert.Contains(t, out, "Continue? [y/N]")

	_, statErr := os.Stat(created.WorktreePath)
	assert.NoError(t, statErr)
	a, err := env.store(t).GetAttempt(context.Background(), created.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, a.Status)
}

func TestRemove_PromptAccepted(t *testing.T) {
	env := newCLIEnv(t, testTemplate, "")
	created := env.create(t, "feature/yes")[0]

	_, err := env.run(t, "yes\n", "remove", created.AttemptID)
	require.NoError(t, err)

	_, statErr := os.Stat(created.WorktreePath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestPrune_RetiresOrphans(t *testing.T) {
	env := newCLIEnv(t, testTemplate, "")
	gone := env.create(t, "feature/gone")[0]
	kept := env.create(t, "feature/kept")[0]
	require.NoError(t, os.RemoveAll(gone.WorktreePath))

	out := env.mustRun(t, "prune", "--dry-run")
	assert.Contains(t, out, "Would retire")
	a, err := env.store(t).GetAttempt(context.Background(), gone.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, a.Status, "dry run changes nothing")

	out = env.mustRun(t, "prune")
	assert.Contains(t, out, "Retired attempt "+shortID(gone.AttemptID))

	store := env.store(t)
	a, err = store.GetAttempt(context.Background(), gone.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeleted, a.Status)
	assert.Nil(t, a.AssignedPorts)

	b, err := store.GetAttempt(context.Background(), kept.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, b.Status)

	assert.Contains(t, env.mustRun(t, "prune"), "No orphaned attempts.")
}

func TestPorts_ActiveView(t *testing.T) {
	env := newCLIEnv(t, testTemplate, "")
	created := env.create(t, "feature/ports")[0]

	out := env.mustRun(t, "ports", "--json")
	var view activePortsView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	require.Len(t, view.Attempts, 1)
	assert.Equal(t, created.AttemptID, view.Attempts[0].AttemptID)
	assert.Equal(t, created.AssignedPorts.Ports().Sorted(), view.Active)
	assert.Empty(t, view.External)

	out = env.mustRun(t, "ports", "--output", "yaml")
	assert.Contains(t, out, "attempts:")
	assert.Contains(t, out, "attempt_id: "+created.AttemptID)
	assert.Contains(t, out, "WEB_PORT: "+strconv.Itoa(created.AssignedPorts["WEB_PORT"]))
}

func TestPorts_SingleAttempt(t *testing.T) {
	env := newCLIEnv(t, testTemplate, "")
	created := env.create(t, "feature/one")[0]

	out := env.mustRun(t, "ports", created.AttemptID)
	assert.Contains(t, out, "WEB_PORT")
	assert.Contains(t, out, strconv.Itoa(created.AssignedPorts["DB_PORT"]))

	_, err := env.run(t, "", "ports", "--output", "xml")
	require.Error(t, err)
}

func TestPortsScan_ReportsOccupiedPort(t *testing.T) {
	env := newCLIEnv(t, testTemplate, "")
	taken := occupyPort(t)

	out := env.mustRun(t, "ports", "scan", "--json", "--start", strconv.Itoa(taken), "--end", strconv.Itoa(taken))
	var result struct {
		Used           []int `json:"used"`
		FirstAvailable int   `json:"firstAvailable"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, []int{taken}, result.Used)
	assert.Zero(t, result.FirstAvailable)

	_, err := env.run(t, "", "ports", "scan", "--start", "10", "--end", "20")
	assert.Error(t, err, "privileged ports are outside the allowed range")
}

// TestRender_PreviewDoesNotPersist verifies render draws ports without
// recording them.
func TestRender_PreviewDoesNotPersist(t *testing.T) {
	env := newCLIEnv(t, testTemplate, "")

	out := env.mustRun(t, "render", "--branch", "preview/x")
	assert.Contains(t, out, "BRANCH=preview/x")
	assert.Regexp(t, `(?m)^WEB_PORT=4\d{4}$`, out)

	attempts, err := env.store(t).ListAttempts(context.Background(), ledger.Filter{})
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestRender_CurrentBranchByDefault(t *testing.T) {
	env := newCLIEnv(t, testTemplate, "")
	gitRun(t, env.repo, "checkout", "-b", "topic/current")

	out := env.mustRun(t, "render")
	assert.Contains(t, out, "BRANCH=topic/current")
}

func TestRender_DryRunListsPlaceholders(t *testing.T) {
	env := newCLIEnv(t, testTemplate, "")

	out := env.mustRun(t, "render", "--dry-run")
	assert.Contains(t, out, "WEB_PORT")
	assert.Contains(t, out, "DB_PORT")
	assert.Contains(t, out, "branch")

	out = env.mustRun(t, "render", "--dry-run", "--json")
	var result struct {
		Placeholders []struct {
			Line     int    `json:"line"`
			Function string `json:"function"`
			Key      string `json:"key"`
		} `json:"placeholders"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Len(t, result.Placeholders, 3)
	assert.Equal(t, 2, result.Placeholders[0].Line)
	assert.Equal(t, "WEB_PORT", result.Placeholders[0].Key)
	assert.Equal(t, "branch", result.Placeholders[2].Function)
}

func TestRender_ExplicitTemplateOutsideRepository(t *testing.T) {
	env := newCLIEnv(t, testTemplate, "")
	path := filepath.Join(t.TempDir(), "plain.env.vibe")
	require.NoError(t, os.WriteFile(path, []byte("NAME={{ branch() | unnamed }}\n"), 0o644))

	loadedConfig = nil
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--state", env.state, "-C", t.TempDir(), "render", path})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Equal(t, "NAME=unnamed\n", out.String())
}

func TestList_StatusFilter(t *testing.T) {
	env := newCLIEnv(t, testTemplate, "")
	first := env.create(t, "feature/listed")[0]
	second := env.create(t, "feature/removed")[0]
	env.mustRun(t, "remove", "--force", second.AttemptID)

	out := env.mustRun(t, "list")
	assert.Contains(t, out, shortID(first.AttemptID))
	assert.NotContains(t, out, shortID(second.AttemptID), "deleted attempts are hidden by default")

	out = env.mustRun(t, "list", "--status", "deleted", "--json")
	var result struct {
		Attempts []listAttemptJSON `json:"attempts"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, second.AttemptID, result.Attempts[0].ID)

	_, err := env.run(t, "", "list", "--status", "running")
	require.Error(t, err)
}

func TestProject_ShowAndSet(t *testing.T) {
	env := newCLIEnv(t, testTemplate, "")

	out := env.mustRun(t, "project", "show")
	assert.Contains(t, out, "(not registered)")
	assert.Contains(t, out, "40000-49999")

	env.mustRun(t, "project", "set-release-on-completion", "false")
	out = env.mustRun(t, "project", "show", "--json")
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, true, result["registered"])
	assert.Equal(t, false, result["releasePortsOnCompletion"])

	_, err := env.run(t, "", "project", "set-release-on-completion", "maybe")
	require.Error(t, err)
}

func TestLoadConfig_ExplicitFileMustExist(t *testing.T) {
	env := newCLIEnv(t, testTemplate, "")

	_, err := env.run(t, "", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
}

func TestLoadConfig_StateFlagOverridesFile(t *testing.T) {
	env := newCLIEnv(t, testTemplate, "")
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("state_file: /nonexistent/ignored.json\nworkers: 2\n"), 0o644))

	env.mustRun(t, "--config", cfgPath, "list")
	require.NotNil(t, loadedConfig)
	assert.Equal(t, env.state, loadedConfig.StateFile)
	assert.Equal(t, 2, loadedConfig.Workers)
}

func TestPrintError(t *testing.T) {
	tests := []struct {
		name string
		json bool
		err  error
		want string
	}{
		{
			name: "plain error",
			err:  fmt.Errorf("boom"),
			want: "Error: boom\n",
		},
		{
			name: "cli error with detail",
			err:  model.WrapCLIError(model.ExitGitError, "git failed", fmt.Errorf("exit status 128")),
			want: "Error: git failed: exit status 128\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			printError(&buf, tt.err)
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestPrintError_JSON(t *testing.T) {
	jsonOutput = true
	t.Cleanup(func() { jsonOutput = false })

	var buf bytes.Buffer
	printError(&buf, model.WrapCLIError(model.ExitAttemptNotFound, "failed to load attempt x", model.ErrAttemptNotFound))

	var got struct {
		Error struct {
			Message string `json:"message"`
			Detail  string `json:"detail"`
		} `json:"error"`
		Code int `json:"code"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "failed to load attempt x", got.Error.Message)
	assert.Equal(t, "attempt not found", got.Error.Detail)
	assert.Equal(t, int(model.ExitAttemptNotFound), got.Code)
}

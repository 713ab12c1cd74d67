// Package cli implements the cobra-based CLI commands for worktree-env.
//
// Each subcommand is defined in its own file within this package. This file
// defines the root command, the global flags and the error printer that
// translates failures into exit codes.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/worktree-env/internal/config"
	"github.com/mmr-tortoise/worktree-env/internal/logging"
	"github.com/mmr-tortoise/worktree-env/internal/model"
)

// Global flag variables shared across all subcommands. They are bound to
// persistent flags on the root command.
var (
	// jsonOutput switches command output (and error output) to JSON.
	jsonOutput bool

	// verbose forces debug-level logging on stderr.
	verbose bool

	// configPath is the tool config file. Empty means config.DefaultPath().
	configPath string

	// stateFile overrides the config's state_file.
	stateFile string

	// repoDir is the directory used to locate the Git repository.
	repoDir string
)

// loadedConfig is set by the root command's PersistentPreRunE.
var loadedConfig *config.Config

// Version, Commit and Date are injected from the main package at build
// time.
var (
	// Version is the semantic version of the binary (e.g., "1.0.0").
	Version = "dev"

	// Commit is the Git commit hash the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// NewRootCommand creates the root cobra command with every subcommand
// registered.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "worktree-env",
		Short: "Per-worktree .env files with collision-free ports",
		Long: `worktree-env creates a Git worktree per task attempt and renders the
repository's .env template into it.

Every {{ auto_port() }} placeholder receives a random port that is free on
the host and not held by any other active attempt. {{ branch() }} receives
the attempt's branch name. Ports are tracked in a local ledger and returned
to the pool when an attempt is released, completed or removed.`,

		// Errors are printed by Execute in text or JSON form.
		SilenceUsage:  true,
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	flags.StringVar(&configPath, "config", "", "Tool config file (default: $XDG_CONFIG_HOME/worktree-env/config.yaml)")
	flags.StringVar(&stateFile, "state", "", "Port ledger state file (overrides state_file)")
	flags.StringVarP(&repoDir, "repo", "C", ".", "Run as if started in this directory")

	rootCmd.AddCommand(NewCreateCommand())
	rootCmd.AddCommand(NewRenderCommand())
	rootCmd.AddCommand(NewPortsCommand())
	rootCmd.AddCommand(NewReleaseCommand())
	rootCmd.AddCommand(NewCompleteCommand())
	rootCmd.AddCommand(NewRemoveCommand())
	rootCmd.AddCommand(NewListCommand())
	rootCmd.AddCommand(NewProjectCommand())
	rootCmd.AddCommand(NewPruneCommand())

	return rootCmd
}

// loadConfig reads the tool config, applies flag overrides and initializes
// logging. An explicit --config must exist.
func loadConfig() error {
	path, mustExist := configPath, true
	if path == "" {
		path, mustExist = config.DefaultPath(), false
	}

	cfg, err := config.Load(path, mustExist)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to load configuration", err)
	}
	if stateFile != "" {
		cfg.StateFile = stateFile
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "invalid log level", err)
	}
	if verbose {
		level = logging.LevelDebug
	}
	logging.Init(logging.Config{Level: level})
	logging.Debug("configuration loaded", "path", path, "state", cfg.StateFile)

	loadedConfig = cfg
	return nil
}

// currentConfig returns the loaded config, or the defaults when the root
// pre-run did not execute.
func currentConfig() *config.Config {
	if loadedConfig == nil {
		return config.Default()
	}
	return loadedConfig
}

// Execute runs the root command and exits the process with the code
// derived from the returned error. An interrupt cancels the command's
// context.
func Execute(rootCmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = logging.Sync()
	if err == nil {
		return
	}
	printError(os.Stderr, err)
	os.Exit(int(model.ExitCodeFor(err)))
}

// printError writes err to w as "Error: ..." text or, with --json, as
// {"error": {"message": ..., "detail": ...}}.
func printError(w io.Writer, err error) {
	message, detail := err.Error(), ""
	if cliErr, ok := err.(*model.CLIError); ok {
		message = cliErr.Message
		if cliErr.Err != nil {
			detail = cliErr.Err.Error()
		}
	}

	if jsonOutput {
		body := map[string]interface{}{"message": message}
		if detail != "" {
			body["detail"] = detail
		}
		data, _ := json.MarshalIndent(map[string]interface{}{
			"error": body,
			"code":  int(model.ExitCodeFor(err)),
		}, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}

	if detail != "" {
		fmt.Fprintf(w, "Error: %s: %s\n", message, detail)
	} else {
		fmt.Fprintf(w, "Error: %s\n", message)
	}
}

// IsJSONOutput returns whether the --json flag is set.
func IsJSONOutput() bool {
	return jsonOutput
}

// writeJSON prints v as indented JSON.
func writeJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// Package config loads the two configuration files worktree-env reads:
//
//   - the tool config (YAML), per user, at
//     $XDG_CONFIG_HOME/worktree-env/config.yaml
//   - the project config (JSONC), per repository, at
//     <repo>/.worktree-env.json
//
// Both files are optional; a missing file yields the defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mmr-tortoise/worktree-env/internal/logging"
	"github.com/mmr-tortoise/worktree-env/internal/port"
)

const (
	// AppName names the config and state directories.
	AppName = "worktree-env"

	// DefaultWorkers bounds concurrent materialization in `create`.
	DefaultWorkers = 4
)

// Config is the per-user tool configuration.
type Config struct {
	// StateFile is the path of the JSON ledger.
	StateFile string `yaml:"state_file"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// Workers bounds how many attempts are materialized at once.
	Workers int `yaml:"workers"`

	Probe     ProbeConfig     `yaml:"probe"`
	Allocator AllocatorConfig `yaml:"allocator"`
	Docker    DockerConfig    `yaml:"docker"`
}

// ProbeConfig configures the port availability probe.
type ProbeConfig struct {
	// Protocol is tcp, udp or both.
	Protocol string `yaml:"protocol"`

	// Host is the bind address; empty means all interfaces.
	Host string `yaml:"host"`

	// Timeout bounds a single probe, e.g. "2s".
	Timeout time.Duration `yaml:"timeout"`
}

// AllocatorConfig configures the random port allocator.
type AllocatorConfig struct {
	// MaxAttempts caps the candidate draws per allocation.
	MaxAttempts int `yaml:"max_attempts"`
}

// DockerConfig configures the Docker published-port source.
type DockerConfig struct {
	// Enabled adds ports published by Docker containers to the
	// active-ports view.
	Enabled bool `yaml:"enabled"`

	// Labels restricts the source to containers carrying these labels
	// ("key" or "key=value").
	Labels []string `yaml:"labels,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StateFile: DefaultStateFile(),
		LogLevel:  string(logging.DefaultConfig().Level),
		Workers:   DefaultWorkers,
		Probe: ProbeConfig{
			Protocol: port.ProtocolTCP,
			Timeout:  port.DefaultProbeTimeout,
		},
		Allocator: AllocatorConfig{MaxAttempts: port.DefaultMaxAttempts},
	}
}

// DefaultPath returns the tool config location:
// $XDG_CONFIG_HOME/worktree-env/config.yaml, falling back to
// ~/.config/worktree-env/config.yaml.
func DefaultPath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), AppName, "config.yaml")
}

// DefaultStateFile returns the ledger location:
// $XDG_STATE_HOME/worktree-env/state.json, falling back to
// ~/.local/state/worktree-env/state.json.
func DefaultStateFile() string {
	return filepath.Join(xdgDir("XDG_STATE_HOME", filepath.Join(".local", "state")), AppName, "state.json")
}

func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fallback
	}
	return filepath.Join(home, fallback)
}

// Load reads the tool config at path over the defaults. A missing file
// returns the defaults unless mustExist is set. The result is validated.
func Load(path string, mustExist bool) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !mustExist:
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// applyDefaults fills zero values an explicit file may have left empty.
func (c *Config) applyDefaults() {
	def := Default()
	if c.StateFile == "" {
		c.StateFile = def.StateFile
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Workers == 0 {
		c.Workers = def.Workers
	}
	if c.Probe.Protocol == "" {
		c.Probe.Protocol = def.Probe.Protocol
	}
	if c.Probe.Timeout == 0 {
		c.Probe.Timeout = def.Probe.Timeout
	}
	if c.Allocator.MaxAttempts == 0 {
		c.Allocator.MaxAttempts = def.Allocator.MaxAttempts
	}
}

// Validate checks field values.
func (c *Config) Validate() error {
	if c.StateFile == "" {
		return fmt.Errorf("state_file must not be empty")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	switch c.Probe.Protocol {
	case port.ProtocolTCP, port.ProtocolUDP, port.ProtocolBoth:
	default:
		return fmt.Errorf("probe.protocol must be tcp, udp or both, got %q", c.Probe.Protocol)
	}
	if c.Probe.Timeout < 0 {
		return fmt.Errorf("probe.timeout must not be negative")
	}
	if c.Allocator.MaxAttempts < 1 {
		return fmt.Errorf("allocator.max_attempts must be at least 1, got %d", c.Allocator.MaxAttempts)
	}
	return nil
}

// ScannerOptions converts the probe section for port.NewScannerWithOptions.
func (c *Config) ScannerOptions() port.ScannerOptions {
	return port.ScannerOptions{
		Protocol: c.Probe.Protocol,
		Host:     c.Probe.Host,
		Timeout:  c.Probe.Timeout,
	}
}

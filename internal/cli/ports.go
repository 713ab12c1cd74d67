package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mmr-tortoise/worktree-env/internal/ledger"
	"github.com/mmr-tortoise/worktree-env/internal/model"
	"github.com/mmr-tortoise/worktree-env/internal/port"
)

// Output formats accepted by --output.
const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

type portsFlags struct {
	output string
}

// NewPortsCommand creates the "ports" cobra command and its "scan"
// subcommand.
func NewPortsCommand() *cobra.Command {
	flags := &portsFlags{}

	cmd := &cobra.Command{
		Use:   "ports [attempt-id]",
		Short: "Show assigned ports",
		Long: `Show the ports assigned to one attempt, or with no argument the global
active-ports view: every port held by an attempt whose environment still
exists, plus (with docker.enabled) ports published by containers.

Examples:
  worktree-env ports
  worktree-env ports 3f6c1e2a-8d4b-4c47-9a55-0d3b4c1e9f10
  worktree-env ports --output yaml`,

		Args: cobra.MaximumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := resolveOutput(flags.output)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				return runAttemptPorts(cmd.Context(), cmd.OutOrStdout(), args[0], format)
			}
			return runActivePorts(cmd.Context(), cmd.OutOrStdout(), format)
		},
	}

	cmd.Flags().StringVarP(&flags.output, "output", "o", outputText, "Output format: text, json, yaml")
	cmd.AddCommand(newPortsScanCommand())

	return cmd
}

// resolveOutput validates --output. --json wins over it.
func resolveOutput(format string) (string, error) {
	if IsJSONOutput() {
		return outputJSON, nil
	}
	switch format {
	case outputText, outputJSON, outputYAML:
		return format, nil
	default:
		return "", model.NewCLIError(model.ExitGeneralError,
			fmt.Sprintf("invalid output format %q: valid values are text, json, yaml", format))
	}
}

// attemptPortsView is one attempt's entry in the ports output.
type attemptPortsView struct {
	AttemptID string        `json:"attemptId" yaml:"attempt_id"`
	Branch    string        `json:"branch" yaml:"branch"`
	Status    string        `json:"status" yaml:"status"`
	Ports     model.PortMap `json:"ports" yaml:"ports"`
}

// activePortsView is the global active-ports view.
type activePortsView struct {
	Attempts []attemptPortsView `json:"attempts" yaml:"attempts"`

	// External lists ports reported by non-ledger sources.
	External []int `json:"external,omitempty" yaml:"external,omitempty"`

	// Active is the union the allocator avoids.
	Active []int `json:"active" yaml:"active"`
}

func runAttemptPorts(ctx context.Context, out io.Writer, attemptID string, format string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	attempt, err := a.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return failure(fmt.Sprintf("failed to load attempt %s", attemptID), err)
	}
	view, err := newAttemptPortsView(attempt)
	if err != nil {
		return err
	}

	switch format {
	case outputJSON:
		return writeJSON(out, view)
	case outputYAML:
		return writeYAML(out, view)
	}

	if len(view.Ports) == 0 {
		fmt.Fprintf(out, "Attempt %s holds no ports\n", attemptID)
		return nil
	}
	fmt.Fprintf(out, "Attempt %s (%s, %s)\n", attemptID, view.Branch, view.Status)
	writePortMap(out, "", view.Ports)
	return nil
}

func runActivePorts(ctx context.Context, out io.Writer, format string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	attempts, err := a.store.ListAttempts(ctx, ledger.Filter{ActiveOnly: true})
	if err != nil {
		return failure("failed to list attempts", err)
	}

	view := activePortsView{Attempts: make([]attemptPortsView, 0, len(attempts))}
	held := model.NewPortSet()
	for _, attempt := range attempts {
		entry, err := newAttemptPortsView(attempt)
		if err != nil {
			return err
		}
		held.Union(entry.Ports.Ports())
		view.Attempts = append(view.Attempts, *entry)
	}

	l, err := a.portLedger(ctx)
	if err != nil {
		return err
	}
	active, err := l.ActivePorts(ctx)
	if err != nil {
		return failure("failed to read active ports", err)
	}
	view.Active = active.Sorted()
	for _, p := range view.Active {
		if !held.Contains(p) {
			view.External = append(view.External, p)
		}
	}

	switch format {
	case outputJSON:
		return writeJSON(out, view)
	case outputYAML:
		return writeYAML(out, view)
	}

	if len(view.Active) == 0 {
		fmt.Fprintln(out, "No active ports.")
		return nil
	}
	fmt.Fprintf(out, "%-36s %-20s %-10s %s\n", "ATTEMPT", "BRANCH", "STATUS", "PORTS")
	for _, entry := range view.Attempts {
		fmt.Fprintf(out, "%-36s %-20s %-10s %s\n", entry.AttemptID, entry.Branch, entry.Status, FormatPortsList(entry.Ports))
	}
	if len(view.External) > 0 {
		fmt.Fprintf(out, "%-36s %-20s %-10s %s\n", "(external)", "-", "-", joinPorts(view.External))
	}
	return nil
}

func newAttemptPortsView(a *model.Attempt) (*attemptPortsView, error) {
	ports, err := a.Ports()
	if err != nil {
		return nil, model.WrapCLIError(model.ExitLedgerError, fmt.Sprintf("attempt %s has unreadable assigned ports", a.ID), err)
	}
	if ports == nil {
		ports = model.PortMap{}
	}
	return &attemptPortsView{
		AttemptID: a.ID,
		Branch:    a.Branch,
		Status:    a.Status.String(),
		Ports:     ports,
	}, nil
}

type portsScanFlags struct {
	start int
	end   int
}

// newPortsScanCommand creates "ports scan", which probes the host directly.
func newPortsScanCommand() *cobra.Command {
	flags := &portsScanFlags{}

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Probe a port range on the host",
		Long: `Probe every port in [start, end] with the configured protocol and report
which ones cannot be bound right now, regardless of the ledger.

Examples:
  worktree-env ports scan --start 3000 --end 3100
  worktree-env ports scan --start 5432 --end 5432 --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runPortsScan(cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().IntVar(&flags.start, "start", 0, "First port to probe")
	cmd.Flags().IntVar(&flags.end, "end", 0, "Last port to probe")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")

	return cmd
}

func runPortsScan(out io.Writer, flags *portsScanFlags) error {
	r := port.Range{Min: flags.start, Max: flags.end}
	if err := r.Validate(); err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "invalid scan range", err)
	}

	s := port.NewScannerWithOptions(currentConfig().ScannerOptions())
	used := s.GetUsedPorts(r.Min, r.Max)
	if used == nil {
		used = []int{}
	}
	first, err := s.FindAvailablePort(r.Min, r.Max)
	if err != nil {
		first = 0
	}

	if IsJSONOutput() {
		return writeJSON(out, struct {
			Protocol       string `json:"protocol"`
			Range          string `json:"range"`
			Used           []int  `json:"used"`
			FirstAvailable int    `json:"firstAvailable,omitempty"`
		}{s.Protocol(), r.String(), used, first})
	}

	fmt.Fprintf(out, "Scanned %s (%s): %d of %d in use\n", r, s.Protocol(), len(used), r.Size())
	if len(used) > 0 {
		fmt.Fprintf(out, "  In use:          %s\n", joinPorts(used))
	}
	if first > 0 {
		fmt.Fprintf(out, "  First available: %d\n", first)
	} else {
		fmt.Fprintln(out, "  First available: none")
	}
	return nil
}

func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return enc.Close()
}

// writePortMap prints one "KEY  port" line per assignment, sorted by key.
func writePortMap(w io.Writer, indent string, ports model.PortMap) {
	if len(ports) == 0 {
		fmt.Fprintf(w, "%sPorts:     -\n", indent)
		return
	}
	fmt.Fprintf(w, "%sPorts:\n", indent)
	for _, key := range ports.Keys() {
		fmt.Fprintf(w, "%s  %-20s %d\n", indent, key, ports[key])
	}
}

func joinPorts(ports []int) string {
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		parts = append(parts, strconv.Itoa(p))
	}
	return strings.Join(parts, ",")
}

package envtemplate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mmr-tortoise/worktree-env/internal/logging"
	"github.com/mmr-tortoise/worktree-env/internal/model"
)

const (
	// FuncAutoPort allocates a free port.
	FuncAutoPort = "auto_port"

	// FuncBranch substitutes the attempt's branch name.
	FuncBranch = "branch"
)

var (
	// placeholderRegex matches `{{ name() }}` and `{{ name() | default }}`.
	// Group 1 is the function name, group 2 the raw default (if a pipe is
	// present). Whitespace around every token is insignificant.
	placeholderRegex = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\(\s*\)\s*(?:\|([^}]*))?\}\}`)

	// keyRegex extracts the variable name from `KEY=` or `export KEY=`.
	keyRegex = regexp.MustCompile(`^\s*(?:export\s+)?([A-Za-z_][A-Za-z0-9_]*)\s*=`)
)

// PortAllocator picks a port absent from used and inProgress.
// *port.Allocator satisfies it.
type PortAllocator interface {
	Allocate(used, inProgress model.PortSet) (int, error)
}

// Context carries the per-attempt values a render pass resolves against.
type Context struct {
	// BranchName substitutes branch() placeholders.
	BranchName string

	// UsedPorts is the global active-ports view, fetched once by the
	// caller before the pass starts.
	UsedPorts model.PortSet
}

// Result is the output of a successful render pass.
type Result struct {
	// Content is the rendered document.
	Content string

	// AssignedPorts maps each auto_port() key to its port. Nil when the
	// template has no auto_port() placeholders.
	AssignedPorts model.PortMap
}

// Placeholder describes one recognized `{{ ... }}` span.
type Placeholder struct {
	// Line is the 1-based line number.
	Line int `json:"line"`

	// Function is the function name, e.g. "auto_port".
	Function string `json:"function"`

	// Default is the trimmed text after "|". HasDefault is false when it
	// is empty.
	Default    string `json:"default,omitempty"`
	HasDefault bool   `json:"has_default"`

	// Key is the assignment key an auto_port() placeholder records its
	// port under. Empty for other functions.
	Key string `json:"key,omitempty"`

	// Raw is the exact source text of the placeholder.
	Raw string `json:"raw"`

	start, end int
}

// Known reports whether the function is one the renderer resolves.
func (p Placeholder) Known() bool {
	return p.Function == FuncAutoPort || p.Function == FuncBranch
}

// Renderer resolves placeholders in templates.
type Renderer struct {
	allocator PortAllocator
}

// NewRenderer creates a Renderer that allocates ports with allocator.
func NewRenderer(allocator PortAllocator) *Renderer {
	return &Renderer{allocator: allocator}
}

// Render resolves every placeholder in document.
//
// Lines without placeholders, blank lines and comment lines are copied byte
// for byte. Each auto_port() is allocated against vars.UsedPorts plus every
// port chosen earlier in the same pass, so placeholders in one document
// never collide. On allocation failure Render returns a nil Result and the
// error, which wraps the allocator's error.
func (r *Renderer) Render(document string, vars Context) (*Result, error) {
	var out strings.Builder
	out.Grow(len(document))

	assigned := make(model.PortMap)
	inProgress := model.NewPortSet()

	for i, line := range strings.Split(document, "\n") {
		if i > 0 {
			out.WriteByte('\n')
		}
		if passThrough(line) {
			out.WriteString(line)
			continue
		}

		last := 0
		for _, ph := range parseLine(line, i+1, keyTaken(assigned)) {
			out.WriteString(line[last:ph.start])
			last = ph.end

			switch ph.Function {
			case FuncAutoPort:
				port, err := r.allocator.Allocate(vars.UsedPorts, inProgress)
				if err != nil {
					return nil, fmt.Errorf("line %d: failed to allocate port for %s: %w", ph.Line, ph.Key, err)
				}
				inProgress.Add(port)
				assigned[ph.Key] = port
				logging.Debug("port allocated", "key", ph.Key, "port", port, "line", ph.Line)
				out.WriteString(strconv.Itoa(port))
			case FuncBranch:
				out.WriteString(resolveBranch(ph, vars.BranchName))
			default:
				logging.Debug("unknown template function left as text", "function", ph.Function, "line", ph.Line)
				out.WriteString(ph.Raw)
			}
		}
		out.WriteString(line[last:])
	}

	result := &Result{Content: out.String()}
	if len(assigned) > 0 {
		result.AssignedPorts = assigned
	}
	return result, nil
}

// Scan lists the placeholders in document without resolving them. Keys
// are derived exactly as Render would derive them.
func Scan(document string) []Placeholder {
	var found []Placeholder
	keys := make(map[string]struct{})
	taken := func(k string) bool {
		_, ok := keys[k]
		return ok
	}

	for i, line := range strings.Split(document, "\n") {
		if passThrough(line) {
			continue
		}
		for _, ph := range parseLine(line, i+1, taken) {
			if ph.Key != "" {
				keys[ph.Key] = struct{}{}
			}
			found = append(found, ph)
		}
	}
	return found
}

// passThrough reports whether a line is copied without inspection: blank
// lines, comment lines and lines with no "{{" at all.
func passThrough(line string) bool {
	trimmed := strings.TrimSpace(line)
	return trimmed == "" || strings.HasPrefix(trimmed, "#") || !strings.Contains(line, "{{")
}

// parseLine finds the placeholders on one line and assigns keys to its
// auto_port() occurrences. taken reports keys already used earlier in the
// document; parseLine consults it together with the keys it hands out
// itself.
func parseLine(line string, lineNo int, taken func(string) bool) []Placeholder {
	matches := placeholderRegex.FindAllStringSubmatchIndex(line, -1)
	if strings.Count(line, "{{") > len(matches) {
		logging.Debug("malformed placeholder left as text", "line", lineNo)
	}
	if len(matches) == 0 {
		return nil
	}

	base := fmt.Sprintf("AUTO_PORT_L%d", lineNo)
	if m := keyRegex.FindStringSubmatch(line); m != nil {
		base = m[1]
	}

	local := make(map[string]struct{})
	used := func(k string) bool {
		_, ok := local[k]
		return ok || taken(k)
	}

	placeholders := make([]Placeholder, 0, len(matches))
	for _, m := range matches {
		ph := Placeholder{
			Line:     lineNo,
			Function: line[m[2]:m[3]],
			Raw:      line[m[0]:m[1]],
			start:    m[0],
			end:      m[1],
		}
		// An empty default counts as none.
		if m[4] >= 0 {
			ph.Default = strings.TrimSpace(line[m[4]:m[5]])
			ph.HasDefault = ph.Default != ""
		}
		if ph.Function == FuncAutoPort {
			ph.Key = uniqueKey(base, used)
			local[ph.Key] = struct{}{}
		}
		placeholders = append(placeholders, ph)
	}
	return placeholders
}

// uniqueKey returns base, or base_N with the smallest N >= 2 that is not
// taken.
func uniqueKey(base string, taken func(string) bool) string {
	if !taken(base) {
		return base
	}
	for n := 2; ; n++ {
		key := base + "_" + strconv.Itoa(n)
		if !taken(key) {
			return key
		}
	}
}

func keyTaken(m model.PortMap) func(string) bool {
	return func(k string) bool {
		_, ok := m[k]
		return ok
	}
}

// resolveBranch returns the substitution for a branch() placeholder. With
// no branch name and no non-empty default the placeholder is kept verbatim
// so the missing value stays visible in the rendered file.
func resolveBranch(ph Placeholder, branch string) string {
	switch {
	case branch != "":
		return branch
	case ph.HasDefault:
		return ph.Default
	default:
		return ph.Raw
	}
}

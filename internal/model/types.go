// Package model defines the domain types for the worktree-env CLI.
//
// Task attempts and projects are the persisted records. Everything else in
// this file (PortSet, PortMap) is a value type that flows between the
// allocator, the renderer and the ledger.
package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	// MinPort is the lowest port the allocator may hand out. Ports below
	// 1024 are privileged on most systems.
	MinPort = 1024

	// MaxPort is the highest valid TCP/UDP port number (2^16 - 1).
	MaxPort = 65535
)

// AttemptStatus represents the lifecycle state of a task attempt.
// The state transitions are:
//
//	[Created] → Active → Completed → [Deleted]
//	Active → [Deleted] (environment torn down before completion)
type AttemptStatus string

const (
	// StatusActive indicates the attempt's environment exists and the task
	// is still being worked on.
	StatusActive AttemptStatus = "active"

	// StatusCompleted indicates the task finished. The environment may
	// still exist, so its ports stay assigned unless released.
	StatusCompleted AttemptStatus = "completed"

	// StatusDeleted indicates the isolated environment has been torn down.
	// A deleted attempt never contributes to the active-ports view.
	StatusDeleted AttemptStatus = "deleted"
)

// String returns the string representation of AttemptStatus.
func (s AttemptStatus) String() string {
	return string(s)
}

// IsValid checks whether the AttemptStatus value is one of the
// predefined valid states.
func (s AttemptStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusDeleted:
		return true
	default:
		return false
	}
}

// ParseAttemptStatus converts a string to an AttemptStatus.
// Returns an error if the string does not match any valid status.
func ParseAttemptStatus(s string) (AttemptStatus, error) {
	status := AttemptStatus(strings.ToLower(s))
	if !status.IsValid() {
		return "", fmt.Errorf("invalid attempt status: %q (valid: active, completed, deleted)", s)
	}
	return status, nil
}

// PortSet is an unordered set of port numbers. The zero value (nil) is an
// empty set that can be read but not written; use NewPortSet to build one.
type PortSet map[int]struct{}

// NewPortSet creates a PortSet containing the given ports.
func NewPortSet(ports ...int) PortSet {
	s := make(PortSet, len(ports))
	for _, p := range ports {
		s[p] = struct{}{}
	}
	return s
}

// Contains reports whether port is in the set. Safe on a nil set.
func (s PortSet) Contains(port int) bool {
	_, ok := s[port]
	return ok
}

// Add inserts port into the set.
func (s PortSet) Add(port int) {
	s[port] = struct{}{}
}

// Len returns the number of ports in the set.
func (s PortSet) Len() int {
	return len(s)
}

// Union adds every port of other into s.
func (s PortSet) Union(other PortSet) {
	for p := range other {
		s[p] = struct{}{}
	}
}

// Sorted returns the ports in ascending order.
func (s PortSet) Sorted() []int {
	out := make([]int, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// PortMap maps an assignment key (the environment variable name a
// placeholder is bound to, e.g. "WEB_PORT") to the port assigned to it.
// Keys are unique within one attempt; order is irrelevant.
type PortMap map[string]int

// Validate checks that every key is a non-empty name and every port lies in
// the allocatable range [MinPort, MaxPort].
func (m PortMap) Validate() error {
	for key, port := range m {
		if err := ValidatePortKey(key); err != nil {
			return err
		}
		if port < MinPort || port > MaxPort {
			return fmt.Errorf("port assignment %s: port %d out of range (%d-%d)", key, port, MinPort, MaxPort)
		}
	}
	return nil
}

// Ports returns the assigned ports as a set.
func (m PortMap) Ports() PortSet {
	s := make(PortSet, len(m))
	for _, p := range m {
		s.Add(p)
	}
	return s
}

// Keys returns the assignment keys in lexical order.
func (m PortMap) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EncodeAssignedPorts serializes a port map into the nullable text form of
// the assigned_ports column: a flat JSON object of string keys to integer
// values. An empty or nil map encodes to nil ("no ports assigned").
func EncodeAssignedPorts(m PortMap) (*string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	// encoding/json sorts map keys, so the stored text is deterministic.
	data, err := json.Marshal(map[string]int(m))
	if err != nil {
		return nil, fmt.Errorf("encode assigned ports: %w", err)
	}
	s := string(data)
	return &s, nil
}

// DecodeAssignedPorts parses the assigned_ports column. nil, empty text and
// the JSON literal null all decode to a nil map.
func DecodeAssignedPorts(raw *string) (PortMap, error) {
	if raw == nil {
		return nil, nil
	}
	text := strings.TrimSpace(*raw)
	if text == "" || text == "null" {
		return nil, nil
	}
	var m map[string]int
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return nil, fmt.Errorf("decode assigned ports: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return PortMap(m), nil
}

// Project is the persisted record for a source repository. It owns the
// release_ports_on_completion flag.
type Project struct {
	// ID is the unique project identifier.
	ID string `json:"id"`

	// Name is a display name, usually the repository directory name.
	Name string `json:"name"`

	// RepoPath is the absolute path to the main Git repository.
	RepoPath string `json:"repo_path"`

	// ReleasePortsOnCompletion controls whether completing a task releases
	// its attempt's ports. nil is treated as enabled for backward
	// compatibility with records written before the flag existed.
	ReleasePortsOnCompletion *bool `json:"release_ports_on_completion"`

	// CreatedAt is the timestamp when the project was registered.
	CreatedAt time.Time `json:"created_at"`
}

// ReleaseOnCompletion reports the effective value of the auto-release flag.
func (p *Project) ReleaseOnCompletion() bool {
	if p.ReleasePortsOnCompletion == nil {
		return true
	}
	return *p.ReleasePortsOnCompletion
}

// Attempt is the persisted record of one execution of a task. It owns its
// isolated environment (a Git worktree) and at most one port assignment map.
type Attempt struct {
	// ID is the unique attempt identifier (a UUID for attempts created by
	// the CLI).
	ID string `json:"id"`

	// ProjectID references the owning Project.
	ProjectID string `json:"project_id"`

	// Branch is the Git branch checked out in the attempt's worktree. It is
	// the value substituted for {{ branch() }}.
	Branch string `json:"branch"`

	// WorktreePath is the absolute filesystem path of the isolated
	// environment.
	WorktreePath string `json:"worktree_path"`

	// Status is the current lifecycle state of the attempt.
	Status AttemptStatus `json:"status"`

	// AssignedPorts is the assigned_ports column: nullable JSON text of the
	// form {"KEY": port}. It is replaced wholesale or cleared, never
	// partially updated.
	AssignedPorts *string `json:"assigned_ports"`

	// CreatedAt is the timestamp when the attempt was created.
	CreatedAt time.Time `json:"created_at"`

	// CompletedAt is set when the task is marked complete.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// DeletedAt is set when the isolated environment is torn down.
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Ports decodes the attempt's assigned_ports column.
func (a *Attempt) Ports() (PortMap, error) {
	return DecodeAssignedPorts(a.AssignedPorts)
}

// IsActive reports whether the attempt contributes to the global
// active-ports view: its environment has not been torn down and its ports
// have not been released.
func (a *Attempt) IsActive() bool {
	return a.Status != StatusDeleted && a.AssignedPorts != nil
}

// attemptIDRegex accepts UUIDs and other simple identifiers.
var attemptIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateAttemptID checks that id is usable as a record key.
func ValidateAttemptID(id string) error {
	if id == "" {
		return fmt.Errorf("attempt id must not be empty")
	}
	if !attemptIDRegex.MatchString(id) {
		return fmt.Errorf("invalid attempt id %q: must contain only alphanumerics, '.', '_' and '-'", id)
	}
	return nil
}

// portKeyRegex matches environment variable names as accepted by dotenv
// loaders.
var portKeyRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidatePortKey checks that key is a valid environment variable name.
func ValidatePortKey(key string) error {
	if key == "" {
		return fmt.Errorf("port assignment: key must not be empty")
	}
	if !portKeyRegex.MatchString(key) {
		return fmt.Errorf("port assignment: invalid key %q", key)
	}
	return nil
}

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moby/sys/atomicwriter"

	"github.com/mmr-tortoise/worktree-env/internal/logging"
	"github.com/mmr-tortoise/worktree-env/internal/model"
)

// stateVersion is written into every state file.
const stateVersion = 1

// state is the on-disk layout of the state file.
type state struct {
	Version  int                       `json:"version"`
	Projects map[string]*model.Project `json:"projects"`
	Attempts map[string]*model.Attempt `json:"attempts"`
}

func newState() *state {
	return &state{
		Version:  stateVersion,
		Projects: make(map[string]*model.Project),
		Attempts: make(map[string]*model.Attempt),
	}
}

// Store is a Ledger backed by a single JSON state file holding every
// project and attempt.
//
// Each call reloads the file, so separate processes see each other's
// committed writes. Mutations are read-modify-write under an in-process
// mutex and the new file replaces the old one atomically. Two processes
// writing at the same time can still lose one update.
type Store struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

var _ Ledger = (*Store)(nil)

// Open returns a Store for the state file at path, creating its parent
// directory. A missing file is treated as empty state.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, model.NewCLIError(model.ExitLedgerError, "state file path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitLedgerError, "failed to resolve state file path", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, model.WrapCLIError(model.ExitLedgerError, "failed to create state directory", err)
	}
	return &Store{path: abs, now: time.Now}, nil
}

// Path returns the absolute path of the state file.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) load() (*state, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return newState(), nil
	}
	if err != nil {
		return nil, model.WrapCLIError(model.ExitLedgerError, "failed to read state file", err)
	}

	st := newState()
	if len(data) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, model.WrapCLIError(model.ExitLedgerError,
			fmt.Sprintf("failed to parse state file %s", s.path), err)
	}
	if st.Projects == nil {
		st.Projects = make(map[string]*model.Project)
	}
	if st.Attempts == nil {
		st.Attempts = make(map[string]*model.Attempt)
	}
	return st, nil
}

func (s *Store) save(st *state) error {
	st.Version = stateVersion
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return model.WrapCLIError(model.ExitLedgerError, "failed to encode state", err)
	}
	data = append(data, '\n')
	if err := atomicwriter.WriteFile(s.path, data, 0o644); err != nil {
		return model.WrapCLIError(model.ExitLedgerError, "failed to write state file", err)
	}
	return nil
}

// view runs fn against a freshly loaded state.
func (s *Store) view(ctx context.Context, fn func(*state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return err
	}
	return fn(st)
}

// update runs fn against a freshly loaded state and saves the result. fn
// returning errNoChange skips the write.
func (s *Store) update(ctx context.Context, fn func(*state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		if errors.Is(err, errNoChange) {
			return nil
		}
		return err
	}
	return s.save(st)
}

var errNoChange = errors.New("no change")

func attemptNotFound(id string) error {
	return fmt.Errorf("%w: %s", model.ErrAttemptNotFound, id)
}

func projectNotFound(id string) error {
	return fmt.Errorf("%w: %s", model.ErrProjectNotFound, id)
}

// ActivePorts implements Ledger.
func (s *Store) ActivePorts(ctx context.Context) (model.PortSet, error) {
	ports := model.NewPortSet()
	err := s.view(ctx, func(st *state) error {
		for id, a := range st.Attempts {
			if !a.IsActive() {
				continue
			}
			m, err := a.Ports()
			if err != nil {
				return model.WrapCLIError(model.ExitLedgerError,
					fmt.Sprintf("attempt %s has corrupt assigned_ports", id), err)
			}
			ports.Union(m.Ports())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ports, nil
}

// UpdateAssignedPorts implements Ledger.
func (s *Store) UpdateAssignedPorts(ctx context.Context, attemptID string, ports model.PortMap) error {
	encoded, err := model.EncodeAssignedPorts(ports)
	if err != nil {
		return err
	}
	return s.update(ctx, func(st *state) error {
		a, ok := st.Attempts[attemptID]
		if !ok {
			return attemptNotFound(attemptID)
		}
		a.AssignedPorts = encoded
		logging.Debug("assigned ports updated", "attempt", attemptID, "ports", len(ports))
		return nil
	})
}

// ReleaseAssignedPorts implements Ledger. A corrupt map is still cleared;
// it is reported as nil.
func (s *Store) ReleaseAssignedPorts(ctx context.Context, attemptID string) (model.PortMap, error) {
	var released model.PortMap
	err := s.update(ctx, func(st *state) error {
		a, ok := st.Attempts[attemptID]
		if !ok {
			return attemptNotFound(attemptID)
		}
		if a.AssignedPorts == nil {
			return errNoChange
		}
		m, err := a.Ports()
		if err != nil {
			logging.Warn("releasing attempt with unreadable assigned ports", "attempt", attemptID, "error", err)
		}
		released = m
		a.AssignedPorts = nil
		logging.Debug("assigned ports released", "attempt", attemptID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(released) == 0 {
		return nil, nil
	}
	return released, nil
}

// CreateProject registers a new project. A nil releaseOnCompletion stores
// true, the schema default.
func (s *Store) CreateProject(ctx context.Context, name, repoPath string, releaseOnCompletion *bool) (*model.Project, error) {
	flag := true
	if releaseOnCompletion != nil {
		flag = *releaseOnCompletion
	}
	p := &model.Project{
		ID:                       uuid.NewString(),
		Name:                     name,
		RepoPath:                 repoPath,
		ReleasePortsOnCompletion: &flag,
		CreatedAt:                s.now().UTC(),
	}

	err := s.update(ctx, func(st *state) error {
		st.Projects[p.ID] = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	c := *p
	return &c, nil
}

// EnsureProject returns the project registered for repoPath, creating it
// if none exists. The bool reports whether it was created.
func (s *Store) EnsureProject(ctx context.Context, name, repoPath string, releaseOnCompletion *bool) (*model.Project, bool, error) {
	existing, err := s.FindProjectByRepo(ctx, repoPath)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, model.ErrProjectNotFound) {
		return nil, false, err
	}
	p, err := s.CreateProject(ctx, name, repoPath, releaseOnCompletion)
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

// GetProject returns the project with the given ID.
func (s *Store) GetProject(ctx context.Context, id string) (*model.Project, error) {
	var out *model.Project
	err := s.view(ctx, func(st *state) error {
		p, ok := st.Projects[id]
		if !ok {
			return projectNotFound(id)
		}
		c := *p
		out = &c
		return nil
	})
	return out, err
}

// FindProjectByRepo returns the project whose RepoPath equals repoPath.
func (s *Store) FindProjectByRepo(ctx context.Context, repoPath string) (*model.Project, error) {
	var out *model.Project
	err := s.view(ctx, func(st *state) error {
		for _, p := range st.Projects {
			if p.RepoPath == repoPath {
				c := *p
				out = &c
				return nil
			}
		}
		return projectNotFound(repoPath)
	})
	return out, err
}

// SetReleasePortsOnCompletion updates the project's auto-release flag.
func (s *Store) SetReleasePortsOnCompletion(ctx context.Context, projectID string, enabled bool) error {
	return s.update(ctx, func(st *state) error {
		p, ok := st.Projects[projectID]
		if !ok {
			return projectNotFound(projectID)
		}
		p.ReleasePortsOnCompletion = &enabled
		return nil
	})
}

// CreateAttempt stores a new attempt. ID and ProjectID are required and
// the project must exist. Status defaults to active and CreatedAt to now.
// Any AssignedPorts on a is discarded: ports are assigned through
// UpdateAssignedPorts only.
func (s *Store) CreateAttempt(ctx context.Context, a *model.Attempt) error {
	if err := model.ValidateAttemptID(a.ID); err != nil {
		return err
	}
	record := *a
	record.AssignedPorts = nil
	if record.Status == "" {
		record.Status = model.StatusActive
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now().UTC()
	}

	return s.update(ctx, func(st *state) error {
		if _, ok := st.Projects[record.ProjectID]; !ok {
			return projectNotFound(record.ProjectID)
		}
		if _, ok := st.Attempts[record.ID]; ok {
			return fmt.Errorf("attempt %s already exists", record.ID)
		}
		st.Attempts[record.ID] = &record
		return nil
	})
}

// GetAttempt returns the attempt with the given ID.
func (s *Store) GetAttempt(ctx context.Context, id string) (*model.Attempt, error) {
	var out *model.Attempt
	err := s.view(ctx, func(st *state) error {
		a, ok := st.Attempts[id]
		if !ok {
			return attemptNotFound(id)
		}
		c := *a
		out = &c
		return nil
	})
	return out, err
}

// ListAttempts returns the attempts matching f, oldest first.
func (s *Store) ListAttempts(ctx context.Context, f Filter) ([]*model.Attempt, error) {
	var out []*model.Attempt
	err := s.view(ctx, func(st *state) error {
		for _, a := range st.Attempts {
			if f.match(a) {
				c := *a
				out = append(out, &c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MarkCompleted records that the attempt's task finished. Completing an
// attempt twice keeps the first timestamp. A deleted attempt stays
// deleted.
func (s *Store) MarkCompleted(ctx context.Context, id string) (*model.Attempt, error) {
	return s.transition(ctx, id, func(a *model.Attempt) bool {
		if a.Status != model.StatusActive {
			return false
		}
		now := s.now().UTC()
		a.Status = model.StatusCompleted
		a.CompletedAt = &now
		return true
	})
}

// MarkDeleted records that the attempt's isolated environment was torn
// down. It is idempotent.
func (s *Store) MarkDeleted(ctx context.Context, id string) (*model.Attempt, error) {
	return s.transition(ctx, id, func(a *model.Attempt) bool {
		if a.Status == model.StatusDeleted {
			return false
		}
		now := s.now().UTC()
		a.Status = model.StatusDeleted
		a.DeletedAt = &now
		return true
	})
}

// transition applies fn to the attempt and saves if fn reports a change.
// It returns the attempt as stored afterwards.
func (s *Store) transition(ctx context.Context, id string, fn func(*model.Attempt) bool) (*model.Attempt, error) {
	var out *model.Attempt
	err := s.update(ctx, func(st *state) error {
		a, ok := st.Attempts[id]
		if !ok {
			return attemptNotFound(id)
		}
		changed := fn(a)
		c := *a
		out = &c
		if !changed {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

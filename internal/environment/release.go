package environment

import (
	"context"
	"fmt"

	"github.com/mmr-tortoise/worktree-env/internal/ledger"
	"github.com/mmr-tortoise/worktree-env/internal/logging"
	"github.com/mmr-tortoise/worktree-env/internal/model"
)

// Records is the attempt and project storage the release triggers need.
// *ledger.Store satisfies it.
type Records interface {
	GetProject(ctx context.Context, id string) (*model.Project, error)
	MarkCompleted(ctx context.Context, id string) (*model.Attempt, error)
	MarkDeleted(ctx context.Context, id string) (*model.Attempt, error)
}

// Releaser returns an attempt's ports to the pool. Every trigger (explicit
// request, task completion, environment deletion) goes through Release.
type Releaser struct {
	ledger  ledger.Ledger
	records Records
}

// NewReleaser creates a Releaser.
func NewReleaser(l ledger.Ledger, records Records) *Releaser {
	return &Releaser{ledger: l, records: records}
}

// Release clears the attempt's assignment map and returns the ports it
// held (nil when it held none). It is idempotent and only fails when the
// attempt does not exist or the ledger cannot be written.
func (r *Releaser) Release(ctx context.Context, attemptID string) (model.PortMap, error) {
	held, err := r.ledger.ReleaseAssignedPorts(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("failed to release ports for attempt %s: %w", attemptID, err)
	}
	if len(held) > 0 {
		logging.Info("ports released", "attempt", attemptID, "ports", held.Ports().Sorted())
	}
	return held, nil
}

// OnTaskCompleted marks the attempt completed and, when the owning
// project's release_ports_on_completion flag is enabled (nil counts as
// enabled), releases its ports. released reports whether Release ran.
func (r *Releaser) OnTaskCompleted(ctx context.Context, attemptID string) (released bool, err error) {
	a, err := r.records.MarkCompleted(ctx, attemptID)
	if err != nil {
		return false, err
	}

	p, err := r.records.GetProject(ctx, a.ProjectID)
	if err != nil {
		return false, fmt.Errorf("failed to load project for attempt %s: %w", attemptID, err)
	}
	if !p.ReleaseOnCompletion() {
		logging.Debug("project keeps ports after completion", "attempt", attemptID, "project", p.ID)
		return false, nil
	}

	if _, err := r.Release(ctx, attemptID); err != nil {
		return false, err
	}
	return true, nil
}

// OnEnvironmentDeleted marks the attempt deleted and releases its ports.
func (r *Releaser) OnEnvironmentDeleted(ctx context.Context, attemptID string) (model.PortMap, error) {
	if _, err := r.records.MarkDeleted(ctx, attemptID); err != nil {
		return nil, err
	}
	return r.Release(ctx, attemptID)
}

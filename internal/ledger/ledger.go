// Package ledger records which ports are assigned to which task attempts.
//
// The Ledger interface is the surface the rest of the system consumes: a
// read of the global active-ports view, plus wholesale replace and clear of
// one attempt's assignment map. Store is the file-backed implementation;
// WithExternalPorts layers additional read-only port sources (such as
// ports published by Docker containers) onto any Ledger.
package ledger

import (
	"context"

	"github.com/mmr-tortoise/worktree-env/internal/model"
)

// Ledger is the persisted record of port assignments.
type Ledger interface {
	// ActivePorts returns the union of the assignment maps of every active
	// attempt. It is recomputed on each call.
	ActivePorts(ctx context.Context) (model.PortSet, error)

	// UpdateAssignedPorts replaces the attempt's assignment map. An empty
	// map clears it.
	UpdateAssignedPorts(ctx context.Context, attemptID string, ports model.PortMap) error

	// ReleaseAssignedPorts clears the attempt's assignment map and returns
	// the map it cleared (nil when it held none). Releasing an attempt that
	// holds no ports is a no-op. An unknown attempt yields an error
	// wrapping model.ErrAttemptNotFound.
	ReleaseAssignedPorts(ctx context.Context, attemptID string) (model.PortMap, error)
}

// Filter selects attempts in ListAttempts. Zero fields match everything.
type Filter struct {
	ProjectID string
	Status    model.AttemptStatus

	// ActiveOnly keeps only attempts contributing to the active-ports view.
	ActiveOnly bool
}

func (f Filter) match(a *model.Attempt) bool {
	if f.ProjectID != "" && a.ProjectID != f.ProjectID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.ActiveOnly && !a.IsActive() {
		return false
	}
	return true
}

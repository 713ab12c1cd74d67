package ledger

import (
	"context"
	"fmt"

	"github.com/mmr-tortoise/worktree-env/internal/logging"
	"github.com/mmr-tortoise/worktree-env/internal/model"
)

// PortSource reports ports held outside the ledger, for example host ports
// published by containers that the live probe cannot see while they are
// stopped.
type PortSource interface {
	// Name identifies the source in errors and logs.
	Name() string

	// Ports returns the ports the source currently holds.
	Ports(ctx context.Context) (model.PortSet, error)
}

// WithExternalPorts returns a Ledger whose ActivePorts also includes every
// port reported by sources. Writes go to l unchanged. With no sources l is
// returned as is.
func WithExternalPorts(l Ledger, sources ...PortSource) Ledger {
	if len(sources) == 0 {
		return l
	}
	return &externalPorts{Ledger: l, sources: sources}
}

type externalPorts struct {
	Ledger
	sources []PortSource
}

// ActivePorts unions the wrapped ledger's view with every source. Any
// source error fails the whole read.
func (e *externalPorts) ActivePorts(ctx context.Context) (model.PortSet, error) {
	ports, err := e.Ledger.ActivePorts(ctx)
	if err != nil {
		return nil, err
	}
	if ports == nil {
		ports = model.NewPortSet()
	}

	for _, src := range e.sources {
		extra, err := src.Ports(ctx)
		if err != nil {
			return nil, fmt.Errorf("port source %s: %w", src.Name(), err)
		}
		logging.Debug("external ports added to active view", "source", src.Name(), "ports", extra.Len())
		ports.Union(extra)
	}
	return ports, nil
}

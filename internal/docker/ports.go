package docker

import (
	"context"
	"sort"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"

	"github.com/mmr-tortoise/worktree-env/internal/model"
)

// SourceName identifies the published-port source in logs and errors.
const SourceName = "docker"

// containerLister is the subset of the SDK client the port source needs.
// *client.Client satisfies it.
type containerLister interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
}

// PublishedPortSource reports every host port published by a container,
// running or stopped. A stopped container rebinds its ports when it is
// restarted, and a live bind probe cannot see that, so these ports are
// added to the active-ports view.
//
// It implements ledger.PortSource.
type PublishedPortSource struct {
	lister containerLister
	labels []string
}

// NewPublishedPortSource creates a source backed by c. When labels are
// given (as "key" or "key=value"), only containers carrying all of them
// are considered.
func NewPublishedPortSource(c *Client, labels ...string) *PublishedPortSource {
	return &PublishedPortSource{lister: c.Inner(), labels: labels}
}

// Name implements ledger.PortSource.
func (s *PublishedPortSource) Name() string {
	return SourceName
}

// Ports implements ledger.PortSource.
func (s *PublishedPortSource) Ports(ctx context.Context) (model.PortSet, error) {
	opts := container.ListOptions{All: true}
	if len(s.labels) > 0 {
		args := filters.NewArgs()
		for _, l := range s.labels {
			args.Add("label", l)
		}
		opts.Filters = args
	}

	containers, err := s.lister.ContainerList(ctx, opts)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitDockerNotRunning, "failed to list Docker containers", err)
	}
	return model.NewPortSet(PublishedPorts(containers)...), nil
}

// PublishedPorts returns the distinct host ports published by containers,
// in ascending order. Unpublished (container-only) ports are ignored.
func PublishedPorts(containers []container.Summary) []int {
	seen := make(map[int]struct{})
	for _, c := range containers {
		for _, p := range c.Ports {
			if p.PublicPort == 0 {
				continue
			}
			seen[int(p.PublicPort)] = struct{}{}
		}
	}

	ports := make([]int, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}
